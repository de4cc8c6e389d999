package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/magabrotheeeer/breezeminder/internal/lib/keylock"
	"github.com/magabrotheeeer/breezeminder/internal/lib/sl"
)

const (
	lockPrefix       = "lock:"
	defaultLockTTL   = 2 * time.Minute
	defaultLockRetry = 50 * time.Millisecond
	unlockTimeout    = 3 * time.Second
)

// Ключ удаляется только владельцем токена.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker блокировка по ключу, общая для всех процессов, подключённых к одному redis.
// Внутри процесса ожидающие выстраиваются в очередь на keylock и не опрашивают redis.
type Locker struct {
	db    *redis.Client
	local *keylock.Locks
	ttl   time.Duration
	retry time.Duration
	log   *slog.Logger
}

// NewLocker создаёт Locker. ttl ограничивает время жизни блокировки, если процесс-владелец упал.
func NewLocker(c *Cache, ttl time.Duration, log *slog.Logger) *Locker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &Locker{
		db:    c.Db,
		local: keylock.New(),
		ttl:   ttl,
		retry: defaultLockRetry,
		log:   log,
	}
}

// Lock ждёт освобождения ключа и захватывает его. Ожидание прерывается отменой ctx.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	const op = "cache.Locker.Lock"

	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	redisKey := lockPrefix + key
	token := uuid.NewString()
	for {
		ok, err := l.db.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			unlockLocal()
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()
			if err := releaseScript.Run(ctx, l.db, []string{redisKey}, token).Err(); err != nil {
				l.log.Error("failed to release lock", slog.String("key", key), sl.Err(err))
			}
			unlockLocal()
		})
	}, nil
}

package refresh

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/magabrotheeeer/breezeminder/internal/lib/sl"
	"github.com/magabrotheeeer/breezeminder/internal/models"
)

// Refresher один цикл обновления карты.
type Refresher interface {
	Refresh(ctx context.Context, cardID int64, force bool) (*models.Card, error)
}

// CardSource перечисляет карты для расстановки таймеров и проверки устаревших.
type CardSource interface {
	ListCardIDs(ctx context.Context) ([]int64, error)
	ListStaleCards(ctx context.Context, before time.Time) ([]int64, error)
}

// RunnerConfig настройки пула обновления.
type RunnerConfig struct {
	Workers        int
	Interval       time.Duration
	StaleThreshold time.Duration
	SweepInterval  time.Duration
	RetryDelay     time.Duration
}

type job struct {
	cardID int64
	done   chan error
}

// Runner распределяет обновления карт по воркерам. У каждой карты свой таймер,
// который перевзводится на время следующего обновления; периодический обход
// подбирает карты, таймеры которых потерялись.
type Runner struct {
	refresher Refresher
	cards     CardSource
	cfg       RunnerConfig
	log       *slog.Logger
	now       func() time.Time

	queue  chan job
	group  singleflight.Group
	mu     sync.Mutex
	timers map[int64]*time.Timer
	ctx    context.Context
}

// NewRunner создаёт Runner. Нулевые значения конфигурации заменяются значениями по умолчанию.
func NewRunner(refresher Refresher, cards CardSource, cfg RunnerConfig, log *slog.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 15 * time.Minute
	}
	return &Runner{
		refresher: refresher,
		cards:     cards,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		queue:     make(chan job),
		timers:    make(map[int64]*time.Timer),
		ctx:       context.Background(),
	}
}

// Run запускает воркеры и периодический обход устаревших карт и блокируется до отмены ctx.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	var wg sync.WaitGroup
	for range r.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(ctx)
		}()
	}

	r.bootstrap(ctx)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.stopTimers()
			wg.Wait()
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Enqueue ставит карту в очередь обновления. Повторные вызовы для карты,
// которая уже ждёт или обрабатывается, объединяются в один.
func (r *Runner) Enqueue(ctx context.Context, cardID int64) <-chan singleflight.Result {
	return r.group.DoChan(strconv.FormatInt(cardID, 10), func() (any, error) {
		j := job{cardID: cardID, done: make(chan error, 1)}
		select {
		case r.queue <- j:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		select {
		case err := <-j.done:
			return nil, err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// Sweep ставит в очередь карты, которые ни разу не загружались или
// не обновлялись дольше Interval+StaleThreshold.
func (r *Runner) Sweep(ctx context.Context) int {
	const op = "refresh.Runner.Sweep"
	before := r.now().Add(-r.cfg.Interval - r.cfg.StaleThreshold)
	ids, err := r.cards.ListStaleCards(ctx, before)
	if err != nil {
		r.log.Error("failed to list stale cards", slog.String("op", op), sl.Err(err))
		return 0
	}
	if len(ids) > 0 {
		r.log.Info("found stale cards", slog.String("op", op),
			slog.Int("count", len(ids)), slog.Int("scheduled", r.Scheduled()))
	}
	for _, id := range ids {
		r.Enqueue(ctx, id)
	}
	return len(ids)
}

// Schedule взводит таймер обновления карты на момент at, заменяя предыдущий.
func (r *Runner) Schedule(cardID int64, at time.Time) {
	delay := at.Sub(r.now())
	if delay < 0 {
		delay = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[cardID]; ok {
		t.Stop()
	}
	ctx := r.ctx
	r.timers[cardID] = time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		r.Enqueue(ctx, cardID)
	})
}

// Forget снимает таймер карты.
func (r *Runner) Forget(cardID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[cardID]; ok {
		t.Stop()
		delete(r.timers, cardID)
	}
}

// Scheduled возвращает число карт со взведённым таймером.
func (r *Runner) Scheduled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

func (r *Runner) bootstrap(ctx context.Context) {
	ids, err := r.cards.ListCardIDs(ctx)
	if err != nil {
		r.log.Error("failed to list cards", sl.Err(err))
		return
	}
	// Первые обновления разносятся по интервалу, чтобы не упереться в лимит запросов.
	step := time.Duration(0)
	if len(ids) > 0 {
		step = r.cfg.Interval / time.Duration(len(ids))
	}
	now := r.now()
	for i, id := range ids {
		r.Schedule(id, now.Add(step*time.Duration(i)))
	}
	r.log.Info("card timers scheduled", slog.Int("count", len(ids)))
}

func (r *Runner) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-r.queue:
			j.done <- r.process(ctx, j.cardID)
		}
	}
}

func (r *Runner) process(ctx context.Context, cardID int64) error {
	card, err := r.refresher.Refresh(ctx, cardID, false)
	log := r.log.With(slog.Int64("card_id", cardID))

	switch {
	case err == nil:
		next := r.now().Add(r.cfg.Interval)
		if card != nil && card.LastLoaded != nil {
			next = card.NextRefresh(r.cfg.Interval)
		}
		r.Schedule(cardID, next)
	case errors.Is(err, ErrCardNotFound):
		log.Info("card removed, dropping timer")
		r.Forget(cardID)
	case errors.Is(err, ErrInvalidCard):
		// Без немедленного повтора: следующая попытка в обычный срок.
		r.Schedule(cardID, r.now().Add(r.cfg.Interval))
	case ctx.Err() != nil:
		return err
	default:
		log.Warn("card refresh failed, will retry", slog.Duration("retry_in", r.cfg.RetryDelay), sl.Err(err))
		r.Schedule(cardID, r.now().Add(r.cfg.RetryDelay))
	}
	return err
}

func (r *Runner) stopTimers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

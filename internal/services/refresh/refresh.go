// Package refresh обновляет состояние карт: загружает страницу баланса,
// сохраняет новый снимок и передаёт пару (новое, предыдущее) состояние
// планировщику напоминаний.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/breezeminder/internal/ingest"
	"github.com/magabrotheeeer/breezeminder/internal/lib/sl"
	"github.com/magabrotheeeer/breezeminder/internal/metrics"
	"github.com/magabrotheeeer/breezeminder/internal/models"
	"github.com/magabrotheeeer/breezeminder/internal/reminder"
	"github.com/magabrotheeeer/breezeminder/internal/storage/repository"
)

var (
	// ErrCardNotFound карта удалена, повторять обновление бессмысленно.
	ErrCardNotFound = repository.ErrCardNotFound
	// ErrInvalidCard сервис баланса отклонил номер карты.
	ErrInvalidCard = ingest.ErrInvalidCard
	// ErrTimeout цикл обновления не уложился в отведённое время.
	ErrTimeout = errors.New("refresh timed out")
)

// Repository хранилище, нужное обновлению карт.
type Repository interface {
	GetCard(ctx context.Context, id int64) (*models.Card, error)
	GetUser(ctx context.Context, uid string) (*models.User, error)
	SaveCardState(ctx context.Context, card *models.Card, audit models.CardData) error
	SaveInvalidCardData(ctx context.Context, data models.InvalidCardData) error
}

// Fetcher загружает сырой документ страницы баланса.
type Fetcher interface {
	Fetch(ctx context.Context, number string) ([]byte, error)
}

// Crypto шифрует номера карт и документы аудита.
type Crypto interface {
	Encrypt(plain string) (string, error)
	Decrypt(enc string) (string, error)
}

// Checker проверяет правила владельца после обновления карты.
type Checker interface {
	CheckRemindersForUser(ctx context.Context, owner *models.User, card *models.Card, previous *models.CardState) (int, error)
}

// Config настройки обновления.
type Config struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	// CycleTimeout ограничивает весь цикл под блокировкой карты: загрузку, сохранение и проверку правил.
	CycleTimeout time.Duration
}

// Service выполняет один цикл обновления карты.
type Service struct {
	repo    Repository
	fetcher Fetcher
	crypto  Crypto
	checker Checker
	locker  reminder.Locker
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService создаёт Service. m может быть nil.
func NewService(repo Repository, fetcher Fetcher, crypto Crypto, checker Checker, locker reminder.Locker, cfg Config, log *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		repo:    repo,
		fetcher: fetcher,
		crypto:  crypto,
		checker: checker,
		locker:  locker,
		cfg:     cfg,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// WithClock подменяет источник времени.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Refresh загружает карту и, если она не обновлялась дольше Interval (или force),
// получает новое состояние, сохраняет его и проверяет правила владельца.
// Возвращает карту в её актуальном состоянии.
func (s *Service) Refresh(ctx context.Context, cardID int64, force bool) (*models.Card, error) {
	const op = "refresh.Refresh"
	log := s.log.With(slog.String("op", op), slog.Int64("card_id", cardID))

	unlock, err := s.locker.Lock(ctx, reminder.CardLockKey(cardID))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer unlock()

	if s.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CycleTimeout)
		defer cancel()
	}

	card, err := s.repo.GetCard(ctx, cardID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := s.now()
	if !force && !card.DueForRefresh(now, s.cfg.Interval) {
		log.Debug("card is fresh, skipping", slog.Time("next", card.NextRefresh(s.cfg.Interval)))
		return card, nil
	}

	start := time.Now()
	state, doc, err := s.pull(ctx, card)
	switch {
	case errors.Is(err, ErrInvalidCard):
		s.saveInvalid(ctx, card, doc, now, log)
		s.metrics.Refresh("invalid", time.Since(start))
		return card, fmt.Errorf("%s: %w", op, err)
	case err != nil:
		s.metrics.Refresh("failed", time.Since(start))
		return card, fmt.Errorf("%s: %w", op, err)
	}

	var previous *models.CardState
	if card.HasData {
		prev := card.State
		previous = &prev
	}

	docEnc, err := s.crypto.Encrypt(string(doc))
	if err != nil {
		s.metrics.Refresh("failed", time.Since(start))
		return card, fmt.Errorf("%s: %w", op, err)
	}

	if ctx.Err() != nil {
		s.metrics.Refresh("failed", time.Since(start))
		return card, fmt.Errorf("%s: %w", op, ErrTimeout)
	}

	updated := *card
	updated.State = state
	updated.LastLoaded = &now
	updated.HasData = true
	if err := s.repo.SaveCardState(ctx, &updated, models.CardData{
		CardID:      card.ID,
		FetchDate:   now,
		DocumentEnc: docEnc,
	}); err != nil {
		s.metrics.Refresh("failed", time.Since(start))
		return card, fmt.Errorf("%s: %w", op, err)
	}
	s.metrics.Refresh("ok", time.Since(start))
	log.Info("card refreshed")

	owner, err := s.repo.GetUser(ctx, card.OwnerUID)
	if err != nil {
		log.Error("failed to load card owner", sl.Err(err))
		return &updated, nil
	}
	sent, err := s.checker.CheckRemindersForUser(ctx, owner, &updated, previous)
	if err != nil {
		log.Error("failed to check reminders", sl.Err(err))
	}
	if sent > 0 {
		log.Info("reminders sent", slog.Int("count", sent))
	}
	return &updated, nil
}

// pull загружает и разбирает документ в пределах FetchTimeout и срока цикла.
// Если время вышло, результат отбрасывается даже при успешном разборе.
func (s *Service) pull(ctx context.Context, card *models.Card) (models.CardState, []byte, error) {
	number, err := s.crypto.Decrypt(card.NumberEnc)
	if err != nil {
		return models.CardState{}, nil, err
	}

	fetchCtx := ctx
	if s.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}

	doc, err := s.fetcher.Fetch(fetchCtx, number)
	if err == nil {
		var state models.CardState
		state, err = ingest.Parse(doc)
		if fetchCtx.Err() == nil {
			return state, doc, err
		}
	}
	if cerr := fetchCtx.Err(); cerr != nil {
		if errors.Is(cerr, context.DeadlineExceeded) {
			return models.CardState{}, nil, ErrTimeout
		}
		return models.CardState{}, nil, cerr
	}
	return models.CardState{}, doc, err
}

func (s *Service) saveInvalid(ctx context.Context, card *models.Card, doc []byte, now time.Time, log *slog.Logger) {
	log.Warn("balance service rejected card number", slog.String("card", card.NumberMasked()))
	enc, err := s.crypto.Encrypt(string(doc))
	if err != nil {
		log.Error("failed to encrypt invalid card data", sl.Err(err))
		return
	}
	if err := s.repo.SaveInvalidCardData(ctx, models.InvalidCardData{
		CardID:      card.ID,
		FetchDate:   now,
		DocumentEnc: enc,
	}); err != nil {
		log.Error("failed to save invalid card data", sl.Err(err))
	}
}

// Package reminders содержит бизнес-логику управления правилами напоминаний:
// создание, изменение, удаление, просмотр правил и их истории.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/breezeminder/internal/lib/sl"
	"github.com/magabrotheeeer/breezeminder/internal/models"
	"github.com/magabrotheeeer/breezeminder/internal/reminder"
	"github.com/magabrotheeeer/breezeminder/internal/storage/repository"
)

const listCacheTTL = 10 * time.Minute

var (
	// ErrValidation ввод правила некорректен.
	ErrValidation = errors.New("invalid reminder input")
	// ErrNotFound правило не найдено или принадлежит другому пользователю.
	ErrNotFound = repository.ErrReminderNotFound
)

// ValidationReason возвращает текст причины отклонения ввода для ответа API.
func ValidationReason(err error) string {
	switch {
	case errors.Is(err, reminder.ErrMissingThreshold):
		return "threshold is required for the selected reminder type"
	case errors.Is(err, reminder.ErrInvalidCondition):
		return "threshold is out of range"
	case errors.Is(err, models.ErrUnknownQuantifier):
		return "unknown expiration quantity"
	case errors.Is(err, models.ErrUnknownReminderType):
		return "unknown reminder type"
	}
	return "invalid reminder"
}

// Repository определяет методы хранилища правил.
type Repository interface {
	CreateReminder(ctx context.Context, r *models.Reminder) (int64, error)
	GetReminder(ctx context.Context, ownerUID string, id int64) (*models.Reminder, error)
	UpdateReminder(ctx context.Context, r *models.Reminder) error
	DeleteReminder(ctx context.Context, ownerUID string, id int64) error
	ListRemindersByOwner(ctx context.Context, ownerUID string) ([]*models.Reminder, error)
	ListHistory(ctx context.Context, ownerUID string, reminderID int64, limit, offset int) ([]*models.ReminderHistory, error)
}

// Checker проверяет правило по всем картам владельца.
type Checker interface {
	CheckAllCards(ctx context.Context, rule *models.Reminder, force bool) (int, error)
}

// Cache описывает методы для кэширования данных.
type Cache interface {
	// Get пытается получить значение из кеша по ключу.
	Get(key string, result any) (bool, error)
	// Set сохраняет значение в кеш с временем жизни.
	Set(key string, value any, expiration time.Duration) error
	// Invalidate удаляет значение из кеша по ключу.
	Invalidate(key string) error
}

// View правило в виде, отдаваемом API.
type View struct {
	ID          int64          `json:"id"`
	Type        string         `json:"type"`
	TypeName    string         `json:"type_name"`
	Description string         `json:"description"`
	Input       reminder.Input `json:"input"`
	ValidUntil  *time.Time     `json:"valid_until,omitempty"`
	SendEmail   bool           `json:"send_email"`
	SendSMS     bool           `json:"send_sms"`
	Created     time.Time      `json:"created"`
	Updated     time.Time      `json:"updated"`
}

// NewView строит представление правила.
func NewView(r *models.Reminder) View {
	return View{
		ID:          r.ID,
		Type:        string(r.Type()),
		TypeName:    r.Type().Name(),
		Description: reminder.Describe(r.Condition),
		Input:       reminder.FromReminder(r),
		ValidUntil:  r.ValidUntil,
		SendEmail:   r.SendEmail,
		SendSMS:     r.SendSMS,
		Created:     r.Created,
		Updated:     r.Updated,
	}
}

// Service реализует управление правилами.
type Service struct {
	repo     Repository
	checker  Checker
	cache    Cache
	validate *validator.Validate
	loc      *time.Location
	log      *slog.Logger
}

// NewService создает новый экземпляр Service.
func NewService(repo Repository, checker Checker, cache Cache, validate *validator.Validate, loc *time.Location, log *slog.Logger) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		repo:     repo,
		checker:  checker,
		cache:    cache,
		validate: validate,
		loc:      loc,
		log:      log,
	}
}

// ListKey возвращает ключ кеша со списком правил владельца.
func ListKey(ownerUID string) string {
	return "reminders:" + ownerUID
}

// InvalidateOnTouch возвращает обработчик для reminder.Scheduler.OnTouch:
// после отправки напоминания закешированный список правил владельца сбрасывается.
func InvalidateOnTouch(cache Cache, log *slog.Logger) func(rule *models.Reminder) {
	return func(rule *models.Reminder) {
		if err := cache.Invalidate(ListKey(rule.OwnerUID)); err != nil {
			log.Warn("failed to invalidate reminders cache",
				slog.Int64("reminder_id", rule.ID),
				sl.Err(err),
			)
		}
	}
}

// Create проверяет ввод, сохраняет новое правило и сразу проверяет его по всем картам владельца.
func (s *Service) Create(ctx context.Context, ownerUID string, in reminder.Input) (*models.Reminder, error) {
	const op = "reminders.Create"

	if err := reminder.Validate(s.validate, in); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrValidation, err)
	}
	rule := &models.Reminder{OwnerUID: ownerUID}
	if err := reminder.Populate(rule, in, s.loc); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrValidation, err)
	}

	if _, err := s.repo.CreateReminder(ctx, rule); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.invalidate(ownerUID)
	s.recheck(ctx, rule)
	return rule, nil
}

// Update применяет ввод к правилу. Если тип или параметры условия изменились,
// правило сразу проверяется по всем картам владельца без окна подавления.
func (s *Service) Update(ctx context.Context, ownerUID string, id int64, in reminder.Input) (*models.Reminder, error) {
	const op = "reminders.Update"

	if err := reminder.Validate(s.validate, in); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrValidation, err)
	}
	rule, err := s.repo.GetReminder(ctx, ownerUID, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	changed := reminder.IsChangedFrom(rule, in)
	if err := reminder.Populate(rule, in, s.loc); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrValidation, err)
	}
	if err := s.repo.UpdateReminder(ctx, rule); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.invalidate(ownerUID)
	if changed {
		s.recheck(ctx, rule)
	}
	return rule, nil
}

// Delete удаляет правило владельца.
func (s *Service) Delete(ctx context.Context, ownerUID string, id int64) error {
	const op = "reminders.Delete"

	if err := s.repo.DeleteReminder(ctx, ownerUID, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.invalidate(ownerUID)
	return nil
}

// Get возвращает правило владельца.
func (s *Service) Get(ctx context.Context, ownerUID string, id int64) (View, error) {
	const op = "reminders.Get"

	rule, err := s.repo.GetReminder(ctx, ownerUID, id)
	if err != nil {
		return View{}, fmt.Errorf("%s: %w", op, err)
	}
	return NewView(rule), nil
}

// List возвращает правила владельца с описаниями, используя кеш.
func (s *Service) List(ctx context.Context, ownerUID string) ([]View, error) {
	const op = "reminders.List"

	var views []View
	found, err := s.cache.Get(ListKey(ownerUID), &views)
	if err != nil {
		s.log.Warn("failed to read reminders from cache", slog.String("op", op), sl.Err(err))
	}
	if found {
		return views, nil
	}

	rules, err := s.repo.ListRemindersByOwner(ctx, ownerUID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	views = make([]View, 0, len(rules))
	for _, r := range rules {
		views = append(views, NewView(r))
	}
	if err := s.cache.Set(ListKey(ownerUID), views, listCacheTTL); err != nil {
		s.log.Warn("failed to cache reminders", slog.String("op", op), sl.Err(err))
	}
	return views, nil
}

// History возвращает историю правила, новые записи первыми.
func (s *Service) History(ctx context.Context, ownerUID string, id int64, limit, offset int) ([]*models.ReminderHistory, error) {
	const op = "reminders.History"

	if _, err := s.repo.GetReminder(ctx, ownerUID, id); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	history, err := s.repo.ListHistory(ctx, ownerUID, id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return history, nil
}

func (s *Service) recheck(ctx context.Context, rule *models.Reminder) {
	sent, err := s.checker.CheckAllCards(ctx, rule, true)
	if err != nil {
		s.log.Error("failed to check reminder against cards",
			slog.Int64("reminder_id", rule.ID), sl.Err(err))
		return
	}
	if sent > 0 {
		s.log.Info("reminder fired on re-check", slog.Int64("reminder_id", rule.ID), slog.Int("count", sent))
	}
}

func (s *Service) invalidate(ownerUID string) {
	if err := s.cache.Invalidate(ListKey(ownerUID)); err != nil {
		s.log.Warn("failed to invalidate reminders cache", sl.Err(err))
	}
}

package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/magabrotheeeer/breezeminder/internal/lib/sl"
	"github.com/magabrotheeeer/breezeminder/internal/metrics"
	"github.com/magabrotheeeer/breezeminder/internal/models"
)

// DefaultSuppressionWindow минимальный интервал между напоминаниями одного правила по одной карте.
const DefaultSuppressionWindow = 24 * time.Hour

// Repository хранилище, нужное планировщику.
type Repository interface {
	GetUser(ctx context.Context, uid string) (*models.User, error)
	GetCard(ctx context.Context, id int64) (*models.Card, error)
	ListCardsByOwner(ctx context.Context, ownerUID string) ([]*models.Card, error)
	ListRemindersByOwner(ctx context.Context, ownerUID string) ([]*models.Reminder, error)
	// LatestHistory возвращает nil без ошибки, если напоминаний ещё не было.
	LatestHistory(ctx context.Context, reminderID, cardID int64) (*models.ReminderHistory, error)
	AddHistory(ctx context.Context, h *models.ReminderHistory) (int64, error)
	TouchReminder(ctx context.Context, id int64, at time.Time) error
}

// Dispatcher ставит сообщение в очередь доставки.
type Dispatcher interface {
	Enqueue(ctx context.Context, msg models.Message) error
}

// Renderer рендерит шаблон по имени вида "email/bal".
type Renderer interface {
	Render(name string, data any) (string, error)
}

// Locker сериализует работу с одной картой во всех процессах.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// CardLockKey возвращает ключ блокировки карты.
func CardLockKey(cardID int64) string {
	return fmt.Sprintf("card:%d", cardID)
}

// Config настройки планировщика.
type Config struct {
	SuppressionWindow time.Duration
	Sender            string
	SubjectPrefix     string
	// Location задаёт часовой пояс, в котором считается «сегодня». nil означает пояс часов.
	Location *time.Location
}

// Scheduler проверяет правила пользователя по свежему состоянию карты и рассылает напоминания.
type Scheduler struct {
	repo       Repository
	dispatcher Dispatcher
	renderer   Renderer
	locker     Locker
	cfg        Config
	log        *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	onTouch    func(rule *models.Reminder)
}

// New создаёт планировщик. m может быть nil.
func New(repo Repository, dispatcher Dispatcher, renderer Renderer, locker Locker, cfg Config, log *slog.Logger, m *metrics.Metrics) *Scheduler {
	if cfg.SuppressionWindow <= 0 {
		cfg.SuppressionWindow = DefaultSuppressionWindow
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "[BreezeMinder]"
	}
	return &Scheduler{
		repo:       repo,
		dispatcher: dispatcher,
		renderer:   renderer,
		locker:     locker,
		cfg:        cfg,
		log:        log,
		metrics:    m,
		now:        time.Now,
	}
}

// WithClock подменяет источник времени.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// OnTouch регистрирует функцию, вызываемую после того, как правило отметилось отправкой.
func (s *Scheduler) OnTouch(fn func(rule *models.Reminder)) *Scheduler {
	s.onTouch = fn
	return s
}

func (s *Scheduler) localNow() time.Time {
	now := s.now()
	if s.cfg.Location != nil {
		return now.In(s.cfg.Location)
	}
	return now
}

var whitespaceRun = regexp.MustCompile(`\s{2,}`)

// Remind проверяет одно правило для одной карты и, если условие сработало, отправляет напоминание.
// Возвращает true, если напоминание было отправлено. force отключает окно подавления.
func (s *Scheduler) Remind(ctx context.Context, rule *models.Reminder, card *models.Card, owner *models.User, current, previous *models.CardState, force bool) (bool, error) {
	const op = "reminder.Scheduler.Remind"
	log := s.log.With(
		slog.String("op", op),
		slog.Int64("reminder_id", rule.ID),
		slog.Int64("card_id", card.ID),
		slog.String("type", string(rule.Type())),
	)
	now := s.localNow()

	if rule.Expired(now) {
		log.Debug("reminder is no longer valid")
		return false, nil
	}

	last, err := s.repo.LatestHistory(ctx, rule.ID, card.ID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if !force && last != nil && now.Sub(last.SentDate) < s.cfg.SuppressionWindow {
		log.Debug("reminder sent recently, skipping", slog.Time("last_sent", last.SentDate))
		s.metrics.ReminderSuppressed(string(rule.Type()))
		return false, nil
	}

	fires, err := Fires(rule.Condition, current, previous, now)
	if err != nil {
		log.Error("failed to evaluate reminder", sl.Err(err))
		s.metrics.EvaluationError(string(rule.Type()))
		return false, nil
	}
	if !fires {
		return false, nil
	}

	data := BuildContext(rule, card, owner, current, previous, now)
	typeName := rule.Type().Name()
	key := rule.Type().Key()

	if rule.SendEmail {
		if err := s.sendEmail(ctx, key, typeName, owner, data); err != nil {
			log.Error("failed to send email reminder", sl.Err(err))
			s.metrics.ChannelFailure("email")
		}
	}

	if rule.SendSMS && owner.CanReceiveSMS() {
		if err := s.sendSMS(ctx, key, typeName, owner, data); err != nil {
			log.Error("failed to send sms reminder", sl.Err(err))
			s.metrics.ChannelFailure("sms")
		}
	}

	message, err := s.renderer.Render("web/"+key, data)
	if err != nil {
		log.Warn("failed to render web message", sl.Err(err))
		message = data.Description
	}
	_, err = s.repo.AddHistory(ctx, &models.ReminderHistory{
		ReminderID: rule.ID,
		CardID:     card.ID,
		OwnerUID:   owner.UUID,
		SentDate:   now,
		Message:    strings.TrimSpace(message),
	})
	if err != nil {
		log.Error("failed to save reminder history", sl.Err(err))
	}

	if err := s.repo.TouchReminder(ctx, rule.ID, now); err != nil {
		log.Error("failed to update reminder", sl.Err(err))
	} else {
		rule.Updated = now
		if s.onTouch != nil {
			s.onTouch(rule)
		}
	}

	s.metrics.ReminderFired(string(rule.Type()))
	log.Info("reminder sent")
	return true, nil
}

func (s *Scheduler) sendEmail(ctx context.Context, key, typeName string, owner *models.User, data Context) error {
	body, err := s.renderer.Render("email/"+key, data)
	if err != nil {
		return err
	}
	return s.dispatcher.Enqueue(ctx, models.Message{
		Recipients:  []string{owner.Email},
		Sender:      s.cfg.Sender,
		Subject:     fmt.Sprintf("%s %s reminder", s.cfg.SubjectPrefix, typeName),
		Body:        body,
		IsPlain:     false,
		IsImmediate: false,
		CreatedAt:   s.now(),
	})
}

func (s *Scheduler) sendSMS(ctx context.Context, key, typeName string, owner *models.User, data Context) error {
	body, err := s.renderer.Render("sms/"+key, data)
	if err != nil {
		return err
	}
	body = strings.TrimSpace(whitespaceRun.ReplaceAllString(body, " "))
	return s.dispatcher.Enqueue(ctx, models.Message{
		Recipients:  []string{owner.SMSAddress()},
		Sender:      s.cfg.Sender,
		Subject:     strings.ToUpper(typeName + " reminder"),
		Body:        body,
		IsPlain:     true,
		IsImmediate: true,
		CreatedAt:   s.now(),
	})
}

// CheckAllCards проверяет правило по всем картам владельца без предыдущего состояния.
// Используется после создания или изменения правила. Каждая карта проверяется под своей блокировкой.
func (s *Scheduler) CheckAllCards(ctx context.Context, rule *models.Reminder, force bool) (int, error) {
	const op = "reminder.Scheduler.CheckAllCards"
	log := s.log.With(slog.String("op", op), slog.Int64("reminder_id", rule.ID))

	owner, err := s.repo.GetUser(ctx, rule.OwnerUID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	cards, err := s.repo.ListCardsByOwner(ctx, rule.OwnerUID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	sent := 0
	for _, c := range cards {
		if err := ctx.Err(); err != nil {
			return sent, fmt.Errorf("%s: %w", op, err)
		}
		ok, err := s.checkCardLocked(ctx, rule, c.ID, owner, force)
		if err != nil {
			log.Error("failed to check card", slog.Int64("card_id", c.ID), sl.Err(err))
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (s *Scheduler) checkCardLocked(ctx context.Context, rule *models.Reminder, cardID int64, owner *models.User, force bool) (bool, error) {
	unlock, err := s.locker.Lock(ctx, CardLockKey(cardID))
	if err != nil {
		return false, err
	}
	defer unlock()

	// Состояние перечитывается под блокировкой, обновление могло завершиться пока мы ждали.
	card, err := s.repo.GetCard(ctx, cardID)
	if err != nil {
		return false, err
	}
	if !card.HasData {
		return false, nil
	}
	state := card.State
	return s.Remind(ctx, rule, card, owner, &state, nil, force)
}

// CheckRemindersForUser проверяет все правила владельца по карте card
// (или по всем его картам, если card == nil). previous содержит состояние до обновления.
// Вызывающий должен удерживать блокировку карты.
func (s *Scheduler) CheckRemindersForUser(ctx context.Context, owner *models.User, card *models.Card, previous *models.CardState) (int, error) {
	const op = "reminder.Scheduler.CheckRemindersForUser"
	log := s.log.With(slog.String("op", op), slog.String("owner", owner.UUID))

	rules, err := s.repo.ListRemindersByOwner(ctx, owner.UUID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if len(rules) == 0 {
		return 0, nil
	}

	var cards []*models.Card
	if card != nil {
		cards = []*models.Card{card}
	} else {
		cards, err = s.repo.ListCardsByOwner(ctx, owner.UUID)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", op, err)
		}
	}

	sent := 0
	var errs []error
	for _, c := range cards {
		state := c.State
		for _, rule := range rules {
			ok, err := s.Remind(ctx, rule, c, owner, &state, previous, false)
			if err != nil {
				log.Error("failed to process reminder",
					slog.Int64("reminder_id", rule.ID),
					slog.Int64("card_id", c.ID),
					sl.Err(err),
				)
				errs = append(errs, err)
				continue
			}
			if ok {
				sent++
			}
		}
	}
	if len(errs) > 0 {
		return sent, fmt.Errorf("%s: %w", op, errors.Join(errs...))
	}
	return sent, nil
}

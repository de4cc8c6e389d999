package reminder

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator"
	"github.com/shopspring/decimal"

	"github.com/magabrotheeeer/breezeminder/internal/lib/calendar"
	"github.com/magabrotheeeer/breezeminder/internal/models"
)

// Каналы доставки в Input.Notifications.
const (
	NotifyEmail = "EMAIL"
	NotifySMS   = "SMS"
)

// ErrMissingThreshold возвращается, если для выбранного типа не передан порог.
var ErrMissingThreshold = errors.New("threshold is required for reminder type")

// Input пользовательский ввод для создания и редактирования правила.
// Заполняется только порог, соответствующий выбранному типу; остальные игнорируются.
type Input struct {
	Type               string           `json:"type" validate:"required,oneof=BAL RIDE ROUND_TRIP EXP AVAIL_BAL AVAIL_PROD"`
	BalanceThreshold   *decimal.Decimal `json:"balance_threshold,omitempty"`
	RideThreshold      *int             `json:"ride_threshold,omitempty" validate:"omitempty,gt=0"`
	RoundTripThreshold *int             `json:"round_trip_threshold,omitempty" validate:"omitempty,gt=0"`
	ExpThreshold       *int             `json:"exp_threshold,omitempty" validate:"omitempty,min=1,max=10"`
	ExpQuantity        string           `json:"exp_quantity,omitempty" validate:"omitempty,oneof=Days Weeks Months"`
	ValidUntilMonth    int              `json:"valid_until_month,omitempty" validate:"omitempty,min=1,max=12"`
	ValidUntilDay      int              `json:"valid_until_day,omitempty" validate:"omitempty,min=1,max=31"`
	ValidUntilYear     int              `json:"valid_until_year,omitempty" validate:"omitempty,min=2000"`
	Notifications      []string         `json:"notifications" validate:"dive,oneof=EMAIL SMS"`
}

// Validate проверяет теги структуры и наличие порога для выбранного типа.
func Validate(v *validator.Validate, in Input) error {
	if err := v.Struct(in); err != nil {
		return err
	}
	_, err := in.Condition()
	return err
}

// Condition строит условие правила для активного типа.
func (in Input) Condition() (models.Condition, error) {
	const op = "reminder.Input.Condition"

	switch models.ReminderType(in.Type) {
	case models.TypeBalance:
		if in.BalanceThreshold == nil {
			return nil, fmt.Errorf("%s: %w: %s", op, ErrMissingThreshold, in.Type)
		}
		threshold := roundMoney(*in.BalanceThreshold)
		if !threshold.IsPositive() {
			return nil, fmt.Errorf("%s: %w: balance threshold must be positive", op, ErrInvalidCondition)
		}
		return models.BalanceBelow{Threshold: threshold}, nil
	case models.TypeRides:
		if in.RideThreshold == nil {
			return nil, fmt.Errorf("%s: %w: %s", op, ErrMissingThreshold, in.Type)
		}
		if *in.RideThreshold <= 0 {
			return nil, fmt.Errorf("%s: %w: ride threshold must be positive", op, ErrInvalidCondition)
		}
		return models.RidesBelow{Threshold: *in.RideThreshold}, nil
	case models.TypeRoundTrip:
		if in.RoundTripThreshold == nil {
			return nil, fmt.Errorf("%s: %w: %s", op, ErrMissingThreshold, in.Type)
		}
		if *in.RoundTripThreshold <= 0 {
			return nil, fmt.Errorf("%s: %w: round trip threshold must be positive", op, ErrInvalidCondition)
		}
		return models.RoundTripsBelow{Threshold: *in.RoundTripThreshold}, nil
	case models.TypeExpiration:
		if in.ExpThreshold == nil {
			return nil, fmt.Errorf("%s: %w: %s", op, ErrMissingThreshold, in.Type)
		}
		if *in.ExpThreshold < 1 || *in.ExpThreshold > 10 {
			return nil, fmt.Errorf("%s: %w: expiration threshold out of range", op, ErrInvalidCondition)
		}
		q, err := models.ParseQuantifier(in.ExpQuantity)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return models.ExpiresIn{Amount: *in.ExpThreshold, Unit: q}, nil
	case models.TypeBalanceAvailable:
		return models.BalanceAvailable{}, nil
	case models.TypeProductAvailable:
		return models.ProductAvailable{}, nil
	}
	return nil, fmt.Errorf("%s: %w: %q", op, models.ErrUnknownReminderType, in.Type)
}

// ValidUntil собирает дату окончания действия правила.
// Возвращает nil, если дата не задана полностью или не существует (30 февраля).
func (in Input) ValidUntil(loc *time.Location) *time.Time {
	if in.ValidUntilMonth == 0 || in.ValidUntilDay == 0 || in.ValidUntilYear == 0 {
		return nil
	}
	d, ok := calendar.ValidDate(in.ValidUntilYear, in.ValidUntilMonth, in.ValidUntilDay, loc)
	if !ok {
		return nil
	}
	return &d
}

// Populate переносит ввод в правило: условие, срок действия и каналы доставки.
// Владелец, идентификатор и даты правила не изменяются.
func Populate(rule *models.Reminder, in Input, loc *time.Location) error {
	const op = "reminder.Populate"

	cond, err := in.Condition()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rule.Condition = cond
	rule.ValidUntil = in.ValidUntil(loc)
	rule.SendEmail = false
	rule.SendSMS = false
	for _, n := range in.Notifications {
		switch n {
		case NotifyEmail:
			rule.SendEmail = true
		case NotifySMS:
			rule.SendSMS = true
		}
	}
	return nil
}

// IsChangedFrom сообщает, отличается ли ввод от правила по типу или параметрам условия.
// Срок действия и каналы не учитываются. Некорректный ввод считается неизменённым.
func IsChangedFrom(rule *models.Reminder, in Input) bool {
	cond, err := in.Condition()
	if err != nil {
		return false
	}
	return !SameCondition(rule.Condition, cond)
}

// SameCondition сравнивает условия по типу и параметрам.
func SameCondition(a, b models.Condition) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Type() != b.Type() {
		return false
	}
	if ab, ok := a.(models.BalanceBelow); ok {
		return ab.Threshold.Equal(b.(models.BalanceBelow).Threshold)
	}
	return a == b
}

// FromReminder строит ввод по сохранённому правилу, используется для предзаполнения формы редактирования.
func FromReminder(rule *models.Reminder) Input {
	in := Input{Type: string(rule.Type())}

	switch c := rule.Condition.(type) {
	case models.BalanceBelow:
		t := c.Threshold
		in.BalanceThreshold = &t
	case models.RidesBelow:
		t := c.Threshold
		in.RideThreshold = &t
	case models.RoundTripsBelow:
		t := c.Threshold
		in.RoundTripThreshold = &t
	case models.ExpiresIn:
		t := c.Amount
		in.ExpThreshold = &t
		in.ExpQuantity = string(c.Unit)
	}

	if rule.ValidUntil != nil {
		in.ValidUntilYear = rule.ValidUntil.Year()
		in.ValidUntilMonth = int(rule.ValidUntil.Month())
		in.ValidUntilDay = rule.ValidUntil.Day()
	}
	if rule.SendEmail {
		in.Notifications = append(in.Notifications, NotifyEmail)
	}
	if rule.SendSMS {
		in.Notifications = append(in.Notifications, NotifySMS)
	}
	return in
}

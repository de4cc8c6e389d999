package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ReminderType ключ типа напоминания.
type ReminderType string

// Поддерживаемые типы напоминаний.
const (
	TypeBalance          ReminderType = "BAL"
	TypeRides            ReminderType = "RIDE"
	TypeRoundTrip        ReminderType = "ROUND_TRIP"
	TypeExpiration       ReminderType = "EXP"
	TypeBalanceAvailable ReminderType = "AVAIL_BAL"
	TypeProductAvailable ReminderType = "AVAIL_PROD"
)

var reminderTypeNames = map[ReminderType]string{
	TypeBalance:          "Stored Value",
	TypeRides:            "Remaining Rides",
	TypeRoundTrip:        "Round Trips",
	TypeExpiration:       "Expiration Date",
	TypeBalanceAvailable: "Balance Available",
	TypeProductAvailable: "Product Available",
}

// Name возвращает человекочитаемое название типа.
func (t ReminderType) Name() string {
	if name, ok := reminderTypeNames[t]; ok {
		return name
	}
	return string(t)
}

// Key возвращает ключ типа в нижнем регистре, используется для имён шаблонов.
func (t ReminderType) Key() string {
	return strings.ToLower(string(t))
}

// Quantifier единица календарного смещения для напоминаний об истечении срока.
type Quantifier string

// Поддерживаемые единицы.
const (
	Days   Quantifier = "Days"
	Weeks  Quantifier = "Weeks"
	Months Quantifier = "Months"
)

// Quantifiers перечисляет допустимые единицы.
var Quantifiers = []Quantifier{Days, Weeks, Months}

// ParseQuantifier разбирает единицу без учёта регистра.
func ParseQuantifier(s string) (Quantifier, error) {
	for _, q := range Quantifiers {
		if strings.EqualFold(string(q), strings.TrimSpace(s)) {
			return q, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownQuantifier, s)
}

var (
	// ErrUnknownReminderType возвращается при разборе неизвестного типа напоминания.
	ErrUnknownReminderType = errors.New("unknown reminder type")
	// ErrUnknownQuantifier возвращается при разборе неизвестной единицы времени.
	ErrUnknownQuantifier = errors.New("unknown quantifier")
)

// Condition условие срабатывания напоминания. Набор реализаций закрыт:
// каждому типу соответствует ровно одна структура с нужными ему полями.
type Condition interface {
	Type() ReminderType
	condition()
}

// BalanceBelow срабатывает, когда остаток на карте опускается до порога.
type BalanceBelow struct {
	Threshold decimal.Decimal
}

// RidesBelow срабатывает, когда у продукта остаётся не больше Threshold поездок.
type RidesBelow struct {
	Threshold int
}

// RoundTripsBelow срабатывает, когда у продукта остаётся не больше Threshold поездок туда-обратно.
type RoundTripsBelow struct {
	Threshold int
}

// ExpiresIn срабатывает ровно за Amount единиц Unit до истечения карты или продукта.
type ExpiresIn struct {
	Amount int
	Unit   Quantifier
}

// BalanceAvailable срабатывает при увеличении остатка (успешное пополнение).
type BalanceAvailable struct{}

// ProductAvailable срабатывает при появлении нового продукта или автопополнения.
type ProductAvailable struct{}

func (BalanceBelow) Type() ReminderType     { return TypeBalance }
func (RidesBelow) Type() ReminderType       { return TypeRides }
func (RoundTripsBelow) Type() ReminderType  { return TypeRoundTrip }
func (ExpiresIn) Type() ReminderType        { return TypeExpiration }
func (BalanceAvailable) Type() ReminderType { return TypeBalanceAvailable }
func (ProductAvailable) Type() ReminderType { return TypeProductAvailable }

// Unsupported хранит правило неизвестного типа, прочитанное из базы.
// Вычислитель такие правила не проверяет.
type Unsupported struct {
	Kind ReminderType
}

// Type возвращает исходный хранимый тип.
func (u Unsupported) Type() ReminderType { return u.Kind }

func (BalanceBelow) condition()     {}
func (RidesBelow) condition()       {}
func (RoundTripsBelow) condition()  {}
func (ExpiresIn) condition()        {}
func (BalanceAvailable) condition() {}
func (ProductAvailable) condition() {}
func (Unsupported) condition()      {}

// DecodeCondition восстанавливает условие из хранимых колонок type/threshold/quantifier.
func DecodeCondition(t ReminderType, threshold decimal.Decimal, quantifier *string) (Condition, error) {
	const op = "models.DecodeCondition"
	switch t {
	case TypeBalance:
		return BalanceBelow{Threshold: threshold.Round(2)}, nil
	case TypeRides:
		return RidesBelow{Threshold: int(threshold.IntPart())}, nil
	case TypeRoundTrip:
		return RoundTripsBelow{Threshold: int(threshold.IntPart())}, nil
	case TypeExpiration:
		if quantifier == nil {
			return nil, fmt.Errorf("%s: %w: missing", op, ErrUnknownQuantifier)
		}
		q, err := ParseQuantifier(*quantifier)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return ExpiresIn{Amount: int(threshold.IntPart()), Unit: q}, nil
	case TypeBalanceAvailable:
		return BalanceAvailable{}, nil
	case TypeProductAvailable:
		return ProductAvailable{}, nil
	}
	return nil, fmt.Errorf("%s: %w: %q", op, ErrUnknownReminderType, t)
}

// EncodeCondition раскладывает условие в хранимые колонки.
// Quantifier заполняется только для ExpiresIn.
func EncodeCondition(c Condition) (ReminderType, decimal.Decimal, *string) {
	switch v := c.(type) {
	case BalanceBelow:
		return v.Type(), v.Threshold, nil
	case RidesBelow:
		return v.Type(), decimal.NewFromInt(int64(v.Threshold)), nil
	case RoundTripsBelow:
		return v.Type(), decimal.NewFromInt(int64(v.Threshold)), nil
	case ExpiresIn:
		q := string(v.Unit)
		return v.Type(), decimal.NewFromInt(int64(v.Amount)), &q
	case BalanceAvailable, ProductAvailable, Unsupported:
		return v.Type(), decimal.Zero, nil
	}
	return "", decimal.Zero, nil
}

// Reminder правило напоминания пользователя. Правило применяется ко всем картам владельца.
type Reminder struct {
	ID         int64
	OwnerUID   string
	Condition  Condition
	ValidUntil *time.Time
	SendEmail  bool
	SendSMS    bool
	Created    time.Time
	Updated    time.Time
}

// Type возвращает тип правила, определяемый его условием.
func (r *Reminder) Type() ReminderType {
	if r.Condition == nil {
		return ""
	}
	return r.Condition.Type()
}

// Expired сообщает, что срок действия правила истёк к моменту now.
func (r *Reminder) Expired(now time.Time) bool {
	return r.ValidUntil != nil && !now.Before(*r.ValidUntil)
}

// ReminderHistory запись журнала отправленных напоминаний. Записи только добавляются.
type ReminderHistory struct {
	ID         int64     `json:"id"`
	ReminderID int64     `json:"reminder_id"`
	CardID     int64     `json:"card_id"`
	OwnerUID   string    `json:"owner_uid"`
	SentDate   time.Time `json:"sent_date"`
	Message    string    `json:"message"`
}

// Package reminder содержит ядро напоминаний: проверку условий по снимкам состояния карты,
// описание правил, разбор пользовательского ввода и планировщик отправки.
package reminder

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/magabrotheeeer/breezeminder/internal/lib/calendar"
	"github.com/magabrotheeeer/breezeminder/internal/models"
)

var (
	// ErrInvalidCondition параметры условия некорректны (порог, единица времени).
	ErrInvalidCondition = errors.New("invalid reminder condition")
	// ErrNotImplemented тип условия не поддерживается.
	ErrNotImplemented = errors.New("reminder type not implemented")
)

// Fires решает, срабатывает ли условие для текущего снимка карты.
// previous снимок до последнего обновления, может быть nil.
// Функция чистая: не читает хранилище и не зависит от системных часов.
func Fires(cond models.Condition, current, previous *models.CardState, now time.Time) (bool, error) {
	const op = "reminder.Fires"

	if cond == nil {
		return false, fmt.Errorf("%s: %w: nil condition", op, ErrInvalidCondition)
	}
	if current == nil {
		return false, nil
	}

	switch c := cond.(type) {
	case models.BalanceBelow:
		return balanceBelow(c, current, previous)
	case models.RidesBelow:
		if c.Threshold <= 0 {
			return false, fmt.Errorf("%s: %w: rides threshold %d", op, ErrInvalidCondition, c.Threshold)
		}
		return ridesBelow(current, previous, func(rides int) bool {
			return rides <= c.Threshold
		}), nil
	case models.RoundTripsBelow:
		if c.Threshold <= 0 {
			return false, fmt.Errorf("%s: %w: round trip threshold %d", op, ErrInvalidCondition, c.Threshold)
		}
		return ridesBelow(current, previous, func(rides int) bool {
			return float64(rides)/2.0 <= float64(c.Threshold)
		}), nil
	case models.ExpiresIn:
		items, err := Expiring(c, current, now)
		if err != nil {
			return false, err
		}
		return items.Any(), nil
	case models.BalanceAvailable:
		return balanceAvailable(current, previous), nil
	case models.ProductAvailable:
		return productAvailable(current, previous), nil
	default:
		return false, fmt.Errorf("%s: %w: %T", op, ErrNotImplemented, cond)
	}
}

func balanceBelow(c models.BalanceBelow, current, previous *models.CardState) (bool, error) {
	const op = "reminder.balanceBelow"

	if !c.Threshold.IsPositive() {
		return false, fmt.Errorf("%s: %w: balance threshold %s", op, ErrInvalidCondition, c.Threshold)
	}
	if current.StoredValue == nil {
		return false, nil
	}
	value := *current.StoredValue

	// Повторное напоминание о том же остатке не отправляется.
	if previous != nil && previous.StoredValue != nil && previous.StoredValue.Equal(value) {
		return false, nil
	}

	return value.IsPositive() && value.LessThanOrEqual(c.Threshold), nil
}

// ridesBelow срабатывает, если хотя бы один продукт прошёл проверку below
// и количество поездок у него изменилось с прошлого снимка.
func ridesBelow(current, previous *models.CardState, below func(rides int) bool) bool {
	for _, p := range current.Products {
		if p.RemainingRides == nil || !below(*p.RemainingRides) {
			continue
		}
		if prev, ok := previous.FindProduct(p.Name); ok && prev.RemainingRides != nil {
			if *prev.RemainingRides == *p.RemainingRides {
				continue
			}
		}
		return true
	}
	return false
}

func balanceAvailable(current, previous *models.CardState) bool {
	if previous == nil || previous.StoredValue == nil || current.StoredValue == nil {
		return false
	}
	return current.StoredValue.GreaterThan(*previous.StoredValue)
}

func productAvailable(current, previous *models.CardState) bool {
	if previous == nil {
		return false
	}
	for _, p := range current.Products {
		if !previous.HasProduct(p) {
			return true
		}
	}
	for _, t := range current.Pending {
		if !previous.HasPending(t) {
			return true
		}
	}
	return false
}

// ExpiringItems перечисляет, что именно истекает через заданный срок.
type ExpiringItems struct {
	Card     bool
	Products []models.Product
}

// Any сообщает, истекает ли хоть что-нибудь.
func (e ExpiringItems) Any() bool {
	return e.Card || len(e.Products) > 0
}

// Expiring находит карту и продукты, срок которых истекает ровно через c.Amount единиц c.Unit
// от календарной даты now. Уже истёкшие даты не учитываются.
func Expiring(c models.ExpiresIn, state *models.CardState, now time.Time) (ExpiringItems, error) {
	const op = "reminder.Expiring"

	if c.Amount <= 0 {
		return ExpiringItems{}, fmt.Errorf("%s: %w: amount %d", op, ErrInvalidCondition, c.Amount)
	}
	today := calendar.Date(now)
	target, err := shift(today, c.Amount, c.Unit)
	if err != nil {
		return ExpiringItems{}, fmt.Errorf("%s: %w", op, err)
	}

	var items ExpiringItems
	if state == nil {
		return items, nil
	}

	matches := func(exp *time.Time) bool {
		if exp == nil {
			return false
		}
		d := time.Date(exp.Year(), exp.Month(), exp.Day(), 0, 0, 0, 0, today.Location())
		return !d.Before(today) && calendar.SameDay(target, d)
	}

	items.Card = matches(state.ExpirationDate)
	for _, p := range state.Products {
		if matches(p.ExpirationDate) {
			items.Products = append(items.Products, p)
		}
	}
	return items, nil
}

func shift(day time.Time, amount int, unit models.Quantifier) (time.Time, error) {
	switch unit {
	case models.Days:
		return calendar.AddDays(day, amount), nil
	case models.Weeks:
		return calendar.AddWeeks(day, amount), nil
	case models.Months:
		return calendar.AddMonths(day, amount), nil
	}
	return time.Time{}, fmt.Errorf("%w: quantifier %q", ErrInvalidCondition, unit)
}

// roundMoney округляет денежную сумму до центов.
func roundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Package models содержит доменные структуры BreezeMinder: карты, снимки состояния карты,
// правила напоминаний, историю отправленных напоминаний, пользователей и исходящие сообщения.
package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Product представляет проездной или пакет поездок, привязанный к карте.
type Product struct {
	Name           string     `json:"name"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
	RemainingRides *int       `json:"remaining_rides,omitempty"`
}

// Same сообщает, что два продукта считаются одним и тем же.
// Продукты сравниваются только по имени.
func (p Product) Same(other Product) bool {
	return p.Name == other.Name
}

// PendingTransaction представляет ожидающую автопополнения транзакцию.
type PendingTransaction struct {
	Name  string          `json:"name"`
	Value decimal.Decimal `json:"value"`
}

// Same сравнивает транзакции по имени.
func (t PendingTransaction) Same(other PendingTransaction) bool {
	return t.Name == other.Name
}

// CardState неизменяемый снимок наблюдаемых атрибутов карты на момент одного обновления.
type CardState struct {
	StoredValue    *decimal.Decimal     `json:"stored_value,omitempty"`
	ExpirationDate *time.Time           `json:"expiration_date,omitempty"`
	Products       []Product            `json:"products"`
	Pending        []PendingTransaction `json:"pending"`
}

// FindProduct возвращает продукт с тем же именем.
func (s *CardState) FindProduct(name string) (Product, bool) {
	if s == nil {
		return Product{}, false
	}
	for _, p := range s.Products {
		if p.Name == name {
			return p, true
		}
	}
	return Product{}, false
}

// HasProduct сообщает, есть ли в снимке продукт с таким же именем.
func (s *CardState) HasProduct(p Product) bool {
	_, ok := s.FindProduct(p.Name)
	return ok
}

// HasPending сообщает, есть ли в снимке транзакция с таким же именем.
func (s *CardState) HasPending(t PendingTransaction) bool {
	if s == nil {
		return false
	}
	for _, pending := range s.Pending {
		if pending.Same(t) {
			return true
		}
	}
	return false
}

// Card представляет отслеживаемую транспортную карту пользователя.
// Номер карты хранится только в зашифрованном виде.
type Card struct {
	ID         int64
	OwnerUID   string
	NumberEnc  string
	LastFour   string
	State      CardState
	LastLoaded *time.Time
	HasData    bool
	Created    time.Time
	Updated    time.Time
}

// NumberMasked возвращает номер карты для логов и шаблонов.
func (c *Card) NumberMasked() string {
	return strings.Repeat("*", 12) + c.LastFour
}

// NextRefresh возвращает время следующего планового обновления карты.
// Для карты, которая ни разу не загружалась, возвращается нулевое время.
func (c *Card) NextRefresh(interval time.Duration) time.Time {
	if c.LastLoaded == nil {
		return time.Time{}
	}
	return c.LastLoaded.Add(interval)
}

// DueForRefresh сообщает, наступило ли время обновления карты.
func (c *Card) DueForRefresh(now time.Time, interval time.Duration) bool {
	return c.LastLoaded == nil || !c.NextRefresh(interval).After(now)
}

// CardData зашифрованная копия ответа сервиса баланса, сохраняемая для аудита.
type CardData struct {
	ID          int64
	CardID      int64
	FetchDate   time.Time
	DocumentEnc string
}

// InvalidCardData зашифрованная копия ответа, который сервис баланса отклонил как неверный номер карты.
type InvalidCardData struct {
	ID          int64
	CardID      int64
	FetchDate   time.Time
	DocumentEnc string
}

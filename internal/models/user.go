package models

import (
	"strings"
	"time"
)

// PhoneNumber описывает мобильный номер пользователя и SMS-шлюз его оператора.
type PhoneNumber struct {
	Number           string `json:"number"`
	CarrierSMSDomain string `json:"carrier_sms_domain"`
}

// User представляет зарегистрированного пользователя системы.
type User struct {
	UUID         string       // Уникальный идентификатор пользователя
	Email        string       // Электронная почта
	FirstName    string       // Имя
	LastName     string       // Фамилия
	CellPhone    *PhoneNumber // Мобильный номер, может отсутствовать
	CellVerified bool         // Номер подтверждён пользователем
	Created      time.Time
}

// CanReceiveSMS сообщает, можно ли отправлять пользователю SMS.
func (u *User) CanReceiveSMS() bool {
	return u.CellPhone != nil && u.CellPhone.Number != "" && u.CellVerified
}

// SMSAddress возвращает адрес email-to-SMS шлюза оператора.
func (u *User) SMSAddress() string {
	if u.CellPhone == nil {
		return ""
	}
	return u.CellPhone.Number + "@" + u.CellPhone.CarrierSMSDomain
}

// FullName возвращает имя и фамилию через пробел.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

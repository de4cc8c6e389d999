package models

import (
	"strings"
	"time"
)

// Message исходящее сообщение, которое публикуется в очередь и доставляется сервисом отправки.
type Message struct {
	Recipients  []string  `json:"recipients"`
	Sender      string    `json:"sender,omitempty"`
	Subject     string    `json:"subject"`
	Body        string    `json:"body"`
	IsPlain     bool      `json:"is_plain"`
	IsImmediate bool      `json:"is_immediate"`
	CreatedAt   time.Time `json:"created_at"`
}

// MaskedRecipients возвращает адресатов в виде, пригодном для логов.
func (m *Message) MaskedRecipients() []string {
	masked := make([]string, 0, len(m.Recipients))
	for _, r := range m.Recipients {
		masked = append(masked, MaskAddress(r))
	}
	return masked
}

// MaskAddress оставляет первый символ локальной части и домен: "j***@example.com".
func MaskAddress(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return "***"
	}
	return addr[:1] + "***" + addr[at:]
}

// Package sender доставляет сообщения из очередей RabbitMQ по SMTP.
package sender

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/magabrotheeeer/breezeminder/internal/lib/sl"
	"github.com/magabrotheeeer/breezeminder/internal/lib/smtp"
	"github.com/magabrotheeeer/breezeminder/internal/metrics"
	"github.com/magabrotheeeer/breezeminder/internal/models"
)

// ErrNoRecipients в сообщении нет адресатов.
var ErrNoRecipients = errors.New("message has no recipients")

// Service отправляет сообщения через SMTP транспорт.
type Service struct {
	transport smtp.TransportInterface
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New создает новый экземпляр Service. m может быть nil.
func New(transport smtp.TransportInterface, log *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		transport: transport,
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

// Send декодирует сообщение из тела delivery и отправляет его.
func (s *Service) Send(body []byte) error {
	const op = "sender.Send"

	var msg models.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		s.log.Error("failed to unmarshal message body", sl.Err(err))
		s.metrics.MessageSent("invalid")
		return fmt.Errorf("%s: error unmarshalling message: %w", op, err)
	}
	if err := s.Deliver(msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Deliver отправляет одно сообщение всем его адресатам одним SMTP-диалогом.
func (s *Service) Deliver(msg models.Message) error {
	log := s.log.With(
		slog.Any("to", msg.MaskedRecipients()),
		slog.Bool("immediate", msg.IsImmediate),
	)
	if len(msg.Recipients) == 0 {
		s.metrics.MessageSent("invalid")
		return ErrNoRecipients
	}

	from := msg.Sender
	if from == "" {
		from = s.transport.From()
	}
	raw := BuildMIME(from, msg, s.now())

	if err := s.send(from, msg.Recipients, raw); err != nil {
		log.Error("failed to send message", sl.Err(err))
		s.metrics.MessageSent("failed")
		return err
	}

	s.metrics.MessageSent("sent")
	log.Info("message sent successfully")
	return nil
}

func (s *Service) send(from string, to []string, raw []byte) error {
	client, err := s.transport.Connect()
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			s.log.Debug("failed to close SMTP client", sl.Err(err))
		}
	}()

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, addr := range to {
		if err := client.Rcpt(addr); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", models.MaskAddress(addr), err)
		}
	}

	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err = wc.Write(raw); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err = wc.Close(); err != nil {
		return fmt.Errorf("close body: %w", err)
	}
	return client.Quit()
}

// BuildMIME собирает письмо: text/plain для SMS-шлюзов, text/html для email.
func BuildMIME(from string, msg models.Message, date time.Time) []byte {
	contentType := "text/html"
	if msg.IsPlain {
		contentType = "text/plain"
	}
	headers := []string{
		"From: " + from,
		"To: " + strings.Join(msg.Recipients, ", "),
		"Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject),
		"Date: " + date.Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: " + contentType + "; charset=\"UTF-8\"",
		"Content-Transfer-Encoding: 8bit",
	}
	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\n", "\r\n")
	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + body)
}

// Window часы суток [Start, End), в которые разрешена доставка отложенных сообщений.
type Window struct {
	Start    int
	End      int
	Location *time.Location
}

// Contains сообщает, попадает ли t в окно доставки.
func (w Window) Contains(t time.Time) bool {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	h := t.In(loc).Hour()
	return h >= w.Start && h < w.End
}

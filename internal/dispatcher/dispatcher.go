// Package dispatcher ставит исходящие сообщения в очереди RabbitMQ.
// Немедленные сообщения (SMS) уходят в очередь, которую отправитель читает постоянно,
// отложенные (email) копятся до окна доставки.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/magabrotheeeer/breezeminder/internal/models"
	"github.com/magabrotheeeer/breezeminder/internal/rabbitmq"
)

// ErrNoRecipients у сообщения нет ни одного получателя.
var ErrNoRecipients = errors.New("message has no recipients")

// AMQP публикует сообщения в exchange уведомлений.
type AMQP struct {
	pub rabbitmq.Publisher
	log *slog.Logger
}

// New создаёт диспетчер поверх канала RabbitMQ.
func New(pub rabbitmq.Publisher, log *slog.Logger) *AMQP {
	return &AMQP{pub: pub, log: log}
}

// Enqueue публикует сообщение с ключом маршрутизации по его срочности.
func (d *AMQP) Enqueue(ctx context.Context, msg models.Message) error {
	const op = "dispatcher.Enqueue"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	if len(msg.Recipients) == 0 {
		return fmt.Errorf("%s: %w", op, ErrNoRecipients)
	}

	key := rabbitmq.RoutingKey(msg.IsImmediate)
	if err := rabbitmq.PublishMessage(d.pub, rabbitmq.Exchange, key, msg); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	d.log.Debug("message enqueued",
		slog.String("op", op),
		slog.String("routing_key", key),
		slog.Any("recipients", msg.MaskedRecipients()),
	)
	return nil
}

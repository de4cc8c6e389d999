package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/breezeminder/internal/lib/sl"
)

const maxInFlight = 10

// Handler обрабатывает тело сообщения. Ошибка приводит к Nack.
type Handler func(body []byte) error

// ConsumerMessage запускает фоновое чтение очереди queueName до отмены ctx.
// Сообщение, обработка которого завершилась ошибкой, возвращается в очередь один раз,
// при повторной ошибке отбрасывается.
func ConsumerMessage(ctx context.Context, ch *amqp.Channel, queueName string, handler Handler, log *slog.Logger) error {
	const op = "rabbitmq.ConsumerMessage"
	delivery, err := ch.Consume(
		queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	sem := make(chan struct{}, maxInFlight)
	go func() {
		for {
			select {
			case d, ok := <-delivery:
				if !ok {
					return
				}
				sem <- struct{}{}
				go func(d amqp.Delivery) {
					defer func() { <-sem }()
					settle(d, handler(d.Body), log)
				}(d)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Getter часть *amqp.Channel, нужная для выборки сообщений по одному.
type Getter interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
}

// DrainQueue забирает из очереди не больше limit сообщений и передаёт их handler.
// Возвращает число успешно обработанных сообщений.
func DrainQueue(ctx context.Context, ch Getter, queueName string, limit int, handler Handler, log *slog.Logger) (int, error) {
	const op = "rabbitmq.DrainQueue"

	handled := 0
	for range limit {
		if err := ctx.Err(); err != nil {
			return handled, fmt.Errorf("%s: %w", op, err)
		}
		d, ok, err := ch.Get(queueName, false)
		if err != nil {
			return handled, fmt.Errorf("%s: %w", op, err)
		}
		if !ok {
			break
		}
		herr := handler(d.Body)
		settle(d, herr, log)
		if herr == nil {
			handled++
		}
	}
	return handled, nil
}

func settle(d amqp.Delivery, err error, log *slog.Logger) {
	if err != nil {
		log.Warn("failed to handle message", slog.Bool("redelivered", d.Redelivered), sl.Err(err))
		if nackErr := d.Nack(false, !d.Redelivered); nackErr != nil {
			log.Error("failed to nack message", sl.Err(nackErr))
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		log.Error("failed to ack message", sl.Err(ackErr))
	}
}

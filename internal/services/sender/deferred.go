package sender

import (
	"context"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/breezeminder/internal/lib/sl"
	"github.com/magabrotheeeer/breezeminder/internal/rabbitmq"
)

// Deferred периодически выбирает пачку отложенных сообщений, но только внутри окна доставки.
type Deferred struct {
	ch       rabbitmq.Getter
	queue    string
	handler  rabbitmq.Handler
	window   Window
	batch    int
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewDeferred создаёт обработчик очереди отложенных сообщений.
func NewDeferred(ch rabbitmq.Getter, queue string, handler rabbitmq.Handler, window Window, batch int, interval time.Duration, log *slog.Logger) *Deferred {
	if batch <= 0 {
		batch = 100
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Deferred{
		ch:       ch,
		queue:    queue,
		handler:  handler,
		window:   window,
		batch:    batch,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// Tick отправляет одну пачку, если сейчас открыто окно доставки.
func (d *Deferred) Tick(ctx context.Context) (int, error) {
	if !d.window.Contains(d.now()) {
		return 0, nil
	}
	return rabbitmq.DrainQueue(ctx, d.ch, d.queue, d.batch, d.handler, d.log)
}

// Run вызывает Tick каждые interval до отмены ctx.
func (d *Deferred) Run(ctx context.Context) {
	const op = "sender.Deferred.Run"
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent, err := d.Tick(ctx)
			if err != nil {
				d.log.Error("failed to drain deferred messages", slog.String("op", op), sl.Err(err))
				continue
			}
			if sent > 0 {
				d.log.Info("deferred messages sent", slog.Int("count", sent))
			}
		}
	}
}

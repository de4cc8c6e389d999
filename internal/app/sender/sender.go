// Package sender собирает сервис доставки сообщений: немедленная очередь читается
// постоянно, отложенная выбирается пачками внутри окна доставки.
package sender

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/breezeminder/internal/config"
	"github.com/magabrotheeeer/breezeminder/internal/lib/sl"
	"github.com/magabrotheeeer/breezeminder/internal/lib/smtp"
	"github.com/magabrotheeeer/breezeminder/internal/metrics"
	"github.com/magabrotheeeer/breezeminder/internal/rabbitmq"
	senderservice "github.com/magabrotheeeer/breezeminder/internal/services/sender"
)

type App struct {
	conn          *amqp.Connection
	ch            *amqp.Channel
	deferredCh    *amqp.Channel
	senderService *senderservice.Service
	deferred      *senderservice.Deferred
	registry      *prometheus.Registry
	metricsAddr   string
	logger        *slog.Logger
}

func New(_ context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	conn, err := rabbitmq.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to connect RabbitMQ: %w", err)
	}

	queues := rabbitmq.GetNotificationQueues()
	ch, err := rabbitmq.SetupChannel(conn, queues)
	if err != nil {
		closeResources(nil, conn, logger)
		return nil, fmt.Errorf("failed to setup RabbitMQ channel: %w", err)
	}
	// Отложенная очередь читается через Get на отдельном канале.
	deferredCh, err := conn.Channel()
	if err != nil {
		closeResources(ch, conn, logger)
		return nil, fmt.Errorf("failed to open deferred channel: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	senderService := senderservice.New(smtp.NewTransport(cfg.SMTP, logger), logger, m)
	window := senderservice.Window{
		Start:    cfg.WindowStartHour,
		End:      cfg.WindowEndHour,
		Location: cfg.Location(),
	}
	deferred := senderservice.NewDeferred(deferredCh, rabbitmq.QueueDeferred, senderService.Send,
		window, cfg.BatchSize, cfg.DeferredInterval, logger)

	return &App{
		conn:          conn,
		ch:            ch,
		deferredCh:    deferredCh,
		senderService: senderService,
		deferred:      deferred,
		registry:      reg,
		metricsAddr:   cfg.SenderMetrics,
		logger:        logger,
	}, nil
}

func closeResources(ch *amqp.Channel, conn *amqp.Connection, logger *slog.Logger) {
	if ch != nil {
		if err := ch.Close(); err != nil {
			logger.Error("failed to close channel", sl.Err(err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Error("failed to close connection", sl.Err(err))
		}
	}
}

func (a *App) Run(ctx context.Context) error {
	err := rabbitmq.ConsumerMessage(ctx, a.ch, rabbitmq.QueueImmediate, a.senderService.Send, a.logger)
	if err != nil {
		a.logger.Error("failed to start immediate queue consumer", sl.Err(err))
		return err
	}

	go a.deferred.Run(ctx)
	go metrics.Serve(ctx, a.metricsAddr, a.registry, a.logger)

	<-ctx.Done()
	a.logger.Info("sender service shutting down gracefully")

	if err := a.deferredCh.Close(); err != nil {
		a.logger.Error("failed to close deferred channel", sl.Err(err))
	}
	closeResources(a.ch, a.conn, a.logger)
	return nil
}

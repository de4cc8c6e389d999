// Package refresher собирает сервис обновления карт: пул воркеров, который
// загружает страницы баланса, сохраняет снимки и проверяет правила напоминаний.
package refresher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/breezeminder/internal/cache"
	"github.com/magabrotheeeer/breezeminder/internal/config"
	"github.com/magabrotheeeer/breezeminder/internal/dispatcher"
	"github.com/magabrotheeeer/breezeminder/internal/ingest"
	"github.com/magabrotheeeer/breezeminder/internal/lib/cardcrypto"
	"github.com/magabrotheeeer/breezeminder/internal/lib/sl"
	"github.com/magabrotheeeer/breezeminder/internal/metrics"
	"github.com/magabrotheeeer/breezeminder/internal/rabbitmq"
	"github.com/magabrotheeeer/breezeminder/internal/reminder"
	"github.com/magabrotheeeer/breezeminder/internal/services/refresh"
	"github.com/magabrotheeeer/breezeminder/internal/services/reminders"
	"github.com/magabrotheeeer/breezeminder/internal/storage/repository"
	"github.com/magabrotheeeer/breezeminder/internal/templates"
)

// App представляет сервис обновления карт.
type App struct {
	runner      *refresh.Runner
	db          *repository.Storage
	cache       *cache.Cache
	conn        *amqp.Connection
	ch          *amqp.Channel
	registry    *prometheus.Registry
	metricsAddr string
	logger      *slog.Logger
}

func waitForDB(db *repository.Storage) error {
	for range 10 {
		err := repository.CheckDatabaseReady(db)
		if err == nil {
			return nil
		}
		time.Sleep(3 * time.Second)
	}
	return fmt.Errorf("database not ready after retries")
}

// New создает новый экземпляр сервиса обновления.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}
	if err = waitForDB(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache not initialized: %w", err)
	}

	cipher, err := cardcrypto.New(cfg.CryptoSecret, cfg.CryptoSalt, cacheRedis, cfg.DecryptCacheTTL, logger)
	if err != nil {
		_ = db.Close()
		_ = cacheRedis.Close()
		return nil, err
	}

	conn, err := rabbitmq.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		_ = db.Close()
		_ = cacheRedis.Close()
		return nil, fmt.Errorf("failed to connect RabbitMQ: %w", err)
	}
	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.GetNotificationQueues())
	if err != nil {
		closeResources(nil, conn, logger)
		_ = db.Close()
		_ = cacheRedis.Close()
		return nil, fmt.Errorf("failed to setup RabbitMQ channel: %w", err)
	}

	renderer, err := templates.New()
	if err != nil {
		closeResources(ch, conn, logger)
		_ = db.Close()
		_ = cacheRedis.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	locks := cache.NewLocker(cacheRedis, cfg.LockTTL, logger)
	scheduler := reminder.New(db, dispatcher.New(ch, logger), renderer, locks, reminder.Config{
		SuppressionWindow: cfg.SuppressionWindow,
		Sender:            cfg.SenderAddress,
		Location:          cfg.Location(),
	}, logger, m).OnTouch(reminders.InvalidateOnTouch(cacheRedis, logger))

	fetcher := ingest.NewFetcher(ingest.FetcherConfig{
		Endpoint:      cfg.FetchEndpoint,
		Timeout:       cfg.FetchTimeout,
		MaxRetries:    cfg.FetchMaxRetries,
		RatePerMinute: cfg.FetchRatePerMinute,
		MockFile:      cfg.MockFile,
	}, logger)

	service := refresh.NewService(db, fetcher, cipher, scheduler, locks, refresh.Config{
		Interval:     cfg.RefreshInterval,
		FetchTimeout: cfg.FetchTimeout,
		CycleTimeout: cfg.CycleTimeout,
	}, logger, m)

	runner := refresh.NewRunner(service, db, refresh.RunnerConfig{
		Workers:        cfg.Workers,
		Interval:       cfg.RefreshInterval,
		StaleThreshold: cfg.StaleThreshold,
		SweepInterval:  cfg.SweepInterval,
		RetryDelay:     cfg.RetryDelay,
	}, logger)

	return &App{
		runner:      runner,
		db:          db,
		cache:       cacheRedis,
		conn:        conn,
		ch:          ch,
		registry:    reg,
		metricsAddr: cfg.RefresherMetrics,
		logger:      logger,
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

// Run запускает пул обновления и блокируется до отмены ctx.
func (a *App) Run(ctx context.Context) error {
	go metrics.Serve(ctx, a.metricsAddr, a.registry, a.logger)

	err := a.runner.Run(ctx)

	a.logger.Info("shutting down card refresher")
	closeResources(a.ch, a.conn, a.logger)
	if cerr := a.cache.Close(); cerr != nil {
		a.logger.Error("failed to close cache", sl.Err(cerr))
	}
	if cerr := a.db.Close(); cerr != nil {
		a.logger.Error("failed to close storage", sl.Err(cerr))
	}
	return err
}

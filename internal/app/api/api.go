package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/breezeminder/internal/cache"
	"github.com/magabrotheeeer/breezeminder/internal/config"
	"github.com/magabrotheeeer/breezeminder/internal/dispatcher"
	"github.com/magabrotheeeer/breezeminder/internal/http/middlewarectx"
	"github.com/magabrotheeeer/breezeminder/internal/lib/jwt"
	"github.com/magabrotheeeer/breezeminder/internal/lib/sl"
	"github.com/magabrotheeeer/breezeminder/internal/metrics"
	"github.com/magabrotheeeer/breezeminder/internal/migrations"
	"github.com/magabrotheeeer/breezeminder/internal/rabbitmq"
	"github.com/magabrotheeeer/breezeminder/internal/reminder"
	"github.com/magabrotheeeer/breezeminder/internal/services/reminders"
	"github.com/magabrotheeeer/breezeminder/internal/storage/repository"
	"github.com/magabrotheeeer/breezeminder/internal/templates"
)

// App HTTP API с зависимостями.
type App struct {
	server *http.Server
	logger *slog.Logger
	db     *repository.Storage
	cache  *cache.Cache
	conn   *amqp.Connection
	ch     *amqp.Channel
}

// New поднимает хранилище, миграции, кеш, брокер и собирает роутер.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}
	if err = migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache not initialized: %w", err)
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

	// Блокировка карты общая с сервисом обновления, чтобы повторная проверка не пересекалась с его циклом.
	locks := cache.NewLocker(cacheRedis, cfg.LockTTL, logger)
	scheduler := reminder.New(db, dispatcher.New(ch, logger), renderer, locks, reminder.Config{
		SuppressionWindow: cfg.SuppressionWindow,
		Sender:            cfg.SenderAddress,
		Location:          cfg.Location(),
	}, logger, m).OnTouch(reminders.InvalidateOnTouch(cacheRedis, logger))
	reminderService := reminders.NewService(db, scheduler, cacheRedis, validator.New(), cfg.Location(), logger)

	router := chi.NewRouter()
	RegisterRoutes(router, Routes{
		Logger:    logger,
		Reminders: reminderService,
		Tokens:    jwt.NewJWTMaker(cfg.JWTSecretKey, cfg.TokenTTL),
		DB:        db.DB,
		Limiter:   middlewarectx.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		Metrics:   m,
		Gatherer:  reg,
	})

	srv := &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &App{
		server: srv,
		logger: logger,
		db:     db,
		cache:  cacheRedis,
		conn:   conn,
		ch:     ch,
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

// Run запускает HTTP сервер и останавливает его при отмене ctx.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		err = a.server.Shutdown(timeoutCtx)
	}

	closeResources(a.ch, a.conn, a.logger)
	if cerr := a.cache.Close(); cerr != nil {
		a.logger.Error("failed to close cache", sl.Err(cerr))
	}
	if cerr := a.db.Close(); cerr != nil {
		a.logger.Error("failed to close storage", sl.Err(cerr))
	}
	return err
}

// Package api собирает HTTP API управления правилами напоминаний.
package api

import (
	"log/slog"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/magabrotheeeer/breezeminder/internal/http/handlers/health"
	"github.com/magabrotheeeer/breezeminder/internal/http/handlers/reminders/create"
	"github.com/magabrotheeeer/breezeminder/internal/http/handlers/reminders/history"
	"github.com/magabrotheeeer/breezeminder/internal/http/handlers/reminders/list"
	"github.com/magabrotheeeer/breezeminder/internal/http/handlers/reminders/read"
	"github.com/magabrotheeeer/breezeminder/internal/http/handlers/reminders/remove"
	"github.com/magabrotheeeer/breezeminder/internal/http/handlers/reminders/update"
	"github.com/magabrotheeeer/breezeminder/internal/http/middlewarectx"
	"github.com/magabrotheeeer/breezeminder/internal/metrics"
	"github.com/magabrotheeeer/breezeminder/internal/services/reminders"
)

// Routes зависимости маршрутов API.
type Routes struct {
	Logger    *slog.Logger
	Reminders *reminders.Service
	Tokens    middlewarectx.TokenParser
	DB        health.Pinger
	Limiter   *middlewarectx.Limiter
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
}

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, deps Routes) {
	logger := deps.Logger

	// Глобальные middleware
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Logger,
		middleware.Recoverer,
		middlewarectx.MetricsMiddleware(deps.Metrics),
	)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middlewarectx.JWTMiddleware(deps.Tokens, logger))
		r.Use(middlewarectx.RateLimitMiddleware(logger, deps.Limiter))

		r.Post("/reminders", create.New(logger, deps.Reminders).ServeHTTP)
		r.Get("/reminders", list.New(logger, deps.Reminders).ServeHTTP)
		r.Get("/reminders/{id}", read.New(logger, deps.Reminders).ServeHTTP)
		r.Put("/reminders/{id}", update.New(logger, deps.Reminders).ServeHTTP)
		r.Delete("/reminders/{id}", remove.New(logger, deps.Reminders).ServeHTTP)
		r.Get("/reminders/{id}/history", history.New(logger, deps.Reminders).ServeHTTP)
	})

	r.Get("/health", health.New(logger, deps.DB).ServeHTTP)
	r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/docs/*", httpSwagger.WrapHandler)
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/magabrotheeeer/breezeminder/internal/app/refresher"
	"github.com/magabrotheeeer/breezeminder/internal/config"
	"github.com/magabrotheeeer/breezeminder/internal/lib/sl"
)

func main() {
	cfg := config.MustLoad()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger.Info("starting card-refresher", slog.String("env", cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := refresher.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize card-refresher", sl.Err(err))
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		logger.Error("card-refresher stopped with error", sl.Err(err))
		os.Exit(1)
	}
	logger.Info("card-refresher stopped gracefully")
}

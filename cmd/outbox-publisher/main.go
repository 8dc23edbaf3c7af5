package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/smartbuket/sb-analytics/internal/config"
	"github.com/smartbuket/sb-analytics/internal/infrastructure/postgres"
	"github.com/smartbuket/sb-analytics/internal/logger"
	"github.com/smartbuket/sb-analytics/internal/publisher"
)

func main() {
	logger.Init()
	log := logger.WithService("outbox-publisher")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connect failed")
	}
	defer pool.Close()

	if err := postgres.AssertSchema(ctx, pool, "outbox_events"); err != nil {
		log.Fatal().Err(err).Msg("schema missing")
	}

	worker := publisher.New(postgres.New(pool), cfg)
	log.Info().
		Dur("poll_interval", cfg.OutboxPollInterval).
		Int("batch_size", cfg.OutboxBatchSize).
		Msg("outbox publisher started")

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("publisher exited")
		os.Exit(1)
	}
	log.Info().Msg("outbox publisher stopped")
}

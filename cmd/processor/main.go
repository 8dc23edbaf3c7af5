package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/smartbuket/sb-analytics/internal/config"
	"github.com/smartbuket/sb-analytics/internal/infrastructure/postgres"
	"github.com/smartbuket/sb-analytics/internal/infrastructure/redis"
	"github.com/smartbuket/sb-analytics/internal/logger"
	"github.com/smartbuket/sb-analytics/internal/processor"
)

func main() {
	logger.Init()
	log := logger.WithService("processor")

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

	if err := postgres.AssertSchema(ctx, pool,
		"processed_events",
		"device_hourly_presence", "user_hourly_presence",
		"agg_h3_r9_hourly", "agg_place_hourly", "agg_admin_hourly",
		"h3_cells", "license_state", "customer_360", "opt_out",
	); err != nil {
		log.Fatal().Err(err).Msg("schema missing")
	}

	cache := redis.NewOptOutCache(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer cache.Close()

	proc := processor.New(cfg, postgres.New(pool), cache)
	log.Info().Str("group", cfg.ProcessorGroupID).Msg("processor started")

	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("processor exited")
		os.Exit(1)
	}
	log.Info().Msg("processor stopped")
}

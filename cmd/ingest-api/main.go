package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smartbuket/sb-analytics/internal/config"
	"github.com/smartbuket/sb-analytics/internal/infrastructure/postgres"
	"github.com/smartbuket/sb-analytics/internal/infrastructure/redis"
	"github.com/smartbuket/sb-analytics/internal/logger"
	"github.com/smartbuket/sb-analytics/internal/transport/rest"
)

func main() {
	logger.Init()
	log := logger.WithService("ingest-api")

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

	// The ingest API is the schema owner; everything else asserts.
	if err := postgres.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	repo := postgres.New(pool)
	cache := redis.NewOptOutCache(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	defer cache.Close()

	handlers := rest.NewHandlers(repo, cache, cfg)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           rest.NewRouter(handlers, cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Str("env", cfg.AppEnv).Msg("ingest api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown incomplete")
	}
	log.Info().Msg("ingest api stopped")
}

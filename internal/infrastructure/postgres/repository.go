// Package postgres owns all database access: the ingest write path
// (raw_events + outbox staging), the outbox lease/finalize cycle, the
// processed_events idempotency ledger and the materialized fact tables.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

type Repository struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool: pool,
		log:  zlog.With().Str("component", "postgres").Logger(),
	}
}

// Pool exposes the underlying pool for health checks.
func (r *Repository) Pool() *pgxpool.Pool { return r.pool }

// Connect opens a pgx pool and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

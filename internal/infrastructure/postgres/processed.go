package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TryMarkProcessed inserts into the idempotency ledger inside tx. Returns
// false when the (consumer, app_uuid, event_id) triple was already recorded.
func TryMarkProcessed(ctx context.Context, tx pgx.Tx, consumer, appUUID, eventID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_events (consumer, app_uuid, event_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`, consumer, appUUID, eventID)
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ProcessOnce runs fn exactly once per (consumer, app_uuid, event_id): the
// ledger insert and fn's side effects share one transaction, so a crash
// between them rolls both back and the redelivery retries cleanly. Returns
// false without calling fn when the event was already processed.
func (r *Repository) ProcessOnce(ctx context.Context, consumer, appUUID, eventID string, fn func(pgx.Tx) error) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("process once begin: %w", err)
	}
	defer tx.Rollback(ctx)

	fresh, err := TryMarkProcessed(ctx, tx, consumer, appUUID, eventID)
	if err != nil {
		return false, err
	}
	if !fresh {
		return false, nil
	}

	if err := fn(tx); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("process once commit: %w", err)
	}
	return true, nil
}

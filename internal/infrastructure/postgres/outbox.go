package postgres

import (
	"context"
	"fmt"
	"time"
)

// OutboxMessage is one leased outbox row, ready to publish.
type OutboxMessage struct {
	ID         int64
	AppUUID    string
	EventID    *string
	TraceID    *string
	OccurredAt time.Time
	RoutingKey string
	Payload    []byte
	Retries    int
}

// Rows become claimable when pending, due, and either unlocked or holding a
// lease older than the timeout (a crashed publisher's lease).
const leaseOutboxSQL = `
	WITH claimed AS (
		SELECT id
		FROM outbox_events
		WHERE status = 'pending'
		  AND next_attempt_at <= now()
		  AND (locked_at IS NULL OR locked_at < now() - $1::interval)
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	)
	UPDATE outbox_events o
	SET locked_at = now()
	FROM claimed c
	WHERE o.id = c.id
	RETURNING o.id, o.app_uuid, o.event_id, o.trace_id, o.occurred_at,
	          o.routing_key, o.payload, o.retries`

// LeaseOutbox claims up to limit due rows. SKIP LOCKED keeps concurrent
// publisher replicas from blocking each other; locked_at records the lease
// so a crashed replica's claims become visible again after the timeout.
func (r *Repository) LeaseOutbox(ctx context.Context, limit int, leaseTimeout time.Duration) ([]OutboxMessage, error) {
	rows, err := r.pool.Query(ctx, leaseOutboxSQL, leaseTimeout.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("outbox lease: %w", err)
	}
	defer rows.Close()

	var out []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.AppUUID, &m.EventID, &m.TraceID,
			&m.OccurredAt, &m.RoutingKey, &m.Payload, &m.Retries); err != nil {
			return nil, fmt.Errorf("outbox lease scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkSent finalizes confirmed rows.
func (r *Repository) MarkSent(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'sent', locked_at = NULL, last_error = NULL
		WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("outbox mark sent: %w", err)
	}
	return nil
}

// MarkFailed records a publish failure: bump retries, release the lease,
// schedule the next attempt, and park the row as failed once the cap is hit.
func (r *Repository) MarkFailed(ctx context.Context, id int64, cause string, nextAttempt time.Time, maxRetries int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET retries = retries + 1,
		    locked_at = NULL,
		    last_error = $2,
		    next_attempt_at = $3,
		    status = CASE WHEN retries + 1 >= $4 THEN 'failed' ELSE 'pending' END
		WHERE id = $1`, id, cause, nextAttempt, maxRetries)
	if err != nil {
		return fmt.Errorf("outbox mark failed: %w", err)
	}
	return nil
}

// PendingCount reports the publish backlog, surfaced as a gauge.
func (r *Repository) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM outbox_events WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("outbox pending count: %w", err)
	}
	return n, nil
}

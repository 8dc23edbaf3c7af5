package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/smartbuket/sb-analytics/internal/domain"
)

// IngestItem is one validated event ready to be persisted: the normalized
// envelope, the routing keys it fans out to, and the staged payload the
// outbox will carry.
type IngestItem struct {
	Event       *domain.NormalizedEvent
	RoutingKeys []string
	Staged      map[string]any
}

// IngestResult reports what happened to one item inside the batch
// transaction.
type IngestResult struct {
	Deduped bool
}

const insertRawEventSQL = `
	INSERT INTO raw_events (
		event_id, trace_id, producer, actor, app_uuid,
		event_type, event_ts, anon_user_id, device_id_hash, session_id,
		sdk_version, event_version,
		geo_point, geo_accuracy_m, geo_source,
		payload, context, raw_doc
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8, $9, $10,
		$11, $12,
		ST_SetSRID(ST_MakePoint($13::float8, $14::float8), 4326), $15, $16,
		$17, $18, $19
	)
	ON CONFLICT (app_uuid, event_id) DO NOTHING
	RETURNING id`

const stageOutboxSQL = `
	INSERT INTO outbox_events (app_uuid, event_id, trace_id, occurred_at, routing_key, payload)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (app_uuid, event_id, routing_key) DO NOTHING`

// InsertBatch persists a batch of events atomically: each raw_event and its
// outbox rows commit together, or the whole batch rolls back. A conflict on
// (app_uuid, event_id) marks the item deduped and skips its outbox staging;
// the earlier insert already staged identical rows.
func (r *Repository) InsertBatch(ctx context.Context, items []IngestItem) ([]IngestResult, error) {
	results := make([]IngestResult, len(items))

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("ingest begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, item := range items {
		ev := item.Event

		var lon, lat, acc *float64
		var src *string
		if g := ev.Geo(); g != nil {
			lon, lat, acc = &g.Lon, &g.Lat, g.AccuracyM
			if g.Source != "" {
				src = &g.Source
			}
		}

		var rawID int64
		err := tx.QueryRow(ctx, insertRawEventSQL,
			ev.EventID, ev.TraceID, ev.Producer, ev.Actor, ev.AppUUID,
			ev.EventName, ev.OccurredAt, ev.AnonUserID, ev.DeviceIDHash, ev.SessionID,
			ev.SDKVersion, ev.EventVersion,
			lon, lat, acc, src,
			ev.Payload, ev.Context, item.Staged,
		).Scan(&rawID)
		if errors.Is(err, pgx.ErrNoRows) {
			results[i].Deduped = true
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ingest raw_event: %w", err)
		}

		for _, rk := range item.RoutingKeys {
			if _, err := tx.Exec(ctx, stageOutboxSQL,
				ev.AppUUID, ev.EventID, ev.TraceID, ev.OccurredAt, rk, item.Staged,
			); err != nil {
				return nil, fmt.Errorf("ingest outbox stage %s: %w", rk, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("ingest commit: %w", err)
	}
	return results, nil
}

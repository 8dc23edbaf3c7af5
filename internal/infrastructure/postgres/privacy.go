package postgres

import (
	"context"
	"fmt"
)

// IsOptedOut checks the opt_out registry.
func (r *Repository) IsOptedOut(ctx context.Context, appUUID, anonUserID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM opt_out WHERE app_uuid = $1 AND anon_user_id = $2
		)`, appUUID, anonUserID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("opt-out check: %w", err)
	}
	return exists, nil
}

// OptOut registers the pair. Idempotent.
func (r *Repository) OptOut(ctx context.Context, appUUID, anonUserID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO opt_out (app_uuid, anon_user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, appUUID, anonUserID)
	if err != nil {
		return fmt.Errorf("opt-out insert: %w", err)
	}
	return nil
}

// PrivacyDelete erases everything stored for one (app_uuid, anon_user_id)
// in a single transaction and returns per-table delete counts. The opt_out
// row survives unless deleteOptOut is set, so erasure does not re-open the
// door for new events.
func (r *Repository) PrivacyDelete(ctx context.Context, appUUID, anonUserID string, deleteOptOut bool) (map[string]int64, error) {
	tables := []string{
		"customer_360",
		"license_state",
		"user_hourly_presence",
		"device_hourly_presence",
		"raw_events",
	}
	if deleteOptOut {
		tables = append(tables, "opt_out")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("privacy delete begin: %w", err)
	}
	defer tx.Rollback(ctx)

	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		tag, err := tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE app_uuid = $1 AND anon_user_id = $2`, table),
			appUUID, anonUserID)
		if err != nil {
			return nil, fmt.Errorf("privacy delete %s: %w", table, err)
		}
		counts[table] = tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("privacy delete commit: %w", err)
	}
	return counts, nil
}

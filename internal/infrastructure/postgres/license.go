package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// LicenseUpdate is one license-family event projected onto license_state.
type LicenseUpdate struct {
	AppUUID      string
	AnonUserID   string
	DeviceIDHash *string
	PlanType     string
	Status       string
	StartedAt    *time.Time
	RenewedAt    *time.Time
	ExpiresAt    *time.Time
	EventTS      time.Time
}

// UpsertLicenseState applies a license event under a last-writer-wins gate
// on event time: updated_at stores the event timestamp and the row only
// moves when the incoming event is at least as recent. Out-of-order
// deliveries therefore converge on the newest event regardless of arrival
// order. Returns whether the row was written.
func UpsertLicenseState(ctx context.Context, tx pgx.Tx, up LicenseUpdate) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO license_state (
			app_uuid, anon_user_id, device_id_hash,
			plan_type, license_status,
			started_at, renewed_at, expires_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (app_uuid, anon_user_id) DO UPDATE SET
			device_id_hash = COALESCE(excluded.device_id_hash, license_state.device_id_hash),
			plan_type      = excluded.plan_type,
			license_status = excluded.license_status,
			started_at     = COALESCE(excluded.started_at, license_state.started_at),
			renewed_at     = COALESCE(excluded.renewed_at, license_state.renewed_at),
			expires_at     = COALESCE(excluded.expires_at, license_state.expires_at),
			updated_at     = excluded.updated_at
		WHERE excluded.updated_at >= license_state.updated_at`,
		up.AppUUID, up.AnonUserID, up.DeviceIDHash,
		up.PlanType, up.Status,
		up.StartedAt, up.RenewedAt, up.ExpiresAt, up.EventTS)
	if err != nil {
		return false, fmt.Errorf("license upsert: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

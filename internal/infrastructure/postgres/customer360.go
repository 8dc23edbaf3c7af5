package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/smartbuket/sb-analytics/internal/domain"
)

// Every customer_360 writer shares the same recency rule: "last_*" columns
// move only when the incoming event is at least as recent as last_seen_at,
// while first_seen_at/last_seen_at fold with LEAST/GREATEST. All SET
// expressions read the pre-update row, so the order of assignments below
// does not matter.

// TouchCustomer folds any event into the customer snapshot: seen-at bounds
// and the last-event metadata.
func TouchCustomer(ctx context.Context, tx pgx.Tx, ev *domain.NormalizedEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO customer_360 (
			app_uuid, anon_user_id, device_id_hash,
			first_seen_at, last_seen_at,
			last_event_type, last_session_id, last_sdk_version, last_event_version,
			updated_at
		) VALUES ($1, $2, $3, $4, $4, $5, $6, $7, $8, now())
		ON CONFLICT (app_uuid, anon_user_id) DO UPDATE SET
			device_id_hash = COALESCE(excluded.device_id_hash, customer_360.device_id_hash),
			first_seen_at  = LEAST(customer_360.first_seen_at, excluded.first_seen_at),
			last_event_type    = CASE WHEN excluded.last_seen_at >= customer_360.last_seen_at
			                          THEN excluded.last_event_type ELSE customer_360.last_event_type END,
			last_session_id    = CASE WHEN excluded.last_seen_at >= customer_360.last_seen_at
			                          THEN excluded.last_session_id ELSE customer_360.last_session_id END,
			last_sdk_version   = CASE WHEN excluded.last_seen_at >= customer_360.last_seen_at
			                          THEN excluded.last_sdk_version ELSE customer_360.last_sdk_version END,
			last_event_version = CASE WHEN excluded.last_seen_at >= customer_360.last_seen_at
			                          THEN excluded.last_event_version ELSE customer_360.last_event_version END,
			last_seen_at = GREATEST(customer_360.last_seen_at, excluded.last_seen_at),
			updated_at   = now()`,
		ev.AppUUID, ev.AnonUserID, ev.DeviceIDHash,
		ev.OccurredAt, ev.EventName, ev.SessionID, ev.SDKVersion, ev.EventVersion)
	if err != nil {
		return fmt.Errorf("customer touch: %w", err)
	}
	return nil
}

// ApplyGeoToCustomer folds one geo event: bumps the geo counter, refreshes
// the distinct hour counters from the presence tables, and moves the last
// geo dimensions under the recency rule.
func ApplyGeoToCustomer(ctx context.Context, tx pgx.Tx, ev *domain.NormalizedEvent, dims PresenceDims) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO customer_360 (
			app_uuid, anon_user_id, device_id_hash,
			first_seen_at, last_seen_at,
			last_h3_r9, last_place_id,
			last_admin_country_code, last_admin_province_code,
			last_admin_municipality_code, last_admin_sector_code,
			geo_events_count, active_user_hours_count, active_device_hours_count,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $4, $5, $6, $7, $8, $9, $10, 1,
			(SELECT count(*) FROM user_hourly_presence WHERE app_uuid = $1 AND anon_user_id = $2),
			(SELECT count(*) FROM device_hourly_presence WHERE app_uuid = $1 AND anon_user_id = $2),
			now()
		)
		ON CONFLICT (app_uuid, anon_user_id) DO UPDATE SET
			device_id_hash = COALESCE(excluded.device_id_hash, customer_360.device_id_hash),
			first_seen_at  = LEAST(customer_360.first_seen_at, excluded.first_seen_at),
			last_h3_r9    = CASE WHEN excluded.last_seen_at >= customer_360.last_seen_at
			                     THEN excluded.last_h3_r9 ELSE customer_360.last_h3_r9 END,
			last_place_id = CASE WHEN excluded.last_seen_at >= customer_360.last_seen_at
			                     THEN excluded.last_place_id ELSE customer_360.last_place_id END,
			last_admin_country_code = CASE WHEN excluded.last_seen_at >= customer_360.last_seen_at
			                     THEN excluded.last_admin_country_code ELSE customer_360.last_admin_country_code END,
			last_admin_province_code = CASE WHEN excluded.last_seen_at >= customer_360.last_seen_at
			                     THEN excluded.last_admin_province_code ELSE customer_360.last_admin_province_code END,
			last_admin_municipality_code = CASE WHEN excluded.last_seen_at >= customer_360.last_seen_at
			                     THEN excluded.last_admin_municipality_code ELSE customer_360.last_admin_municipality_code END,
			last_admin_sector_code = CASE WHEN excluded.last_seen_at >= customer_360.last_seen_at
			                     THEN excluded.last_admin_sector_code ELSE customer_360.last_admin_sector_code END,
			geo_events_count          = customer_360.geo_events_count + 1,
			active_user_hours_count   = excluded.active_user_hours_count,
			active_device_hours_count = excluded.active_device_hours_count,
			last_seen_at = GREATEST(customer_360.last_seen_at, excluded.last_seen_at),
			updated_at   = now()`,
		ev.AppUUID, ev.AnonUserID, ev.DeviceIDHash, ev.OccurredAt,
		dims.H3R9, dims.PlaceID,
		dims.AdminCountry, dims.AdminProvince, dims.AdminMunicipality, dims.AdminSector)
	if err != nil {
		return fmt.Errorf("customer geo: %w", err)
	}
	return nil
}

// ApplyLicenseToCustomer folds one license event. The mirror columns
// (last_plan_type, last_license_status, license_*_at) only move when the
// license_state gate accepted the event, so the snapshot never shows an
// older license than license_state holds. The counter always bumps.
func ApplyLicenseToCustomer(ctx context.Context, tx pgx.Tx, up LicenseUpdate, applied bool) error {
	var planType, status *string
	var started, renewed, expires any
	if applied {
		planType, status = &up.PlanType, &up.Status
		started, renewed, expires = up.StartedAt, up.RenewedAt, up.ExpiresAt
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO customer_360 (
			app_uuid, anon_user_id, device_id_hash,
			first_seen_at, last_seen_at,
			license_events_count,
			last_plan_type, last_license_status,
			license_started_at, license_renewed_at, license_expires_at,
			updated_at
		) VALUES ($1, $2, $3, $4, $4, 1, $5, $6, $7, $8, $9, now())
		ON CONFLICT (app_uuid, anon_user_id) DO UPDATE SET
			device_id_hash = COALESCE(excluded.device_id_hash, customer_360.device_id_hash),
			first_seen_at  = LEAST(customer_360.first_seen_at, excluded.first_seen_at),
			license_events_count = customer_360.license_events_count + 1,
			last_plan_type = CASE WHEN $10 THEN excluded.last_plan_type ELSE customer_360.last_plan_type END,
			last_license_status = CASE WHEN $10 THEN excluded.last_license_status ELSE customer_360.last_license_status END,
			license_started_at = CASE WHEN $10 THEN COALESCE(excluded.license_started_at, customer_360.license_started_at)
			                          ELSE customer_360.license_started_at END,
			license_renewed_at = CASE WHEN $10 THEN COALESCE(excluded.license_renewed_at, customer_360.license_renewed_at)
			                          ELSE customer_360.license_renewed_at END,
			license_expires_at = CASE WHEN $10 THEN COALESCE(excluded.license_expires_at, customer_360.license_expires_at)
			                          ELSE customer_360.license_expires_at END,
			last_seen_at = GREATEST(customer_360.last_seen_at, excluded.last_seen_at),
			updated_at   = now()`,
		up.AppUUID, up.AnonUserID, up.DeviceIDHash, up.EventTS,
		planType, status, started, renewed, expires, applied)
	if err != nil {
		return fmt.Errorf("customer license: %w", err)
	}
	return nil
}

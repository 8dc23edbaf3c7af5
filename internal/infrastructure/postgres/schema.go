package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationLockID is the advisory lock key guarding boot DDL. Only the
// ingest API applies the migration; everything else asserts presence.
const migrationLockID = 730031

var ddlStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS postgis`,

	`CREATE TABLE IF NOT EXISTS raw_events (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		event_id UUID,
		trace_id UUID,
		producer TEXT,
		actor TEXT,
		app_uuid UUID NOT NULL,
		event_type TEXT NOT NULL,
		event_ts TIMESTAMPTZ NOT NULL,
		anon_user_id TEXT NOT NULL,
		device_id_hash TEXT NOT NULL,
		session_id TEXT NOT NULL,
		sdk_version TEXT NOT NULL,
		event_version TEXT NOT NULL,
		geo_point GEOMETRY(Point, 4326),
		geo_accuracy_m DOUBLE PRECISION,
		geo_source TEXT,
		payload JSONB NOT NULL,
		context JSONB NOT NULL,
		raw_doc JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_raw_events_event_id ON raw_events (event_id)`,
	`CREATE INDEX IF NOT EXISTS ix_raw_events_trace_id ON raw_events (trace_id)`,
	`CREATE INDEX IF NOT EXISTS ix_raw_events_app_user ON raw_events (app_uuid, anon_user_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_raw_events_app_event_id ON raw_events (app_uuid, event_id)`,

	`CREATE TABLE IF NOT EXISTS outbox_events (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		locked_at TIMESTAMPTZ,
		app_uuid UUID NOT NULL,
		event_id UUID,
		trace_id UUID,
		occurred_at TIMESTAMPTZ NOT NULL,
		routing_key TEXT NOT NULL,
		payload JSONB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','sent','failed')),
		retries INT NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS ix_outbox_events_status_next ON outbox_events (status, next_attempt_at)`,
	`CREATE INDEX IF NOT EXISTS ix_outbox_events_app_created ON outbox_events (app_uuid, created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_outbox_events_app_event_routing ON outbox_events (app_uuid, event_id, routing_key)`,

	`CREATE TABLE IF NOT EXISTS processed_events (
		consumer TEXT NOT NULL,
		app_uuid UUID NOT NULL,
		event_id UUID NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (consumer, app_uuid, event_id)
	)`,

	`CREATE TABLE IF NOT EXISTS opt_out (
		app_uuid UUID NOT NULL,
		anon_user_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (app_uuid, anon_user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS device_hourly_presence (
		app_uuid UUID NOT NULL,
		hour_bucket TIMESTAMPTZ NOT NULL,
		device_id_hash TEXT NOT NULL,
		anon_user_id TEXT NOT NULL,
		h3_r7 TEXT,
		h3_r9 TEXT,
		h3_r11 TEXT,
		place_id TEXT,
		admin_country_code TEXT,
		admin_province_code TEXT,
		admin_municipality_code TEXT,
		admin_sector_code TEXT,
		geo_accuracy_m DOUBLE PRECISION,
		geo_precision_class TEXT NOT NULL,
		first_event_ts TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (app_uuid, hour_bucket, device_id_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_device_presence_hour ON device_hourly_presence (hour_bucket)`,
	`CREATE INDEX IF NOT EXISTS ix_device_presence_user ON device_hourly_presence (app_uuid, anon_user_id)`,

	`CREATE TABLE IF NOT EXISTS user_hourly_presence (
		app_uuid UUID NOT NULL,
		hour_bucket TIMESTAMPTZ NOT NULL,
		anon_user_id TEXT NOT NULL,
		h3_r7 TEXT,
		h3_r9 TEXT,
		h3_r11 TEXT,
		place_id TEXT,
		admin_country_code TEXT,
		admin_province_code TEXT,
		admin_municipality_code TEXT,
		admin_sector_code TEXT,
		geo_accuracy_m DOUBLE PRECISION,
		geo_precision_class TEXT NOT NULL,
		first_event_ts TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (app_uuid, hour_bucket, anon_user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_user_presence_hour ON user_hourly_presence (hour_bucket)`,

	`CREATE TABLE IF NOT EXISTS license_state (
		app_uuid UUID NOT NULL,
		anon_user_id TEXT NOT NULL,
		device_id_hash TEXT,
		plan_type TEXT NOT NULL,
		license_status TEXT NOT NULL,
		started_at TIMESTAMPTZ,
		renewed_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (app_uuid, anon_user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS customer_360 (
		app_uuid UUID NOT NULL,
		anon_user_id TEXT NOT NULL,
		device_id_hash TEXT,
		first_seen_at TIMESTAMPTZ NOT NULL,
		last_seen_at TIMESTAMPTZ NOT NULL,
		last_event_type TEXT,
		last_session_id TEXT,
		last_sdk_version TEXT,
		last_event_version TEXT,
		last_h3_r9 TEXT,
		last_place_id TEXT,
		last_admin_country_code TEXT,
		last_admin_province_code TEXT,
		last_admin_municipality_code TEXT,
		last_admin_sector_code TEXT,
		geo_events_count BIGINT NOT NULL DEFAULT 0,
		license_events_count BIGINT NOT NULL DEFAULT 0,
		active_user_hours_count BIGINT NOT NULL DEFAULT 0,
		active_device_hours_count BIGINT NOT NULL DEFAULT 0,
		last_plan_type TEXT,
		last_license_status TEXT,
		license_started_at TIMESTAMPTZ,
		license_renewed_at TIMESTAMPTZ,
		license_expires_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (app_uuid, anon_user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_customer_360_last_seen ON customer_360 (last_seen_at)`,
	`CREATE INDEX IF NOT EXISTS ix_customer_360_place ON customer_360 (last_place_id)`,
	`CREATE INDEX IF NOT EXISTS ix_customer_360_h3r9 ON customer_360 (last_h3_r9)`,

	`CREATE TABLE IF NOT EXISTS h3_cells (
		h3_cell TEXT PRIMARY KEY,
		resolution INT NOT NULL,
		geom GEOMETRY(POLYGON, 4326) NOT NULL,
		centroid GEOMETRY(Point, 4326) NOT NULL,
		centroid_lat DOUBLE PRECISION NOT NULL,
		centroid_lon DOUBLE PRECISION NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ix_h3_cells_geom_gist ON h3_cells USING GIST (geom)`,
	`CREATE INDEX IF NOT EXISTS ix_h3_cells_resolution ON h3_cells (resolution)`,

	`CREATE TABLE IF NOT EXISTS agg_h3_r9_hourly (
		app_uuid UUID NOT NULL,
		hour_bucket TIMESTAMPTZ NOT NULL,
		h3_r9 TEXT NOT NULL,
		devices_count BIGINT NOT NULL DEFAULT 0,
		users_count BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (app_uuid, hour_bucket, h3_r9)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_agg_h3_r9_hourly_hour ON agg_h3_r9_hourly (hour_bucket)`,

	`CREATE TABLE IF NOT EXISTS agg_place_hourly (
		app_uuid UUID NOT NULL,
		hour_bucket TIMESTAMPTZ NOT NULL,
		place_id TEXT NOT NULL,
		devices_count BIGINT NOT NULL DEFAULT 0,
		users_count BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (app_uuid, hour_bucket, place_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_agg_place_hourly_hour ON agg_place_hourly (hour_bucket)`,

	`CREATE TABLE IF NOT EXISTS agg_admin_hourly (
		app_uuid UUID NOT NULL,
		hour_bucket TIMESTAMPTZ NOT NULL,
		level TEXT NOT NULL CHECK (level IN ('country','province','municipality','sector')),
		code TEXT NOT NULL,
		devices_count BIGINT NOT NULL DEFAULT 0,
		users_count BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (app_uuid, hour_bucket, level, code)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_agg_admin_hourly_hour ON agg_admin_hourly (hour_bucket)`,

	// Reference geometries. Importers populate them; created empty here so
	// point-in-polygon lookups are always valid SQL.
	`CREATE TABLE IF NOT EXISTS places (
		place_id TEXT PRIMARY KEY,
		name TEXT,
		geofence GEOMETRY(POLYGON, 4326) NOT NULL,
		valid_from TIMESTAMPTZ,
		valid_to TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS ix_places_geofence_gist ON places USING GIST (geofence)`,

	`CREATE TABLE IF NOT EXISTS admin_areas (
		code TEXT NOT NULL,
		level TEXT NOT NULL CHECK (level IN ('country','province','municipality','sector')),
		name TEXT,
		geom GEOMETRY(MULTIPOLYGON, 4326) NOT NULL,
		valid_from TIMESTAMPTZ,
		valid_to TIMESTAMPTZ,
		PRIMARY KEY (code, level)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_admin_areas_geom_gist ON admin_areas USING GIST (geom)`,
}

// Migrate applies the full schema under an advisory lock so concurrent
// replicas do not race on DDL. Safe to re-run; every statement is
// IF NOT EXISTS.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("migrate: acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("migrate: advisory lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, migrationLockID)
	}()

	for _, stmt := range ddlStatements {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// AssertSchema verifies the given tables exist. Non-migrating components
// (publisher, processor) call this at boot and abort if the ingest API has
// not applied the schema yet.
func AssertSchema(ctx context.Context, pool *pgxpool.Pool, tables ...string) error {
	for _, table := range tables {
		var reg *string
		if err := pool.QueryRow(ctx, `SELECT to_regclass($1)::text`, table).Scan(&reg); err != nil {
			return fmt.Errorf("schema assert %s: %w", table, err)
		}
		if reg == nil {
			return fmt.Errorf("schema assert: table %s does not exist (run ingest-api first)", table)
		}
	}
	return nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/smartbuket/sb-analytics/internal/geo"
)

// PresenceRow is one geo observation resolved to its spatial dimensions,
// ready to be folded into the hourly presence facts.
type PresenceRow struct {
	AppUUID      string
	HourBucket   time.Time
	AnonUserID   string
	DeviceIDHash string

	H3R7, H3R9, H3R11 *string
	PlaceID           *string
	AdminCountry      *string
	AdminProvince     *string
	AdminMunicipality *string
	AdminSector       *string

	AccuracyM *float64
	Precision geo.PrecisionClass
	EventTS   time.Time
}

// PresenceDims are the dimension values an aggregate depends on. Collected
// before and after an upsert so recounts cover values the upgrade vacated.
type PresenceDims struct {
	H3R9              *string
	PlaceID           *string
	AdminCountry      *string
	AdminProvince     *string
	AdminMunicipality *string
	AdminSector       *string
}

// Dims are the dimensions this observation itself carries, as opposed to
// what the presence table stored. The customer snapshot takes these: its
// recency gate decides whether they stick, independent of the precision
// policy on the hourly facts.
func (r PresenceRow) Dims() PresenceDims {
	return PresenceDims{
		H3R9:              r.H3R9,
		PlaceID:           r.PlaceID,
		AdminCountry:      r.AdminCountry,
		AdminProvince:     r.AdminProvince,
		AdminMunicipality: r.AdminMunicipality,
		AdminSector:       r.AdminSector,
	}
}

// rank(excluded) > rank(current): geo dimensions move only on strictly
// better precision, so a later coarse ping never degrades a high fix.
const precisionRankSQL = `CASE %s.geo_precision_class WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0 END`

var presenceGeoColumns = []string{
	"h3_r7", "h3_r9", "h3_r11", "place_id",
	"admin_country_code", "admin_province_code",
	"admin_municipality_code", "admin_sector_code",
	"geo_accuracy_m", "geo_precision_class",
}

// upsertPresenceSQL builds the insert-or-upgrade statement. keyCols holds
// the conflict key column plus any extra identity columns the table stores;
// the user table keys on anon_user_id directly, so listing it twice would
// be a 42701.
func upsertPresenceSQL(table string, keyCols ...string) string {
	exclRank := fmt.Sprintf(precisionRankSQL, "excluded")
	currRank := fmt.Sprintf(precisionRankSQL, table)
	better := fmt.Sprintf("(%s) > (%s)", exclRank, currRank)

	set := ""
	for _, col := range presenceGeoColumns {
		set += fmt.Sprintf("\n\t\t%s = CASE WHEN %s THEN excluded.%s ELSE %s.%s END,",
			col, better, col, table, col)
	}

	cols := append([]string{"app_uuid", "hour_bucket"}, keyCols...)
	cols = append(cols, presenceGeoColumns...)
	cols = append(cols, "first_event_ts")
	ph := make([]string, len(cols))
	for i := range cols {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}

	return fmt.Sprintf(`
	INSERT INTO %s (%s)
	VALUES (%s)
	ON CONFLICT (app_uuid, hour_bucket, %s) DO UPDATE SET%s
		first_event_ts = LEAST(%s.first_event_ts, excluded.first_event_ts)
	RETURNING (xmax = 0) AS inserted,
	          h3_r9, place_id, admin_country_code, admin_province_code,
	          admin_municipality_code, admin_sector_code`,
		table, strings.Join(cols, ", "), strings.Join(ph, ", "), keyCols[0], set, table)
}

var (
	upsertDevicePresenceSQL = upsertPresenceSQL("device_hourly_presence", "device_id_hash", "anon_user_id")
	upsertUserPresenceSQL   = upsertPresenceSQL("user_hourly_presence", "anon_user_id")
)

// UpsertDevicePresence folds one observation into device_hourly_presence.
// Returns whether a new device-hour appeared plus the stored dimensions
// before and after, so callers can refresh exactly the touched aggregates.
func UpsertDevicePresence(ctx context.Context, tx pgx.Tx, row PresenceRow) (bool, PresenceDims, PresenceDims, error) {
	return upsertPresence(ctx, tx, "device_hourly_presence", upsertDevicePresenceSQL,
		"device_id_hash", []any{row.DeviceIDHash, row.AnonUserID}, row)
}

// UpsertUserPresence is the user-grain counterpart.
func UpsertUserPresence(ctx context.Context, tx pgx.Tx, row PresenceRow) (bool, PresenceDims, PresenceDims, error) {
	return upsertPresence(ctx, tx, "user_hourly_presence", upsertUserPresenceSQL,
		"anon_user_id", []any{row.AnonUserID}, row)
}

func upsertPresence(ctx context.Context, tx pgx.Tx, table, sql, keyCol string, keyVals []any, row PresenceRow) (bool, PresenceDims, PresenceDims, error) {
	var before PresenceDims
	err := tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT h3_r9, place_id, admin_country_code, admin_province_code,
		       admin_municipality_code, admin_sector_code
		FROM %s WHERE app_uuid = $1 AND hour_bucket = $2 AND %s = $3`, table, keyCol),
		row.AppUUID, row.HourBucket, keyVals[0],
	).Scan(&before.H3R9, &before.PlaceID, &before.AdminCountry, &before.AdminProvince,
		&before.AdminMunicipality, &before.AdminSector)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, PresenceDims{}, PresenceDims{}, fmt.Errorf("%s preread: %w", table, err)
	}

	args := append([]any{row.AppUUID, row.HourBucket}, keyVals...)
	args = append(args,
		row.H3R7, row.H3R9, row.H3R11, row.PlaceID,
		row.AdminCountry, row.AdminProvince, row.AdminMunicipality, row.AdminSector,
		row.AccuracyM, string(row.Precision), row.EventTS)

	var inserted bool
	var after PresenceDims
	err = tx.QueryRow(ctx, sql, args...).
		Scan(&inserted, &after.H3R9, &after.PlaceID, &after.AdminCountry, &after.AdminProvince,
			&after.AdminMunicipality, &after.AdminSector)
	if err != nil {
		return false, PresenceDims{}, PresenceDims{}, fmt.Errorf("%s upsert: %w", table, err)
	}
	return inserted, before, after, nil
}

// RefreshAggregates recounts the hourly aggregates for every dimension value
// the upsert touched, old and new. Recounting instead of incrementing keeps
// the aggregates consistent when a precision upgrade moves a row between
// cells, and makes reprocessing order-independent.
func RefreshAggregates(ctx context.Context, tx pgx.Tx, appUUID string, hour time.Time, dims ...PresenceDims) error {
	h3Set := map[string]struct{}{}
	placeSet := map[string]struct{}{}
	adminSet := map[[2]string]struct{}{}

	for _, d := range dims {
		if d.H3R9 != nil {
			h3Set[*d.H3R9] = struct{}{}
		}
		if d.PlaceID != nil {
			placeSet[*d.PlaceID] = struct{}{}
		}
		for _, lc := range []struct {
			level string
			code  *string
		}{
			{"country", d.AdminCountry},
			{"province", d.AdminProvince},
			{"municipality", d.AdminMunicipality},
			{"sector", d.AdminSector},
		} {
			if lc.code != nil {
				adminSet[[2]string{lc.level, *lc.code}] = struct{}{}
			}
		}
	}

	for cell := range h3Set {
		if _, err := tx.Exec(ctx, `
			INSERT INTO agg_h3_r9_hourly (app_uuid, hour_bucket, h3_r9, devices_count, users_count, updated_at)
			VALUES ($1, $2, $3,
				(SELECT count(*) FROM device_hourly_presence WHERE app_uuid = $1 AND hour_bucket = $2 AND h3_r9 = $3),
				(SELECT count(*) FROM user_hourly_presence WHERE app_uuid = $1 AND hour_bucket = $2 AND h3_r9 = $3),
				now())
			ON CONFLICT (app_uuid, hour_bucket, h3_r9) DO UPDATE SET
				devices_count = excluded.devices_count,
				users_count = excluded.users_count,
				updated_at = now()`, appUUID, hour, cell); err != nil {
			return fmt.Errorf("agg h3 refresh: %w", err)
		}
	}

	for place := range placeSet {
		if _, err := tx.Exec(ctx, `
			INSERT INTO agg_place_hourly (app_uuid, hour_bucket, place_id, devices_count, users_count, updated_at)
			VALUES ($1, $2, $3,
				(SELECT count(*) FROM device_hourly_presence WHERE app_uuid = $1 AND hour_bucket = $2 AND place_id = $3),
				(SELECT count(*) FROM user_hourly_presence WHERE app_uuid = $1 AND hour_bucket = $2 AND place_id = $3),
				now())
			ON CONFLICT (app_uuid, hour_bucket, place_id) DO UPDATE SET
				devices_count = excluded.devices_count,
				users_count = excluded.users_count,
				updated_at = now()`, appUUID, hour, place); err != nil {
			return fmt.Errorf("agg place refresh: %w", err)
		}
	}

	for lc := range adminSet {
		col, ok := adminLevelColumns[lc[0]]
		if !ok {
			return fmt.Errorf("agg admin refresh: unknown level %q", lc[0])
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`
			INSERT INTO agg_admin_hourly (app_uuid, hour_bucket, level, code, devices_count, users_count, updated_at)
			VALUES ($1, $2, $3, $4,
				(SELECT count(*) FROM device_hourly_presence WHERE app_uuid = $1 AND hour_bucket = $2 AND %s = $4),
				(SELECT count(*) FROM user_hourly_presence WHERE app_uuid = $1 AND hour_bucket = $2 AND %s = $4),
				now())
			ON CONFLICT (app_uuid, hour_bucket, level, code) DO UPDATE SET
				devices_count = excluded.devices_count,
				users_count = excluded.users_count,
				updated_at = now()`, col, col), appUUID, hour, lc[0], lc[1]); err != nil {
			return fmt.Errorf("agg admin refresh: %w", err)
		}
	}

	return nil
}

var adminLevelColumns = map[string]string{
	"country":      "admin_country_code",
	"province":     "admin_province_code",
	"municipality": "admin_municipality_code",
	"sector":       "admin_sector_code",
}

// AdminCodes are the administrative areas containing a point, one code per
// level that matched.
type AdminCodes struct {
	Country      *string
	Province     *string
	Municipality *string
	Sector       *string
}

// LookupPlace finds the geofence containing the point, if any. Ties break
// on place_id for determinism.
func LookupPlace(ctx context.Context, tx pgx.Tx, lat, lon float64, at time.Time) (*string, error) {
	var placeID string
	err := tx.QueryRow(ctx, `
		SELECT place_id FROM places
		WHERE ST_Contains(geofence, ST_SetSRID(ST_MakePoint($1, $2), 4326))
		  AND (valid_from IS NULL OR valid_from <= $3)
		  AND (valid_to IS NULL OR valid_to > $3)
		ORDER BY place_id
		LIMIT 1`, lon, lat, at).Scan(&placeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("place lookup: %w", err)
	}
	return &placeID, nil
}

// LookupAdmin resolves the admin area code at each level for a point.
func LookupAdmin(ctx context.Context, tx pgx.Tx, lat, lon float64, at time.Time) (AdminCodes, error) {
	rows, err := tx.Query(ctx, `
		SELECT DISTINCT ON (level) level, code FROM admin_areas
		WHERE ST_Contains(geom, ST_SetSRID(ST_MakePoint($1, $2), 4326))
		  AND (valid_from IS NULL OR valid_from <= $3)
		  AND (valid_to IS NULL OR valid_to > $3)
		ORDER BY level, code`, lon, lat, at)
	if err != nil {
		return AdminCodes{}, fmt.Errorf("admin lookup: %w", err)
	}
	defer rows.Close()

	var out AdminCodes
	for rows.Next() {
		var level, code string
		if err := rows.Scan(&level, &code); err != nil {
			return AdminCodes{}, fmt.Errorf("admin lookup scan: %w", err)
		}
		c := code
		switch level {
		case "country":
			out.Country = &c
		case "province":
			out.Province = &c
		case "municipality":
			out.Municipality = &c
		case "sector":
			out.Sector = &c
		}
	}
	return out, rows.Err()
}

// EnsureH3Cells lazily materializes cell geometries. Existing cells are
// left untouched.
func EnsureH3Cells(ctx context.Context, tx pgx.Tx, cells []*geo.CellGeometry) error {
	for _, c := range cells {
		if c == nil {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO h3_cells (h3_cell, resolution, geom, centroid, centroid_lat, centroid_lon)
			VALUES ($1, $2, ST_GeomFromText($3, 4326), ST_SetSRID(ST_MakePoint($4, $5), 4326), $5, $4)
			ON CONFLICT (h3_cell) DO NOTHING`,
			c.Cell, c.Resolution, c.PolygonWKT, c.CentroidLon, c.CentroidLat); err != nil {
			return fmt.Errorf("h3 cell insert %s: %w", c.Cell, err)
		}
	}
	return nil
}

package processor

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/smartbuket/sb-analytics/internal/domain"
	"github.com/smartbuket/sb-analytics/internal/geo"
	"github.com/smartbuket/sb-analytics/internal/infrastructure/postgres"
)

// dispatch routes a validated event to its family materializer, all inside
// the ProcessOnce transaction. The behavioral families (raw, session,
// screen, ui, system) only refresh the customer snapshot. It returns the
// H3 cells whose geometry the transaction wrote, so the caller can mark
// them seen once the transaction actually commits.
func (h *Handler) dispatch(ctx context.Context, tx pgx.Tx, family string, ev *domain.NormalizedEvent) ([]string, error) {
	switch family {
	case "geo":
		return h.materializeGeo(ctx, tx, ev)
	case "license":
		return nil, h.materializeLicense(ctx, tx, ev)
	default:
		return nil, postgres.TouchCustomer(ctx, tx, ev)
	}
}

func (h *Handler) materializeGeo(ctx context.Context, tx pgx.Tx, ev *domain.NormalizedEvent) ([]string, error) {
	g := ev.Geo()
	if g == nil {
		// A geo.* event without a usable point still counts as activity.
		return nil, postgres.TouchCustomer(ctx, tx, ev)
	}

	dims, err := geo.ComputeDims(g)
	if err != nil {
		return nil, err
	}
	hour := geo.HourBucket(ev.OccurredAt)

	written, err := h.ensureCells(ctx, tx, dims)
	if err != nil {
		return nil, err
	}

	placeID, err := postgres.LookupPlace(ctx, tx, dims.Lat, dims.Lon, ev.OccurredAt)
	if err != nil {
		return nil, err
	}
	admin, err := postgres.LookupAdmin(ctx, tx, dims.Lat, dims.Lon, ev.OccurredAt)
	if err != nil {
		return nil, err
	}
	if dims.Precision == geo.PrecisionCoarse {
		// A >200m fix cannot place a user at sector granularity.
		admin.Municipality = nil
		admin.Sector = nil
	}

	row := postgres.PresenceRow{
		AppUUID:           ev.AppUUID,
		HourBucket:        hour,
		AnonUserID:        ev.AnonUserID,
		DeviceIDHash:      ev.DeviceIDHash,
		H3R7:              &dims.H3R7,
		H3R9:              &dims.H3R9,
		H3R11:             &dims.H3R11,
		PlaceID:           placeID,
		AdminCountry:      admin.Country,
		AdminProvince:     admin.Province,
		AdminMunicipality: admin.Municipality,
		AdminSector:       admin.Sector,
		AccuracyM:         dims.AccuracyM,
		Precision:         dims.Precision,
		EventTS:           ev.OccurredAt,
	}

	newDevice, beforeDev, afterDev, err := postgres.UpsertDevicePresence(ctx, tx, row)
	if err != nil {
		return nil, err
	}
	newUser, beforeUser, afterUser, err := postgres.UpsertUserPresence(ctx, tx, row)
	if err != nil {
		return nil, err
	}

	if err := postgres.RefreshAggregates(ctx, tx, ev.AppUUID, hour,
		beforeDev, afterDev, beforeUser, afterUser); err != nil {
		return nil, err
	}

	if newDevice || newUser {
		h.log.Debug().
			Str("event_id", ev.EventID).
			Str("h3_r9", dims.H3R9).
			Bool("new_device_hour", newDevice).
			Bool("new_user_hour", newUser).
			Msg("presence materialized")
	}

	// The snapshot takes this event's own dimensions; its recency gate
	// keeps the latest event's view regardless of processing order.
	return written, postgres.ApplyGeoToCustomer(ctx, tx, ev, row.Dims())
}

// ensureCells lazily materializes the three cell geometries, skipping cells
// this process already wrote. It only writes; the caller marks the returned
// cells seen after the surrounding transaction commits, so a rollback never
// leaves the cache claiming cells the table does not hold.
func (h *Handler) ensureCells(ctx context.Context, tx pgx.Tx, dims *geo.Dims) ([]string, error) {
	missing := h.cells.unseen(dims.H3R7, dims.H3R9, dims.H3R11)
	if len(missing) == 0 {
		return nil, nil
	}
	geoms := make([]*geo.CellGeometry, 0, len(missing))
	for _, cell := range missing {
		cg, err := geo.CellGeometryFor(cell)
		if err != nil {
			return nil, err
		}
		geoms = append(geoms, cg)
	}
	if err := postgres.EnsureH3Cells(ctx, tx, geoms); err != nil {
		return nil, err
	}
	return missing, nil
}

func (h *Handler) materializeLicense(ctx context.Context, tx pgx.Tx, ev *domain.NormalizedEvent) error {
	up := postgres.LicenseUpdate{
		AppUUID:      ev.AppUUID,
		AnonUserID:   ev.AnonUserID,
		DeviceIDHash: &ev.DeviceIDHash,
		PlanType:     payloadString(ev.Payload, "unknown", "plan_type"),
		Status:       payloadString(ev.Payload, "unknown", "license_status", "status"),
		StartedAt:    payloadTime(ev.Payload, "started_at"),
		RenewedAt:    payloadTime(ev.Payload, "renewed_at"),
		ExpiresAt:    payloadTime(ev.Payload, "expires_at"),
		EventTS:      ev.OccurredAt,
	}

	applied, err := postgres.UpsertLicenseState(ctx, tx, up)
	if err != nil {
		return err
	}
	if !applied {
		h.log.Debug().
			Str("event_id", ev.EventID).
			Time("event_ts", up.EventTS).
			Msg("stale license event, state unchanged")
	}
	return postgres.ApplyLicenseToCustomer(ctx, tx, up, applied)
}

func payloadString(payload map[string]any, def string, keys ...string) string {
	for _, k := range keys {
		if s, ok := payload[k].(string); ok && s != "" {
			return s
		}
	}
	return def
}

// payloadTime parses an optional timestamp; anything unparseable is NULL
// rather than an error.
func payloadTime(payload map[string]any, key string) *time.Time {
	s, ok := payload[key].(string)
	if !ok || s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}

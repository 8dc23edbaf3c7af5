package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnvelopeError marks an event document that fails envelope validation.
// Ingest reports it per item; the processor treats it as permanent.
type EnvelopeError struct {
	Code    string
	Message string
}

func (e *EnvelopeError) Error() string { return e.Message }

func envelopeErr(code, format string, args ...any) *EnvelopeError {
	return &EnvelopeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// GeoContext is the optional context.geo block of an envelope.
type GeoContext struct {
	Lat       float64
	Lon       float64
	AccuracyM *float64
	Source    string
}

// NormalizedEvent is the single internal event record produced from either
// the strict or the lax envelope. Everything downstream of validation
// (routing, staging, materialization) consumes this.
type NormalizedEvent struct {
	EventID      string
	TraceID      string
	Producer     string
	Actor        string
	AppUUID      string
	EventName    string
	OccurredAt   time.Time
	AnonUserID   string
	DeviceIDHash string
	SessionID    string
	SDKVersion   string
	EventVersion string
	Payload      map[string]any
	Context      map[string]any
}

// Geo extracts the context.geo block, if present and well-formed.
func (e *NormalizedEvent) Geo() *GeoContext {
	raw, ok := e.Context["geo"].(map[string]any)
	if !ok {
		return nil
	}
	lat, okLat := asFloat(raw["lat"])
	lon, okLon := asFloat(raw["lon"])
	if !okLat || !okLon {
		return nil
	}
	g := &GeoContext{Lat: lat, Lon: lon}
	if acc, ok := asFloat(raw["accuracy_m"]); ok {
		g.AccuracyM = &acc
	}
	if s, ok := raw["source"].(string); ok {
		g.Source = s
	}
	return g
}

// Anonymized identifiers must stay opaque: bounded length, no free text.
var anonIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{8,128}$`)

// ParseEnvelope validates and normalizes one event document.
//
// strict mode requires the full envelope (event_id/trace_id as UUIDs,
// event_name, occurred_at, producer, actor). Lax mode accepts the legacy
// aliases event_type/timestamp, generates missing ids and defaults
// producer/actor.
func ParseEnvelope(doc map[string]any, strict bool) (*NormalizedEvent, error) {
	if doc == nil {
		return nil, envelopeErr("validation", "document must be an object")
	}

	// Alias normalization: event_type <-> event_name, timestamp <-> occurred_at.
	name := firstString(doc, "event_name", "event_type")
	ts := firstString(doc, "occurred_at", "timestamp")

	if strict {
		for _, k := range []string{"event_name", "occurred_at", "event_id", "trace_id", "producer", "actor"} {
			if isMissing(doc[k]) {
				return nil, envelopeErr("validation", "missing required envelope field: %s", k)
			}
		}
	}

	if name == "" {
		return nil, envelopeErr("validation", "missing event_name")
	}
	if ts == "" {
		return nil, envelopeErr("validation", "missing occurred_at")
	}

	occurredAt, err := parseTimestamp(ts)
	if err != nil {
		return nil, envelopeErr("validation", "invalid occurred_at: %v", err)
	}

	appUUID, ok := doc["app_uuid"].(string)
	if !ok || appUUID == "" {
		return nil, envelopeErr("validation", "missing app_uuid")
	}
	if _, err := uuid.Parse(appUUID); err != nil {
		return nil, envelopeErr("validation", "invalid app_uuid")
	}

	var eventID, traceID string
	if strict {
		if eventID, err = coerceUUID(doc["event_id"]); err != nil {
			return nil, envelopeErr("validation", "invalid event_id")
		}
		if traceID, err = coerceUUID(doc["trace_id"]); err != nil {
			return nil, envelopeErr("validation", "invalid trace_id")
		}
	} else {
		if eventID, err = coerceUUIDOrNew(doc["event_id"]); err != nil {
			return nil, envelopeErr("validation", "invalid event_id")
		}
		if traceID, err = coerceUUIDOrNew(doc["trace_id"]); err != nil {
			return nil, envelopeErr("validation", "invalid trace_id")
		}
	}

	producer := stringOr(doc["producer"], "")
	actor := stringOr(doc["actor"], "")
	if strict {
		if strings.TrimSpace(producer) == "" {
			return nil, envelopeErr("validation", "missing producer")
		}
		if strings.TrimSpace(actor) == "" {
			return nil, envelopeErr("validation", "missing actor")
		}
	} else {
		if producer == "" {
			producer = "unknown"
		}
		if actor == "" {
			actor = "anonymous"
		}
	}

	ev := &NormalizedEvent{
		EventID:    eventID,
		TraceID:    traceID,
		Producer:   producer,
		Actor:      actor,
		AppUUID:    appUUID,
		EventName:  name,
		OccurredAt: occurredAt,
	}

	for _, f := range []struct {
		key string
		dst *string
	}{
		{"anon_user_id", &ev.AnonUserID},
		{"device_id_hash", &ev.DeviceIDHash},
		{"session_id", &ev.SessionID},
	} {
		v, ok := doc[f.key].(string)
		if !ok || v == "" {
			return nil, envelopeErr("validation", "missing %s", f.key)
		}
		if !anonIDPattern.MatchString(v) {
			return nil, envelopeErr("validation", "%s must match %s", f.key, anonIDPattern.String())
		}
		*f.dst = v
	}

	ev.SDKVersion = stringOr(doc["sdk_version"], "")
	if ev.SDKVersion == "" {
		return nil, envelopeErr("validation", "missing sdk_version")
	}
	ev.EventVersion = stringOr(doc["event_version"], "")
	if ev.EventVersion == "" {
		return nil, envelopeErr("validation", "missing event_version")
	}

	payload, ok := doc["payload"].(map[string]any)
	if !ok {
		return nil, envelopeErr("validation", "payload must be object")
	}
	ctx, ok := doc["context"].(map[string]any)
	if !ok {
		return nil, envelopeErr("validation", "context must be object")
	}
	ev.Payload = payload
	ev.Context = ctx

	return ev, nil
}

// StagedPayload merges the normalized envelope keys back over the original
// document, so every consumer sees a complete envelope regardless of which
// aliases the producer used.
func (e *NormalizedEvent) StagedPayload(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc)+6)
	for k, v := range doc {
		out[k] = v
	}
	out["event_id"] = e.EventID
	out["trace_id"] = e.TraceID
	out["producer"] = e.Producer
	out["actor"] = e.Actor
	out["occurred_at"] = e.OccurredAt.UTC().Format(time.RFC3339Nano)
	out["event_name"] = e.EventName
	return out
}

func parseTimestamp(s string) (time.Time, error) {
	// Naive timestamps are treated as UTC.
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("not an ISO-8601 timestamp: %q", s)
}

func coerceUUID(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("uuid must be a string")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func coerceUUIDOrNew(v any) (string, error) {
	if isMissing(v) {
		return uuid.NewString(), nil
	}
	return coerceUUID(v)
}

func isMissing(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func firstString(doc map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := doc[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

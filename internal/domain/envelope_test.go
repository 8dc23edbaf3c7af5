package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDoc() map[string]any {
	return map[string]any{
		"event_id":       "5f1e2ad7-2f6a-4c3e-9a51-8a1f0c9d2b11",
		"trace_id":       "9b0c7d52-6a52-4f51-8a0e-3a7b1c2d3e44",
		"producer":       "sdk-android",
		"actor":          "device",
		"app_uuid":       "b2a1c4f0-1234-4abc-9def-0123456789ab",
		"event_name":     "geo.ping",
		"occurred_at":    "2026-01-25T10:05:00Z",
		"anon_user_id":   "u_demo_0001",
		"device_id_hash": "d_demo_0001",
		"session_id":     "s_demo_0001",
		"sdk_version":    "2.4.1",
		"event_version":  "1",
		"payload":        map[string]any{},
		"context": map[string]any{
			"geo": map[string]any{"lat": 18.4861, "lon": -69.9312, "accuracy_m": 20.0, "source": "gps"},
		},
	}
}

func TestParseEnvelopeStrict(t *testing.T) {
	ev, err := ParseEnvelope(validDoc(), true)
	require.NoError(t, err)

	assert.Equal(t, "geo.ping", ev.EventName)
	assert.Equal(t, "sdk-android", ev.Producer)
	assert.Equal(t, "u_demo_0001", ev.AnonUserID)
	assert.Equal(t, time.Date(2026, 1, 25, 10, 5, 0, 0, time.UTC), ev.OccurredAt)

	g := ev.Geo()
	require.NotNil(t, g)
	assert.InDelta(t, 18.4861, g.Lat, 1e-9)
	assert.InDelta(t, -69.9312, g.Lon, 1e-9)
	require.NotNil(t, g.AccuracyM)
	assert.InDelta(t, 20.0, *g.AccuracyM, 1e-9)
	assert.Equal(t, "gps", g.Source)
}

func TestParseEnvelopeStrictRejectsMissingFields(t *testing.T) {
	for _, field := range []string{"event_id", "trace_id", "producer", "actor", "event_name", "occurred_at"} {
		doc := validDoc()
		delete(doc, field)
		_, err := ParseEnvelope(doc, true)
		require.Error(t, err, "field %s", field)

		var envErr *EnvelopeError
		require.ErrorAs(t, err, &envErr)
		assert.Equal(t, "validation", envErr.Code)
	}
}

func TestParseEnvelopeLaxAliases(t *testing.T) {
	doc := validDoc()
	delete(doc, "event_name")
	delete(doc, "occurred_at")
	doc["event_type"] = "session.start"
	doc["timestamp"] = "2026-01-25T10:05:00Z"

	ev, err := ParseEnvelope(doc, false)
	require.NoError(t, err)
	assert.Equal(t, "session.start", ev.EventName)
	assert.Equal(t, time.Date(2026, 1, 25, 10, 5, 0, 0, time.UTC), ev.OccurredAt)
}

func TestParseEnvelopeLaxDefaults(t *testing.T) {
	doc := validDoc()
	delete(doc, "event_id")
	delete(doc, "trace_id")
	delete(doc, "producer")
	delete(doc, "actor")

	ev, err := ParseEnvelope(doc, false)
	require.NoError(t, err)

	assert.Equal(t, "unknown", ev.Producer)
	assert.Equal(t, "anonymous", ev.Actor)
	_, err = uuid.Parse(ev.EventID)
	assert.NoError(t, err, "missing event_id is minted")
	_, err = uuid.Parse(ev.TraceID)
	assert.NoError(t, err, "missing trace_id is minted")
}

func TestParseEnvelopeNaiveTimestampIsUTC(t *testing.T) {
	doc := validDoc()
	doc["occurred_at"] = "2026-01-25T10:05:00.123456"

	ev, err := ParseEnvelope(doc, false)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, ev.OccurredAt.Location())
	assert.Equal(t, 10, ev.OccurredAt.Hour())
}

func TestParseEnvelopeAnonIDPattern(t *testing.T) {
	cases := map[string]bool{
		"u_demo_0001":     true,
		"short":           false, // under 8 chars
		"has spaces here": false,
		"a:b.c-d_e123":    true,
	}
	for id, ok := range cases {
		doc := validDoc()
		doc["anon_user_id"] = id
		_, err := ParseEnvelope(doc, false)
		if ok {
			assert.NoError(t, err, id)
		} else {
			assert.Error(t, err, id)
		}
	}
}

func TestParseEnvelopeRejectsBadUUIDs(t *testing.T) {
	doc := validDoc()
	doc["app_uuid"] = "not-a-uuid"
	_, err := ParseEnvelope(doc, false)
	require.Error(t, err)

	doc = validDoc()
	doc["event_id"] = "not-a-uuid"
	_, err = ParseEnvelope(doc, false)
	require.Error(t, err, "present but invalid ids are rejected even in lax mode")
}

func TestStagedPayloadMergesNormalizedKeys(t *testing.T) {
	doc := validDoc()
	delete(doc, "event_name")
	doc["event_type"] = "ui.tap"
	doc["custom"] = "kept"

	ev, err := ParseEnvelope(doc, false)
	require.NoError(t, err)

	staged := ev.StagedPayload(doc)
	assert.Equal(t, "ui.tap", staged["event_name"], "alias resolved into canonical key")
	assert.Equal(t, "ui.tap", staged["event_type"], "original key untouched")
	assert.Equal(t, "kept", staged["custom"])
	assert.Equal(t, ev.EventID, staged["event_id"])
	assert.Equal(t, "2026-01-25T10:05:00Z", staged["occurred_at"])
}

func TestGeoMissingOrMalformed(t *testing.T) {
	doc := validDoc()
	doc["context"] = map[string]any{}
	ev, err := ParseEnvelope(doc, false)
	require.NoError(t, err)
	assert.Nil(t, ev.Geo())

	doc = validDoc()
	doc["context"] = map[string]any{"geo": map[string]any{"lat": "18.4"}}
	ev, err = ParseEnvelope(doc, false)
	require.NoError(t, err)
	assert.Nil(t, ev.Geo(), "non-numeric coordinates are ignored")
}

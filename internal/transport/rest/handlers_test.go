package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/smartbuket/sb-analytics/internal/config"
	"github.com/smartbuket/sb-analytics/internal/infrastructure/postgres"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) InsertBatch(ctx context.Context, items []postgres.IngestItem) ([]postgres.IngestResult, error) {
	args := m.Called(items)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]postgres.IngestResult), args.Error(1)
}

func (m *mockStore) IsOptedOut(ctx context.Context, appUUID, anonUserID string) (bool, error) {
	args := m.Called(appUUID, anonUserID)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) OptOut(ctx context.Context, appUUID, anonUserID string) error {
	return m.Called(appUUID, anonUserID).Error(0)
}

func (m *mockStore) PrivacyDelete(ctx context.Context, appUUID, anonUserID string, deleteOptOut bool) (map[string]int64, error) {
	args := m.Called(appUUID, anonUserID, deleteOptOut)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int64), args.Error(1)
}

func testConfig() *config.Config {
	return &config.Config{
		AuthMode:     config.AuthOpen,
		TraceHeader:  "X-Request-Id",
		TopicRaw:     "sb.events.raw",
		TopicGeo:     "sb.events.geo",
		TopicLicense: "sb.events.license",
		TopicSession: "sb.events.session",
		TopicScreen:  "sb.events.screen",
		TopicUI:      "sb.events.ui",
		TopicSystem:  "sb.events.system",
		TopicDLQ:     "sb.events.dlq",
	}
}

func newServer(t *testing.T, store *mockStore, cfg *config.Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(NewHandlers(store, nil, cfg), cfg))
	t.Cleanup(srv.Close)
	return srv
}

func validEvent() map[string]any {
	return map[string]any{
		"app_uuid":       "b2a1c4f0-1234-4abc-9def-0123456789ab",
		"event_id":       "5f1e2ad7-2f6a-4c3e-9a51-8a1f0c9d2b11",
		"event_name":     "geo.ping",
		"occurred_at":    "2026-01-25T10:05:00Z",
		"anon_user_id":   "u_demo_0001",
		"device_id_hash": "d_demo_0001",
		"session_id":     "s_demo_0001",
		"sdk_version":    "2.4.1",
		"event_version":  "1",
		"payload":        map[string]any{},
		"context":        map[string]any{},
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeData(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wrapper))
	require.NoError(t, json.Unmarshal(wrapper.Data, into))
}

func TestPostEventsRejectsNonArrayBody(t *testing.T) {
	store := &mockStore{}
	srv := newServer(t, store, testConfig())

	resp, err := http.Post(srv.URL+"/v1/events", "application/json", bytes.NewReader([]byte(`{"not":"array"}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostEventsMixedBatch(t *testing.T) {
	store := &mockStore{}
	store.On("IsOptedOut", mock.Anything, mock.Anything).Return(false, nil)
	store.On("InsertBatch", mock.MatchedBy(func(items []postgres.IngestItem) bool {
		return len(items) == 1 &&
			items[0].Event.EventName == "geo.ping" &&
			len(items[0].RoutingKeys) == 2
	})).Return([]postgres.IngestResult{{Deduped: false}}, nil)
	srv := newServer(t, store, testConfig())

	resp := postJSON(t, srv.URL+"/v1/events", []any{
		validEvent(),
		map[string]any{"event_name": "broken"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out eventsResponse
	decodeData(t, resp, &out)
	assert.Equal(t, 1, out.Accepted)
	assert.Equal(t, []bool{false, false}, out.Deduped)
	require.Len(t, out.Rejected, 1)
	assert.Equal(t, 1, out.Rejected[0].Index)
	assert.Equal(t, "validation", out.Rejected[0].Code)
	store.AssertExpectations(t)
}

func TestPostEventsReportsDedupe(t *testing.T) {
	store := &mockStore{}
	store.On("IsOptedOut", mock.Anything, mock.Anything).Return(false, nil)
	store.On("InsertBatch", mock.Anything).Return([]postgres.IngestResult{{Deduped: true}}, nil)
	srv := newServer(t, store, testConfig())

	resp := postJSON(t, srv.URL+"/v1/events", []any{validEvent()})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out eventsResponse
	decodeData(t, resp, &out)
	assert.Equal(t, 1, out.Accepted, "a resubmitted event is still accepted")
	assert.Equal(t, []bool{true}, out.Deduped)
	assert.Empty(t, out.Rejected)
}

func TestPostEventsOptedOutRejected(t *testing.T) {
	store := &mockStore{}
	store.On("IsOptedOut", "b2a1c4f0-1234-4abc-9def-0123456789ab", "u_demo_0001").Return(true, nil)
	srv := newServer(t, store, testConfig())

	resp := postJSON(t, srv.URL+"/v1/events", []any{validEvent()})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out eventsResponse
	decodeData(t, resp, &out)
	assert.Equal(t, 0, out.Accepted)
	require.Len(t, out.Rejected, 1)
	assert.Equal(t, "opted_out", out.Rejected[0].Code)
	store.AssertNotCalled(t, "InsertBatch", mock.Anything)
}

func TestPostEventsStrictAllFail(t *testing.T) {
	cfg := testConfig()
	cfg.StrictEnvelope = true
	store := &mockStore{}
	srv := newServer(t, store, cfg)

	resp := postJSON(t, srv.URL+"/v1/events", []any{
		map[string]any{"event_name": "x"},
		map[string]any{"event_type": "y"},
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	store.AssertNotCalled(t, "InsertBatch", mock.Anything)
}

func TestPostEventsStorageFailure(t *testing.T) {
	store := &mockStore{}
	store.On("IsOptedOut", mock.Anything, mock.Anything).Return(false, nil)
	store.On("InsertBatch", mock.Anything).Return(nil, errors.New("connection refused"))
	srv := newServer(t, store, testConfig())

	resp := postJSON(t, srv.URL+"/v1/events", []any{validEvent()})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestPostOptOut(t *testing.T) {
	store := &mockStore{}
	store.On("OptOut", "b2a1c4f0-1234-4abc-9def-0123456789ab", "u_demo_0001").Return(nil)
	srv := newServer(t, store, testConfig())

	resp := postJSON(t, srv.URL+"/v1/opt-out", map[string]string{
		"app_uuid":     "b2a1c4f0-1234-4abc-9def-0123456789ab",
		"anon_user_id": "u_demo_0001",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	store.AssertExpectations(t)

	resp = postJSON(t, srv.URL+"/v1/opt-out", map[string]string{"app_uuid": "only"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestPostPrivacyDelete(t *testing.T) {
	store := &mockStore{}
	store.On("PrivacyDelete", "b2a1c4f0-1234-4abc-9def-0123456789ab", "u_demo_0001", true).
		Return(map[string]int64{"raw_events": 3, "customer_360": 1}, nil)
	srv := newServer(t, store, testConfig())

	resp := postJSON(t, srv.URL+"/v1/privacy/delete", map[string]any{
		"app_uuid":       "b2a1c4f0-1234-4abc-9def-0123456789ab",
		"anon_user_id":   "u_demo_0001",
		"delete_opt_out": true,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Deleted map[string]int64 `json:"deleted"`
	}
	decodeData(t, resp, &out)
	assert.Equal(t, int64(3), out.Deleted["raw_events"])
	assert.Equal(t, int64(1), out.Deleted["customer_360"])
}

func TestHealth(t *testing.T) {
	srv := newServer(t, &mockStore{}, testConfig())

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestAPIKeyAuth(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthAPIKey
	cfg.APIKey = "sekret"
	store := &mockStore{}
	store.On("OptOut", mock.Anything, mock.Anything).Return(nil)
	srv := newServer(t, store, cfg)

	body := map[string]string{
		"app_uuid":     "b2a1c4f0-1234-4abc-9def-0123456789ab",
		"anon_user_id": "u_demo_0001",
	}
	raw, _ := json.Marshal(body)

	resp, err := http.Post(srv.URL+"/v1/opt-out", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/opt-out", bytes.NewReader(raw))
	req.Header.Set("X-API-Key", "sekret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Health stays open for probes.
	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestRequestIDEchoed(t *testing.T) {
	srv := newServer(t, &mockStore{}, testConfig())

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set("X-Request-Id", "trace-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "trace-123", resp.Header.Get("X-Request-Id"))
}

package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/smartbuket/sb-analytics/internal/config"
	"github.com/smartbuket/sb-analytics/internal/infrastructure/rabbitmq"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) ProcessOnce(ctx context.Context, consumer, appUUID, eventID string, fn func(pgx.Tx) error) (bool, error) {
	args := m.Called(consumer, appUUID, eventID)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) IsOptedOut(ctx context.Context, appUUID, anonUserID string) (bool, error) {
	args := m.Called(appUUID, anonUserID)
	return args.Bool(0), args.Error(1)
}

type fakeMsg struct {
	key     string
	body    []byte
	headers amqp.Table
}

type fakePub struct {
	mu        sync.Mutex
	err       error
	published []fakeMsg
}

func (f *fakePub) Publish(ctx context.Context, key string, body []byte, headers amqp.Table) error {
	return f.record(key, body, headers)
}

func (f *fakePub) PublishMessage(ctx context.Context, key string, msg amqp.Publishing) error {
	return f.record(key, msg.Body, msg.Headers)
}

func (f *fakePub) record(key string, body []byte, headers amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, fakeMsg{key: key, body: body, headers: headers})
	return nil
}

func (f *fakePub) last(t *testing.T) fakeMsg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.published)
	return f.published[len(f.published)-1]
}

func testConfig() *config.Config {
	return &config.Config{
		ProcessorGroupID:    "sb-processor",
		ProcessorMaxRetries: 2,
		ProcessorRetryBase:  time.Millisecond,
		ProcessorRetryMax:   5 * time.Millisecond,
		TopicRaw:            "sb.events.raw",
		TopicGeo:            "sb.events.geo",
		TopicLicense:        "sb.events.license",
		TopicSession:        "sb.events.session",
		TopicScreen:         "sb.events.screen",
		TopicUI:             "sb.events.ui",
		TopicSystem:         "sb.events.system",
		TopicDLQ:            "sb.events.dlq",
	}
}

func newTestHandler(store *mockStore, pub *fakePub) *Handler {
	h := NewHandler(store, pub, nil, testConfig())
	h.sleep = func(context.Context, time.Duration) {}
	return h
}

func eventBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
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
	})
	require.NoError(t, err)
	return body
}

func dlqReason(t *testing.T, msg fakeMsg) rabbitmq.DLQReason {
	t.Helper()
	var env rabbitmq.DLQEnvelope
	require.NoError(t, json.Unmarshal(msg.body, &env))
	return env.Reason
}

func TestHandleGarbageBodyDeadLetters(t *testing.T) {
	store := &mockStore{}
	pub := &fakePub{}
	h := newTestHandler(store, pub)

	out := h.Handle(context.Background(), "sb.events.geo.q", amqp.Delivery{
		Body:       []byte("{not json"),
		RoutingKey: "sb.events.geo",
	})

	assert.Equal(t, Ack, out)
	msg := pub.last(t)
	assert.Equal(t, "sb.events.dlq", msg.key)
	assert.Equal(t, rabbitmq.ReasonJSONDecode, dlqReason(t, msg))
	store.AssertNotCalled(t, "ProcessOnce", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleNonObjectDeadLetters(t *testing.T) {
	store := &mockStore{}
	pub := &fakePub{}
	h := newTestHandler(store, pub)

	out := h.Handle(context.Background(), "sb.events.raw.q", amqp.Delivery{
		Body:       []byte(`[1,2,3]`),
		RoutingKey: "sb.events.raw",
	})

	assert.Equal(t, Ack, out)
	assert.Equal(t, rabbitmq.ReasonInvalidDocumentType, dlqReason(t, pub.last(t)))
}

func TestHandleEnvelopeFailureDeadLetters(t *testing.T) {
	store := &mockStore{}
	pub := &fakePub{}
	h := newTestHandler(store, pub)

	out := h.Handle(context.Background(), "sb.events.raw.q", amqp.Delivery{
		Body:       []byte(`{"event_name":"x"}`),
		RoutingKey: "sb.events.raw",
	})

	assert.Equal(t, Ack, out)
	assert.Equal(t, rabbitmq.ReasonMinimalEvent, dlqReason(t, pub.last(t)))
}

func TestHandleOptedOutSkips(t *testing.T) {
	store := &mockStore{}
	store.On("IsOptedOut", "b2a1c4f0-1234-4abc-9def-0123456789ab", "u_demo_0001").Return(true, nil)
	pub := &fakePub{}
	h := newTestHandler(store, pub)

	out := h.Handle(context.Background(), "sb.events.geo.q", amqp.Delivery{
		Body:       eventBody(t),
		RoutingKey: "sb.events.geo",
	})

	assert.Equal(t, Ack, out)
	assert.Empty(t, pub.published)
	store.AssertNotCalled(t, "ProcessOnce", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleFreshEventProcesses(t *testing.T) {
	store := &mockStore{}
	store.On("IsOptedOut", mock.Anything, mock.Anything).Return(false, nil)
	store.On("ProcessOnce", "sb-processor:geo", "b2a1c4f0-1234-4abc-9def-0123456789ab",
		"5f1e2ad7-2f6a-4c3e-9a51-8a1f0c9d2b11").Return(true, nil)
	pub := &fakePub{}
	h := newTestHandler(store, pub)

	out := h.Handle(context.Background(), "sb.events.geo.q", amqp.Delivery{
		Body:       eventBody(t),
		RoutingKey: "sb.events.geo",
	})

	assert.Equal(t, Ack, out)
	assert.Empty(t, pub.published)
	store.AssertExpectations(t)
}

func TestHandleDuplicateAcksWithoutEffects(t *testing.T) {
	store := &mockStore{}
	store.On("IsOptedOut", mock.Anything, mock.Anything).Return(false, nil)
	store.On("ProcessOnce", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)
	pub := &fakePub{}
	h := newTestHandler(store, pub)

	out := h.Handle(context.Background(), "sb.events.geo.q", amqp.Delivery{
		Body:       eventBody(t),
		RoutingKey: "sb.events.geo",
	})

	assert.Equal(t, Ack, out)
	assert.Empty(t, pub.published)
}

func TestHandleTransientFailureRepublishes(t *testing.T) {
	store := &mockStore{}
	store.On("IsOptedOut", mock.Anything, mock.Anything).Return(false, nil)
	store.On("ProcessOnce", mock.Anything, mock.Anything, mock.Anything).
		Return(false, &pgconn.PgError{Code: "40001"})
	pub := &fakePub{}
	h := newTestHandler(store, pub)

	out := h.Handle(context.Background(), "sb.events.geo.q", amqp.Delivery{
		Body:       eventBody(t),
		RoutingKey: "sb.events.geo",
	})

	assert.Equal(t, Ack, out)
	msg := pub.last(t)
	assert.Equal(t, "sb.events.geo", msg.key, "republished on the original routing key")
	assert.Equal(t, int32(1), msg.headers["sb_retry"])
	assert.NotEmpty(t, msg.headers["sb_retry_at"])
}

func TestHandleTransientRetryBudgetExhausted(t *testing.T) {
	store := &mockStore{}
	store.On("IsOptedOut", mock.Anything, mock.Anything).Return(false, nil)
	store.On("ProcessOnce", mock.Anything, mock.Anything, mock.Anything).
		Return(false, syscall.ECONNREFUSED)
	pub := &fakePub{}
	h := newTestHandler(store, pub)

	out := h.Handle(context.Background(), "sb.events.geo.q", amqp.Delivery{
		Body:       eventBody(t),
		RoutingKey: "sb.events.geo",
		Headers:    amqp.Table{"sb_retry": int32(2)}, // cap is 2
	})

	assert.Equal(t, Ack, out)
	msg := pub.last(t)
	assert.Equal(t, "sb.events.dlq", msg.key)
	assert.Equal(t, rabbitmq.ReasonPermanentBusiness, dlqReason(t, msg))
}

func TestHandlePermanentFailureDeadLetters(t *testing.T) {
	store := &mockStore{}
	store.On("IsOptedOut", mock.Anything, mock.Anything).Return(false, nil)
	store.On("ProcessOnce", mock.Anything, mock.Anything, mock.Anything).
		Return(false, &pgconn.PgError{Code: "23514"}) // check_violation
	pub := &fakePub{}
	h := newTestHandler(store, pub)

	out := h.Handle(context.Background(), "sb.events.license.q", amqp.Delivery{
		Body:       eventBody(t),
		RoutingKey: "sb.events.license",
	})

	assert.Equal(t, Ack, out)
	assert.Equal(t, rabbitmq.ReasonPermanentBusiness, dlqReason(t, pub.last(t)))
}

func TestHandleDLQPublishFailureRequeues(t *testing.T) {
	store := &mockStore{}
	pub := &fakePub{err: errors.New("broker gone")}
	h := newTestHandler(store, pub)

	out := h.Handle(context.Background(), "sb.events.raw.q", amqp.Delivery{
		Body:       []byte("{not json"),
		RoutingKey: "sb.events.raw",
	})

	assert.Equal(t, NackRequeue, out, "undeliverable DLQ must not drop the message")
}

func TestHandleOptOutLookupFailureFailsOpen(t *testing.T) {
	store := &mockStore{}
	store.On("IsOptedOut", mock.Anything, mock.Anything).Return(false, errors.New("db down"))
	store.On("ProcessOnce", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	pub := &fakePub{}
	h := newTestHandler(store, pub)

	out := h.Handle(context.Background(), "sb.events.raw.q", amqp.Delivery{
		Body:       eventBody(t),
		RoutingKey: "sb.events.raw",
	})

	assert.Equal(t, Ack, out)
	store.AssertCalled(t, "ProcessOnce", "sb-processor:raw", mock.Anything, mock.Anything)
}

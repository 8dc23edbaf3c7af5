package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, AuthOpen, cfg.AuthMode)
	assert.False(t, cfg.StrictEnvelope)
	assert.Equal(t, "sb.events", cfg.RabbitExchange)
	assert.Equal(t, "sb.events.geo", cfg.TopicGeo)
	assert.Equal(t, 5, cfg.ProcessorMaxRetries)
	assert.Equal(t, 50, cfg.OutboxBatchSize)
	assert.Equal(t, 5*time.Minute, cfg.OutboxLeaseTimeout)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, "X-Request-Id", cfg.TraceHeader)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("SB_STRICT_ENVELOPE", "true")
	t.Setenv("SB_PROCESSOR_RETRY_BASE", "2s")
	t.Setenv("SB_TOPIC_GEO", "custom.geo")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Port)
	assert.True(t, cfg.StrictEnvelope)
	assert.Equal(t, 2*time.Second, cfg.ProcessorRetryBase)
	assert.Equal(t, "custom.geo", cfg.TopicGeo)
	assert.Equal(t, "custom.geo", cfg.Topics().Geo)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("SB_METRICS_ENABLED", "sometimes")
	_, err := Load()
	assert.ErrorContains(t, err, "SB_METRICS_ENABLED")

	t.Setenv("SB_METRICS_ENABLED", "true")
	t.Setenv("PORT", "eighty")
	_, err = Load()
	assert.ErrorContains(t, err, "PORT")

	t.Setenv("PORT", "8080")
	t.Setenv("SB_OUTBOX_POLL_INTERVAL", "fast")
	_, err = Load()
	assert.ErrorContains(t, err, "SB_OUTBOX_POLL_INTERVAL")
}

func TestLoadRejectsBadAuthMode(t *testing.T) {
	t.Setenv("SB_AUTH_MODE", "oauth")
	_, err := Load()
	assert.Error(t, err)
}

func TestAPIKeyModeRequiresKey(t *testing.T) {
	t.Setenv("SB_AUTH_MODE", "api_key")
	t.Setenv("SB_API_KEY", "")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("SB_API_KEY", "secret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, AuthAPIKey, cfg.AuthMode)
}

func TestTopicsRoutingTable(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	topics := cfg.Topics()
	assert.Equal(t, cfg.TopicRaw, topics.Raw)
	assert.Equal(t, cfg.TopicDLQ, topics.DLQ)
	assert.Len(t, cfg.RoutingKeys(), 6)
}

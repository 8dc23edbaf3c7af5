package rabbitmq

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/smartbuket/sb-analytics/internal/domain"
)

// A missing confirm leaves the channel's confirm stream out of step with
// our publishes, so the publisher kills the channel and the error must be
// retryable: the owner reconnects and the outbox row stays pending instead
// of being parked or, worse, marked sent off a stale confirm.
func TestConfirmTimeoutClassifiesTransient(t *testing.T) {
	assert.True(t, domain.Classify(ErrConfirmTimeout).Transient())
	assert.True(t, errors.Is(ErrConfirmTimeout, context.DeadlineExceeded))

	// Broker verdicts are final for this delivery attempt.
	assert.False(t, domain.Classify(ErrPublishNacked).Transient())
	assert.False(t, domain.Classify(ErrUnroutable).Transient())
}

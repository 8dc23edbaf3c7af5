// Package retry computes capped exponential backoff with jitter. Shared by
// the outbox publisher (persisted next_attempt_at) and the processor
// (in-process sleep before republish).
package retry

import (
	"math/rand"
	"time"
)

// Backoff returns base * 2^attempt, capped at max, with ±20% jitter so
// synchronized failures do not retry in lockstep. attempt is zero-based.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if max <= 0 {
		max = 30 * time.Second
	}

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}

	// jitter in [-20%, +20%]
	jitter := time.Duration(rand.Int63n(int64(d)/5*2+1)) - d/5
	d += jitter
	if d < 0 {
		d = base
	}
	if d > max {
		d = max
	}
	return d
}

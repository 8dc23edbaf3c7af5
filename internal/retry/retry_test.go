package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffBounds(t *testing.T) {
	base := 500 * time.Millisecond
	cap := 10 * time.Second

	for attempt := 0; attempt < 20; attempt++ {
		for i := 0; i < 50; i++ {
			d := Backoff(attempt, base, cap)
			assert.Greater(t, d, time.Duration(0), "attempt %d", attempt)
			assert.LessOrEqual(t, d, cap, "attempt %d", attempt)
		}
	}
}

func TestBackoffGrows(t *testing.T) {
	base := 100 * time.Millisecond
	cap := time.Hour // no clamping in play

	// With ±20% jitter the worst-case attempt n is 1.2*base*2^n, the
	// best-case attempt n+2 is 0.8*base*2^(n+2); growth must dominate.
	lo := Backoff(0, base, cap)
	hi := Backoff(4, base, cap)
	assert.Greater(t, hi, lo)
}

func TestBackoffDefaults(t *testing.T) {
	d := Backoff(3, 0, 0)
	assert.Greater(t, d, time.Duration(0))
	assert.LessOrEqual(t, d, 30*time.Second)
}

func TestBackoffJitters(t *testing.T) {
	base := time.Second
	seen := map[time.Duration]struct{}{}
	for i := 0; i < 100; i++ {
		seen[Backoff(2, base, time.Hour)] = struct{}{}
	}
	assert.Greater(t, len(seen), 1, "jitter should vary the delay")
}

package processor

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPoolRunsEverything(t *testing.T) {
	pool := NewWorkerPool(4)

	var n atomic.Int64
	for i := 0; i < 100; i++ {
		pool.Submit(func() { n.Add(1) })
	}
	pool.Stop()

	assert.Equal(t, int64(100), n.Load())
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	const size = 3
	pool := NewWorkerPool(size)

	var mu sync.Mutex
	var inFlight, peak int

	for i := 0; i < 50; i++ {
		pool.Submit(func() {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()

			mu.Lock()
			inFlight--
			mu.Unlock()
		})
	}
	pool.Stop()

	assert.LessOrEqual(t, peak, size)
}

func TestCellSeen(t *testing.T) {
	s := newCellSeen(4)

	assert.ElementsMatch(t, []string{"a", "b"}, s.unseen("a", "b"))
	s.mark("a", "b")
	assert.Empty(t, s.unseen("a", "b"))
	assert.Equal(t, []string{"c"}, s.unseen("b", "c"))

	// Filling past the bound resets rather than growing.
	s.mark("c", "d", "e")
	assert.NotEmpty(t, s.unseen("a"), "reset forgets old entries")
}

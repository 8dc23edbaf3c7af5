package processor

import "sync"

// cellSeen remembers which H3 cells were already materialized into
// h3_cells, so the hot path skips the DO NOTHING insert for cells it has
// handled. Bounded: the map resets when full rather than growing without
// limit, and a reset only costs redundant idempotent inserts.
type cellSeen struct {
	mu  sync.Mutex
	max int
	m   map[string]struct{}
}

func newCellSeen(max int) *cellSeen {
	if max < 1 {
		max = 1 << 16
	}
	return &cellSeen{max: max, m: make(map[string]struct{})}
}

// unseen filters to the cells not yet marked.
func (s *cellSeen) unseen(cells ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range cells {
		if _, ok := s.m[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}

func (s *cellSeen) mark(cells ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.m)+len(cells) > s.max {
		s.m = make(map[string]struct{})
	}
	for _, c := range cells {
		s.m[c] = struct{}{}
	}
}

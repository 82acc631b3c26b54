// Package sequence assigns sequence numbers to incremental output fragments.
//
// Counters are keyed by run id rather than shared process-wide, so runs for
// different sessions executing in the same worker cannot interleave their
// numbering. Counters are ephemeral: the handler releases them when the run
// finishes, whether it completed or failed.
package sequence

import (
	"sync"
	"sync/atomic"
)

type Sequencer struct {
	mu       sync.Mutex
	counters map[string]*atomic.Int64
}

func New() *Sequencer {
	return &Sequencer{counters: make(map[string]*atomic.Int64)}
}

// Next returns the next sequence number for the run, starting at 1.
// Concurrent calls for the same run id still produce a strictly increasing,
// gap-free sequence.
func (s *Sequencer) Next(runID string) int64 {
	s.mu.Lock()
	counter, ok := s.counters[runID]
	if !ok {
		counter = &atomic.Int64{}
		s.counters[runID] = counter
	}
	s.mu.Unlock()

	return counter.Add(1)
}

// Release discards the run's counter. A subsequent Next for the same run id
// starts over at 1; run ids are never reused, so this only matters for
// reclaiming memory.
func (s *Sequencer) Release(runID string) {
	s.mu.Lock()
	delete(s.counters, runID)
	s.mu.Unlock()
}

// Active reports how many runs currently hold a counter.
func (s *Sequencer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

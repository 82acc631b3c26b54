package event

import (
	"context"
	"sync"
)

// Sink captures dispatched events in memory. Used by tests to assert on
// delivery order and payloads.
type Sink struct {
	mu     sync.RWMutex
	events []Event
	err    error
}

var _ Dispatcher = (*Sink)(nil)

func NewSink() *Sink {
	return &Sink{events: make([]Event, 0)}
}

func (s *Sink) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

// FailWith makes every subsequent Send return err.
func (s *Sink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Sink) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// OfKind returns captured events with the given action, in dispatch order.
func (s *Sink) OfKind(kind Kind) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, ev := range s.events {
		if ev.Action == kind {
			out = append(out, ev)
		}
	}
	return out
}

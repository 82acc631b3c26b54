package history

import (
	"context"
	"sync"

	"convoline.app/worker/internal/chat"
)

type sessionKey struct {
	userID    string
	sessionID string
}

// MemoryStore keeps conversation logs in memory. Used by tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[sessionKey][]chat.Turn
	err      error
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[sessionKey][]chat.Turn)}
}

func (s *MemoryStore) Append(_ context.Context, userID, sessionID string, turns ...chat.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	key := sessionKey{userID: userID, sessionID: sessionID}
	s.sessions[key] = append(s.sessions[key], turns...)
	return nil
}

// FailWith makes every subsequent Append return err.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Turns returns the recorded log for a session in append order.
func (s *MemoryStore) Turns(userID, sessionID string) []chat.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.sessions[sessionKey{userID: userID, sessionID: sessionID}]
	out := make([]chat.Turn, len(turns))
	copy(out, turns)
	return out
}

// TotalTurns counts turns across all sessions.
func (s *MemoryStore) TotalTurns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, turns := range s.sessions {
		total += len(turns)
	}
	return total
}

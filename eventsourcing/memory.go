package eventsourcing

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string][]StateEvent
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: map[string][]StateEvent{}}
}

func (s *MemoryStore) Append(_ context.Context, agentID string, expected int64, events []StateEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := int64(len(s.events[agentID]))
	if expected != current {
		return current, &ConflictError{AgentID: agentID, Expected: expected, Actual: current}
	}

	if len(events) == 0 {
		return current, nil
	}

	s.events[agentID] = append(s.events[agentID], stamp(agentID, expected, events)...)

	return current + int64(len(events)), nil
}

func (s *MemoryStore) Load(_ context.Context, agentID string, afterVersion int64) ([]StateEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[agentID]
	if afterVersion < 0 {
		afterVersion = 0
	}

	if afterVersion >= int64(len(all)) {
		return nil, nil
	}

	return slices.Clone(all[afterVersion:]), nil
}

func (s *MemoryStore) Version(_ context.Context, agentID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.events[agentID])), nil
}

package eventsourcing

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// DefaultSnapshotInterval is used when an interval policy is configured with a
// non-positive interval.
const DefaultSnapshotInterval = 100

// SnapshotPolicy decides after which confirmed versions a snapshot is taken.
type SnapshotPolicy interface {
	ShouldCreateSnapshot(version int64) bool
}

// NeverSnapshot never takes snapshots.
type NeverSnapshot struct{}

func (NeverSnapshot) ShouldCreateSnapshot(int64) bool { return false }

// IntervalSnapshot snapshots at every positive multiple of Interval.
type IntervalSnapshot struct {
	Interval int64
}

// NewIntervalSnapshot returns an interval policy; n <= 0 selects
// DefaultSnapshotInterval.
func NewIntervalSnapshot(n int64) IntervalSnapshot {
	if n <= 0 {
		n = DefaultSnapshotInterval
	}

	return IntervalSnapshot{Interval: n}
}

func (p IntervalSnapshot) ShouldCreateSnapshot(version int64) bool {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}

	return version > 0 && version%interval == 0
}

// Snapshot is a folded state at a given version.
type Snapshot struct {
	AgentID   string
	Version   int64
	State     json.RawMessage
	CreatedAt time.Time
}

// SnapshotStore keeps the newest snapshot per agent.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	// LatestSnapshot returns ok=false when no snapshot exists.
	LatestSnapshot(ctx context.Context, agentID string) (Snapshot, bool, error)
}

// MemorySnapshotStore is an in-process SnapshotStore.
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: map[string]Snapshot{}}
}

func (s *MemorySnapshotStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.snaps[snap.AgentID]; ok && prev.Version > snap.Version {
		return nil
	}

	s.snaps[snap.AgentID] = snap

	return nil
}

func (s *MemorySnapshotStore) LatestSnapshot(_ context.Context, agentID string) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snaps[agentID]

	return snap, ok, nil
}

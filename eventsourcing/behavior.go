package eventsourcing

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/hupe1980/makermesh/logging"
)

// TransitionFunc folds one event into the state. It must be pure.
type TransitionFunc[S any] func(current S, event StateEvent) (S, error)

// BehaviorOptions configures a Behavior.
type BehaviorOptions struct {
	// Snapshots defaults to NeverSnapshot.
	Snapshots SnapshotPolicy
	// SnapshotStore is required for snapshots to be taken or read.
	SnapshotStore SnapshotStore
	Logger        logging.Logger
}

// Behavior gives one agent an event-sourced state S: events are staged with
// RaiseEvent, persisted atomically by ConfirmEvents and folded back by Replay.
type Behavior[S any] struct {
	agentID    string
	store      Store
	transition TransitionFunc[S]
	policy     SnapshotPolicy
	snapshots  SnapshotStore
	logger     logging.Logger

	mu      sync.Mutex
	state   S
	version int64
	pending []StateEvent
}

// NewBehavior binds agentID to store. The initial state is the zero value of S.
func NewBehavior[S any](agentID string, store Store, transition TransitionFunc[S], optFns ...func(o *BehaviorOptions)) *Behavior[S] {
	opts := BehaviorOptions{
		Snapshots: NeverSnapshot{},
		Logger:    logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Behavior[S]{
		agentID:    agentID,
		store:      store,
		transition: transition,
		policy:     opts.Snapshots,
		snapshots:  opts.SnapshotStore,
		logger:     opts.Logger,
	}
}

// AgentID returns the owning agent id.
func (b *Behavior[S]) AgentID() string { return b.agentID }

// RaiseEvent stages an event. Nothing is persisted and the version does not
// move until ConfirmEvents.
func (b *Behavior[S]) RaiseEvent(eventType string, payload any) error {
	e, err := NewStateEvent(eventType, payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.pending = append(b.pending, e)
	b.mu.Unlock()

	return nil
}

// Pending returns a copy of the staged events.
func (b *Behavior[S]) Pending() []StateEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Clone(b.pending)
}

// CurrentVersion is the highest confirmed or replayed version.
func (b *Behavior[S]) CurrentVersion() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.version
}

// State returns the state folded so far.
func (b *Behavior[S]) State() S {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// ConfirmEvents folds every pending event into State and appends them with
// expected version CurrentVersion. Events that fail to fold are never
// appended. On success the buffer is cleared and the version advances. On
// failure nothing changes; a *ConflictError asks the caller to Replay and
// retry.
func (b *Behavior[S]) ConfirmEvents(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}

	expected := b.version
	confirmed := stamp(b.agentID, expected, b.pending)
	state := b.state

	var err error
	for _, e := range confirmed {
		if state, err = b.transition(state, e); err != nil {
			return fmt.Errorf("eventsourcing: apply %s v%d: %w", e.Type, e.Version, err)
		}
	}

	newVersion, err := b.store.Append(ctx, b.agentID, expected, confirmed)
	if err != nil {
		return fmt.Errorf("eventsourcing: confirm %s: %w", b.agentID, err)
	}

	b.state = state
	b.version = newVersion
	b.pending = nil

	for _, e := range confirmed {
		if b.policy.ShouldCreateSnapshot(e.Version) {
			// Snapshot the state as of the last confirmed event; intermediate
			// states are not kept.
			b.saveSnapshot(ctx, newVersion)
			break
		}
	}

	return nil
}

// Replay rebuilds the state from the newest snapshot (if any) plus all later
// events. It returns ErrNotFound when the agent has no history at all.
func (b *Behavior[S]) Replay(ctx context.Context) (S, error) {
	var (
		zero  S
		state S
		after int64
		found bool
	)

	if b.snapshots != nil {
		snap, ok, err := b.snapshots.LatestSnapshot(ctx, b.agentID)
		if err != nil {
			return zero, err
		}

		if ok {
			if err := json.Unmarshal(snap.State, &state); err != nil {
				return zero, fmt.Errorf("eventsourcing: decode snapshot %s v%d: %w", b.agentID, snap.Version, err)
			}

			after = snap.Version
			found = true
		}
	}

	events, err := b.store.Load(ctx, b.agentID, after)
	if err != nil {
		return zero, err
	}

	version := after

	for _, e := range events {
		if state, err = b.transition(state, e); err != nil {
			return zero, fmt.Errorf("eventsourcing: apply %s v%d: %w", e.Type, e.Version, err)
		}

		version = e.Version
		found = true
	}

	if !found {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, b.agentID)
	}

	b.mu.Lock()
	b.state = state
	b.version = version
	b.mu.Unlock()

	return state, nil
}

func (b *Behavior[S]) saveSnapshot(ctx context.Context, version int64) {
	if b.snapshots == nil {
		return
	}

	raw, err := json.Marshal(b.state)
	if err != nil {
		b.logger.Warn("Snapshot encoding failed", "agent_id", b.agentID, "version", version, "error", err)
		return
	}

	if err := b.snapshots.SaveSnapshot(ctx, Snapshot{AgentID: b.agentID, Version: version, State: raw}); err != nil {
		b.logger.Warn("Snapshot save failed", "agent_id", b.agentID, "version", version, "error", err)
	}
}

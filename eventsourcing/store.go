package eventsourcing

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict is matched by every *ConflictError.
	ErrConcurrencyConflict = errors.New("eventsourcing: concurrency conflict")
	// ErrNotFound is returned by Replay when an agent has no history.
	ErrNotFound = errors.New("eventsourcing: not found")
)

// ConflictError reports an append whose expected version did not match the
// stored version. The store is left unchanged.
type ConflictError struct {
	AgentID  string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("eventsourcing: concurrency conflict for %s: expected version %d, actual %d", e.AgentID, e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrConcurrencyConflict) hold.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// Store is an append-only per-agent event log with optimistic concurrency.
type Store interface {
	// Append writes events at versions expectedVersion+1.. and returns the
	// new current version. A stale expectedVersion yields *ConflictError.
	Append(ctx context.Context, agentID string, expectedVersion int64, events []StateEvent) (int64, error)
	// Load returns the events of agentID with version > afterVersion, in order.
	Load(ctx context.Context, agentID string, afterVersion int64) ([]StateEvent, error)
	// Version returns the current version of agentID, 0 when it has no events.
	Version(ctx context.Context, agentID string) (int64, error)
}

// Package eventsourcing persists agent state as an append-only, per-agent
// event log with optimistic concurrency. Behavior folds the log back into a
// typed state, optionally starting from a snapshot.
package eventsourcing

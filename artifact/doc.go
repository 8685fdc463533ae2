// Package artifact contains core.ArtifactStore implementations. The checkpoint
// step saves run state through them.
//
// The contract lives in core so workflow code depends only on the interface;
// InMemoryStore serves tests and single-process use, SQLiteStore survives
// restarts and can share its *sql.DB with the SQLite event store.
package artifact

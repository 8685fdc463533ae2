package eventsourcing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store and SnapshotStore on SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dsn and runs migrations. Use ":memory:" for tests.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventsourcing: open database: %w", err)
	}

	// One connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventsourcing: migrate database: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS state_events (
			event_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT,
			created_at DATETIME NOT NULL,
			UNIQUE (agent_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			agent_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			state TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// DB exposes the handle so other components can share the database file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, agentID string, expected int64, events []StateEvent) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("eventsourcing: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := currentVersion(ctx, tx, agentID)
	if err != nil {
		return 0, err
	}

	if current != expected {
		return current, &ConflictError{AgentID: agentID, Expected: expected, Actual: current}
	}

	for _, e := range stamp(agentID, expected, events) {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO state_events (event_id, agent_id, version, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.AgentID, e.Version, e.Type, string(e.Payload), e.Timestamp)
		if err != nil {
			if isUniqueViolation(err) {
				return current, &ConflictError{AgentID: agentID, Expected: expected, Actual: e.Version}
			}

			return current, fmt.Errorf("eventsourcing: insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("eventsourcing: commit append: %w", err)
	}

	return expected + int64(len(events)), nil
}

func (s *SQLiteStore) Load(ctx context.Context, agentID string, afterVersion int64) ([]StateEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, agent_id, version, event_type, payload, created_at FROM state_events WHERE agent_id = ? AND version > ? ORDER BY version`,
		agentID, afterVersion)
	if err != nil {
		return nil, fmt.Errorf("eventsourcing: query events: %w", err)
	}
	defer rows.Close()

	var events []StateEvent

	for rows.Next() {
		var (
			e       StateEvent
			payload sql.NullString
		)

		if err := rows.Scan(&e.ID, &e.AgentID, &e.Version, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("eventsourcing: scan event: %w", err)
		}

		if payload.Valid && payload.String != "" {
			e.Payload = []byte(payload.String)
		}

		events = append(events, e)
	}

	return events, rows.Err()
}

func (s *SQLiteStore) Version(ctx context.Context, agentID string) (int64, error) {
	return currentVersion(ctx, s.db, agentID)
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (agent_id, version, state, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET version = excluded.version, state = excluded.state, created_at = excluded.created_at
		WHERE excluded.version >= snapshots.version`,
		snap.AgentID, snap.Version, string(snap.State), snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("eventsourcing: save snapshot: %w", err)
	}

	return nil
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context, agentID string) (Snapshot, bool, error) {
	var (
		snap  Snapshot
		state string
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, version, state, created_at FROM snapshots WHERE agent_id = ?`, agentID).
		Scan(&snap.AgentID, &snap.Version, &state, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}

	if err != nil {
		return Snapshot{}, false, fmt.Errorf("eventsourcing: load snapshot: %w", err)
	}

	snap.State = []byte(state)

	return snap, true, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func currentVersion(ctx context.Context, q queryer, agentID string) (int64, error) {
	var v int64

	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM state_events WHERE agent_id = ?`, agentID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("eventsourcing: read version: %w", err)
	}

	return v, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

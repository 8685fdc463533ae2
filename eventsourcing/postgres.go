package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS state_events (
	event_id   TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL,
	version    BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	payload    JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (agent_id, version)
);
CREATE TABLE IF NOT EXISTS snapshots (
	agent_id   TEXT PRIMARY KEY,
	version    BIGINT NOT NULL,
	state      JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);`

// PostgresStore implements Store and SnapshotStore on PostgreSQL. Concurrent
// appends to the same agent are serialized by the (agent_id, version) unique
// constraint: the losing side gets a *ConflictError.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, pings and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("eventsourcing: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("eventsourcing: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("eventsourcing: ping pool: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("eventsourcing: migrate: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close shuts down the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Append(ctx context.Context, agentID string, expected int64, events []StateEvent) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("eventsourcing: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM state_events WHERE agent_id = $1`, agentID).Scan(&current); err != nil {
		return 0, fmt.Errorf("eventsourcing: read version: %w", err)
	}

	if current != expected {
		return current, &ConflictError{AgentID: agentID, Expected: expected, Actual: current}
	}

	batch := &pgx.Batch{}
	for _, e := range stamp(agentID, expected, events) {
		var payload any
		if len(e.Payload) > 0 {
			payload = string(e.Payload)
		}

		batch.Queue(
			`INSERT INTO state_events (event_id, agent_id, version, event_type, payload, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.AgentID, e.Version, e.Type, payload, e.Timestamp)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isPgUniqueViolation(err) {
			return current, &ConflictError{AgentID: agentID, Expected: expected, Actual: expected + 1}
		}

		return current, fmt.Errorf("eventsourcing: insert events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isPgUniqueViolation(err) {
			return current, &ConflictError{AgentID: agentID, Expected: expected, Actual: expected + 1}
		}

		return current, fmt.Errorf("eventsourcing: commit append: %w", err)
	}

	return expected + int64(len(events)), nil
}

func (s *PostgresStore) Load(ctx context.Context, agentID string, afterVersion int64) ([]StateEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, agent_id, version, event_type, payload, created_at FROM state_events WHERE agent_id = $1 AND version > $2 ORDER BY version`,
		agentID, afterVersion)
	if err != nil {
		return nil, fmt.Errorf("eventsourcing: query events: %w", err)
	}
	defer rows.Close()

	var events []StateEvent

	for rows.Next() {
		var (
			e       StateEvent
			payload []byte
		)

		if err := rows.Scan(&e.ID, &e.AgentID, &e.Version, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("eventsourcing: scan event: %w", err)
		}

		e.Payload = payload
		events = append(events, e)
	}

	return events, rows.Err()
}

func (s *PostgresStore) Version(ctx context.Context, agentID string) (int64, error) {
	var v int64

	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM state_events WHERE agent_id = $1`, agentID).Scan(&v); err != nil {
		return 0, fmt.Errorf("eventsourcing: read version: %w", err)
	}

	return v, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO snapshots (agent_id, version, state, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id) DO UPDATE SET version = EXCLUDED.version, state = EXCLUDED.state, created_at = EXCLUDED.created_at
		WHERE EXCLUDED.version >= snapshots.version`,
		snap.AgentID, snap.Version, string(snap.State), snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("eventsourcing: save snapshot: %w", err)
	}

	return nil
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, agentID string) (Snapshot, bool, error) {
	var snap Snapshot

	err := s.pool.QueryRow(ctx,
		`SELECT agent_id, version, state, created_at FROM snapshots WHERE agent_id = $1`, agentID).
		Scan(&snap.AgentID, &snap.Version, &snap.State, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, false, nil
	}

	if err != nil {
		return Snapshot{}, false, fmt.Errorf("eventsourcing: load snapshot: %w", err)
	}

	return snap, true, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}

	return pgErr.Code == "23505" // unique_violation
}

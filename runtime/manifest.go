package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// ManifestEntry maps a persisted agent id to its registered type name.
type ManifestEntry struct {
	AgentID string
	Kind    string
}

// ManifestStore persists which agents exist so RestoreAll can recreate them.
type ManifestStore interface {
	Put(ctx context.Context, e ManifestEntry) error
	Delete(ctx context.Context, agentID string) error
	List(ctx context.Context) ([]ManifestEntry, error)
}

// MemoryManifest is an in-process ManifestStore.
type MemoryManifest struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMemoryManifest() *MemoryManifest {
	return &MemoryManifest{entries: map[string]string{}}
}

func (m *MemoryManifest) Put(_ context.Context, e ManifestEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[e.AgentID] = e.Kind

	return nil
}

func (m *MemoryManifest) Delete(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, agentID)

	return nil
}

func (m *MemoryManifest) List(context.Context) ([]ManifestEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ManifestEntry, 0, len(m.entries))
	for id, kind := range m.entries {
		out = append(out, ManifestEntry{AgentID: id, Kind: kind})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })

	return out, nil
}

// SQLiteManifest stores the manifest in an agent_manifest table. It can share
// a *sql.DB with the SQLite event store.
type SQLiteManifest struct {
	db *sql.DB
}

// NewSQLiteManifest migrates the manifest table on db.
func NewSQLiteManifest(db *sql.DB) (*SQLiteManifest, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS agent_manifest (
		agent_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return nil, fmt.Errorf("runtime: migrate manifest: %w", err)
	}

	return &SQLiteManifest{db: db}, nil
}

func (m *SQLiteManifest) Put(ctx context.Context, e ManifestEntry) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO agent_manifest (agent_id, kind) VALUES (?, ?) ON CONFLICT(agent_id) DO UPDATE SET kind = excluded.kind`,
		e.AgentID, e.Kind)
	if err != nil {
		return fmt.Errorf("runtime: put manifest entry: %w", err)
	}

	return nil
}

func (m *SQLiteManifest) Delete(ctx context.Context, agentID string) error {
	if _, err := m.db.ExecContext(ctx, `DELETE FROM agent_manifest WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("runtime: delete manifest entry: %w", err)
	}

	return nil
}

func (m *SQLiteManifest) List(ctx context.Context) ([]ManifestEntry, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT agent_id, kind FROM agent_manifest ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("runtime: list manifest: %w", err)
	}
	defer rows.Close()

	var out []ManifestEntry

	for rows.Next() {
		var e ManifestEntry
		if err := rows.Scan(&e.AgentID, &e.Kind); err != nil {
			return nil, fmt.Errorf("runtime: scan manifest entry: %w", err)
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

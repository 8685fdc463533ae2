package artifact

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hupe1980/makermesh/core"
)

// SQLiteStore keeps artifact versions in an artifacts table.
type SQLiteStore struct {
	db *sql.DB
}

var _ core.ArtifactStore = (*SQLiteStore)(nil)

// NewSQLiteStore migrates the artifacts table on db. The caller owns db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS artifacts (
		scope TEXT NOT NULL,
		name TEXT NOT NULL,
		version INTEGER NOT NULL,
		data BLOB NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (scope, name, version)
	)`)
	if err != nil {
		return nil, fmt.Errorf("artifact: migrate: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, scope, name string, data []byte) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("artifact: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM artifacts WHERE scope = ? AND name = ?`,
		scope, name).Scan(&current); err != nil {
		return 0, fmt.Errorf("artifact: current version: %w", err)
	}

	if data == nil {
		data = []byte{}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO artifacts (scope, name, version, data) VALUES (?, ?, ?, ?)`,
		scope, name, current+1, data); err != nil {
		return 0, fmt.Errorf("artifact: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("artifact: commit: %w", err)
	}

	return current + 1, nil
}

func (s *SQLiteStore) Load(ctx context.Context, scope, name string, version int) ([]byte, error) {
	var row *sql.Row
	if version == 0 {
		row = s.db.QueryRowContext(ctx,
			`SELECT data FROM artifacts WHERE scope = ? AND name = ? ORDER BY version DESC LIMIT 1`, scope, name)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT data FROM artifacts WHERE scope = ? AND name = ? AND version = ?`, scope, name, version)
	}

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s/%s version %d", ErrNotFound, scope, name, version)
		}

		return nil, fmt.Errorf("artifact: load: %w", err)
	}

	return data, nil
}

func (s *SQLiteStore) Versions(ctx context.Context, scope, name string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version FROM artifacts WHERE scope = ? AND name = ? ORDER BY version`, scope, name)
	if err != nil {
		return nil, fmt.Errorf("artifact: versions: %w", err)
	}
	defer rows.Close()

	var out []int

	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("artifact: scan version: %w", err)
		}

		out = append(out, v)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, scope, name)
	}

	return out, nil
}

func (s *SQLiteStore) List(ctx context.Context, scope string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT name FROM artifacts WHERE scope = ? ORDER BY name`, scope)
	if err != nil {
		return nil, fmt.Errorf("artifact: list: %w", err)
	}
	defer rows.Close()

	names := []string{}

	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("artifact: scan name: %w", err)
		}

		names = append(names, n)
	}

	return names, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, scope, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE scope = ? AND name = ?`, scope, name)
	if err != nil {
		return fmt.Errorf("artifact: delete: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, scope, name)
	}

	return nil
}

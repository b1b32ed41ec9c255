// Package store persists outcome records in a single-file SQLite database
// and serves the aggregation queries the decision engine and HTTP surface
// read. The store is the only stateful component on disk.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/ashita-ai/medic/migrations"
)

const schemaVersion = 1

// Store wraps the outcome database. Safe for concurrent readers; writes
// serialize on SQLite's single-writer lock with busy retry.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the database at path, applies the schema on first
// run, and rejects a mismatched schema version.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite allows one writer at a time. Funneling all connections through
	// one handle avoids cross-connection lock storms under WAL.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if err := s.runMigrations(ctx, migrations.FS); err != nil {
		return err
	}

	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("store: record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("store: read schema version: %w", err)
	case version != schemaVersion:
		return fmt.Errorf("%w: on disk %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

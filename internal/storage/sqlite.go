package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path,
// refuses network filesystems and ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	// Detection is best effort; only a positive network match is fatal.
	if err := CheckLocalFilesystem(path); err != nil {
		var fsErr *FilesystemError
		if errors.As(err, &fsErr) {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; the scheduler and API share this handle.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode = WAL;", "enable WAL"},
		{"PRAGMA busy_timeout = 5000;", "set busy_timeout"},
		{"PRAGMA synchronous = NORMAL;", "set synchronous"},
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(pctx, p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p.what, err)
		}
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS widget_kv (
  key        TEXT PRIMARY KEY,
  value      JSON NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS run_log (
  id             TEXT PRIMARY KEY,
  producer_id    TEXT NOT NULL,
  started_at     TEXT NOT NULL,
  duration_ms    INTEGER NOT NULL,
  status         TEXT NOT NULL,
  exit_code      INTEGER NOT NULL,
  stdout_bytes   INTEGER NOT NULL,
  stderr         TEXT,
  update_outcome TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS run_log_producer_started_idx ON run_log(producer_id, started_at);`,
		`CREATE INDEX IF NOT EXISTS run_log_started_idx ON run_log(started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	if err := StateDatabase.CheckLocal(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time keeps claims in the inbox serial.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA journal_mode = WAL;",
	} {
		if _, err := db.ExecContext(pctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
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
		`CREATE TABLE IF NOT EXISTS message_inbox (
  id          TEXT PRIMARY KEY,
  kind        TEXT NOT NULL,
  body        TEXT NOT NULL,
  status      TEXT NOT NULL,
  attempts    INTEGER NOT NULL DEFAULT 0,
  created_at  TEXT NOT NULL,
  claimed_at  TEXT,
  acked_at    TEXT,
  last_error  TEXT
);`,
		`CREATE TABLE IF NOT EXISTS job_history (
  job_id        TEXT PRIMARY KEY,
  job_name      TEXT NOT NULL,
  plan_id       TEXT,
  payload_hash  TEXT NOT NULL,
  state         TEXT NOT NULL,
  exit_code     INTEGER,
  result        TEXT,
  worker_pid    INTEGER,
  error         TEXT,
  output        TEXT,
  received_at   TEXT NOT NULL,
  started_at    TEXT,
  finished_at   TEXT
);`,
		`CREATE INDEX IF NOT EXISTS message_inbox_kind_status_created_at_idx ON message_inbox(kind, status, created_at);`,
		`CREATE INDEX IF NOT EXISTS job_history_received_at_idx ON job_history(received_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}

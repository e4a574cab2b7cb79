// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides outbox/instance/profile persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// The in-memory database vanishes if every pooled connection closes, and
	// the outbox status transitions rely on single-statement atomicity, so a
	// single connection keeps both properties.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS queued_commands (
			id             TEXT PRIMARY KEY,
			host_id        TEXT NOT NULL,
			command_type   TEXT NOT NULL,
			correlation_id TEXT NOT NULL UNIQUE,
			payload        TEXT,
			status         TEXT NOT NULL DEFAULT 'pending',
			created_at     TEXT NOT NULL,
			sent_at        TEXT,
			completed_at   TEXT,
			expired_at     TEXT,
			expires_at     TEXT NOT NULL,
			error_message  TEXT,

			CHECK (status IN ('pending', 'sent', 'acknowledged', 'failed', 'expired'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_commands_correlation
			ON queued_commands(correlation_id);
		CREATE INDEX IF NOT EXISTS idx_commands_host
			ON queued_commands(host_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_commands_status
			ON queued_commands(status, expires_at);

		CREATE TABLE IF NOT EXISTS child_instances (
			id                 TEXT PRIMARY KEY,
			parent_host_id     TEXT NOT NULL,
			backend_type       TEXT NOT NULL,
			lifecycle_state    TEXT NOT NULL,
			generation_token   TEXT NOT NULL,
			auto_approve_token TEXT,
			approved           INTEGER NOT NULL DEFAULT 0,
			pending_command_id TEXT,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL,

			CHECK (lifecycle_state IN (
				'creating', 'running', 'stopped', 'restarting',
				'deleting', 'deleted', 'failed'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_instances_host
			ON child_instances(parent_host_id);

		CREATE TABLE IF NOT EXISTS distribution_profiles (
			backend_type     TEXT NOT NULL,
			os_distribution  TEXT NOT NULL,
			install_commands TEXT NOT NULL,
			cloud_image_url  TEXT,
			iso_url          TEXT,

			PRIMARY KEY (backend_type, os_distribution)
		);

		CREATE TABLE IF NOT EXISTS managed_hosts (
			id         TEXT PRIMARY KEY,
			approved   INTEGER NOT NULL DEFAULT 0,
			last_seen  TEXT,
			created_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string itself.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime returns nil for nil times, otherwise the RFC3339 encoding.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// parseNullTime parses an optional RFC3339 column into a *time.Time.
func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	return &t, nil
}

// Ensure SQLiteStore implements Store interface.
var _ Store = (*SQLiteStore)(nil)

// Package store provides SQLite-backed persistence for Steward.
package store

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

// Store provides access to the Steward SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// ErrSessionActive indicates the component already has an active monitoring session.
var ErrSessionActive = errors.New("component already has an active monitoring session")

// ErrSessionNotActive indicates the session was already closed.
var ErrSessionNotActive = errors.New("monitoring session is not active")

// ErrStaleParent indicates the current pointer moved since the caller read it.
var ErrStaleParent = errors.New("current version changed since candidate was prepared")

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_time_format=sqlite"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// SetClock replaces the time source used for created_at and similar columns.
func (s *Store) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS components (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		entry_point TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		current_version_id TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS versions (
		id TEXT PRIMARY KEY,
		component_id TEXT NOT NULL,
		version_number INTEGER NOT NULL,
		artifact TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		created_by TEXT NOT NULL,
		parent_version_id TEXT,
		improvement_reason TEXT,
		is_current INTEGER NOT NULL DEFAULT 0,
		is_breaking_change INTEGER NOT NULL DEFAULT 0,
		UNIQUE (component_id, version_number),
		FOREIGN KEY (component_id) REFERENCES components(id)
	);

	CREATE TABLE IF NOT EXISTS version_metrics (
		version_id TEXT PRIMARY KEY,
		success_rate REAL NOT NULL,
		total_executions INTEGER NOT NULL,
		refreshed_at DATETIME NOT NULL,
		FOREIGN KEY (version_id) REFERENCES versions(id)
	);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		component_id TEXT NOT NULL,
		version_id TEXT,
		timestamp DATETIME NOT NULL,
		success INTEGER NOT NULL,
		error_class TEXT,
		error_message TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		input TEXT,
		output TEXT
	);

	CREATE TABLE IF NOT EXISTS monitoring_sessions (
		id TEXT PRIMARY KEY,
		component_id TEXT NOT NULL,
		version_id TEXT NOT NULL,
		previous_version_id TEXT,
		deployment_time DATETIME NOT NULL,
		baseline_start DATETIME NOT NULL,
		baseline_end DATETIME NOT NULL,
		monitoring_start DATETIME NOT NULL,
		monitoring_end DATETIME NOT NULL,
		baseline_total INTEGER NOT NULL,
		baseline_successes INTEGER NOT NULL,
		baseline_avg_duration REAL NOT NULL,
		regression_threshold REAL NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		FOREIGN KEY (component_id) REFERENCES components(id),
		FOREIGN KEY (version_id) REFERENCES versions(id)
	);

	CREATE TABLE IF NOT EXISTS health_checks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		checked_at DATETIME NOT NULL,
		baseline_total INTEGER NOT NULL,
		baseline_successes INTEGER NOT NULL,
		baseline_avg_duration REAL NOT NULL,
		current_total INTEGER NOT NULL,
		current_successes INTEGER NOT NULL,
		current_avg_duration REAL NOT NULL,
		success_rate_drop REAL NOT NULL,
		duration_regression INTEGER NOT NULL,
		severity TEXT NOT NULL,
		needs_rollback INTEGER NOT NULL,
		insufficient_data INTEGER NOT NULL,
		detail TEXT,
		FOREIGN KEY (session_id) REFERENCES monitoring_sessions(id)
	);

	CREATE TABLE IF NOT EXISTS rollback_events (
		id TEXT PRIMARY KEY,
		component_id TEXT NOT NULL,
		session_id TEXT,
		triggered_at DATETIME NOT NULL,
		rollback_type TEXT NOT NULL,
		reason TEXT NOT NULL,
		from_version_id TEXT NOT NULL,
		to_version_id TEXT NOT NULL,
		success INTEGER NOT NULL,
		FOREIGN KEY (component_id) REFERENCES components(id)
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		component_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS holds (
		component_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_versions_one_current ON versions(component_id) WHERE is_current = 1;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active ON monitoring_sessions(component_id) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_executions_component_ts ON executions(component_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_executions_version_ts ON executions(version_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_health_checks_session ON health_checks(session_id, checked_at);
	CREATE INDEX IF NOT EXISTS idx_rollback_events_component ON rollback_events(component_id, triggered_at);
	CREATE INDEX IF NOT EXISTS idx_decisions_component ON decisions(component_id, timestamp);
	`

	_, err := s.db.Exec(schema)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Copyright 2026 The Butler Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store provides the per-butler SQLite persistence layer: the
// versioned state table, the session log, scheduled tasks, the message
// inbox and the switchboard registry tables.
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

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store owns the database handle. Every butler has its own database file,
// which is what enforces per-butler schema isolation: there is no cross
// butler read path because there is no shared database.
type Store struct {
	db *sql.DB

	State    *StateStore
	Sessions *SessionStore
	Schedule *ScheduleStore
	Inbox    *InboxStore
	Registry *RegistryStore
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. ":memory:" is accepted for tests.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// Open opens the database, configures pragmas and runs migrations.
func Open(cfg Config) (*Store, error) {
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	// SQLite serializes writes, so a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.State = &StateStore{db: db}
	s.Sessions = &SessionStore{db: db}
	s.Schedule = &ScheduleStore{db: db}
	s.Inbox = &InboxStore{db: db}
	s.Registry = &RegistryStore{db: db}

	return s, nil
}

// DB exposes the handle for module-owned tables and module migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return nil
}

// Migrate creates the core tables. Statements are idempotent; module
// migrations run separately through RunModuleMigrations.
func (s *Store) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			version INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			trigger_source TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			result TEXT,
			tool_calls TEXT,
			success INTEGER,
			error TEXT,
			duration_ms INTEGER,
			trace_id TEXT,
			model TEXT,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			request_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_trigger_source ON sessions(trigger_source)`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			name TEXT PRIMARY KEY,
			cron TEXT NOT NULL,
			dispatch_mode TEXT NOT NULL,
			prompt TEXT,
			job_name TEXT,
			job_args TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			source TEXT NOT NULL,
			next_run_at TEXT,
			last_run_at TEXT,
			last_result TEXT,
			until_at TEXT,
			stagger_key TEXT NOT NULL DEFAULT '',
			timezone TEXT,
			start_at TEXT,
			end_at TEXT,
			display_title TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_next_run ON scheduled_tasks(enabled, next_run_at)`,
		`CREATE TABLE IF NOT EXISTS message_inbox (
			request_id TEXT PRIMARY KEY,
			source_channel TEXT NOT NULL,
			source_endpoint_identity TEXT,
			sender_identity TEXT,
			prompt TEXT NOT NULL,
			trace_context TEXT,
			lifecycle_state TEXT NOT NULL,
			classification TEXT,
			routing_results TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_inbox_state ON message_inbox(lifecycle_state)`,
		`CREATE TABLE IF NOT EXISTS butler_registry (
			name TEXT PRIMARY KEY,
			endpoint_url TEXT NOT NULL,
			description TEXT,
			modules TEXT,
			last_seen_at TEXT,
			registered_at TEXT NOT NULL,
			eligibility_state TEXT NOT NULL,
			eligibility_updated_at TEXT NOT NULL,
			quarantined_at TEXT,
			quarantine_reason TEXT,
			liveness_ttl_seconds INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS butler_registry_eligibility_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			butler_name TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS routing_log (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			idempotency_key TEXT,
			source_channel TEXT,
			sender_identity TEXT,
			target_butler TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_routing_log_idempotency
			ON routing_log(idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS dashboard_audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actor TEXT,
			action TEXT NOT NULL,
			detail TEXT,
			created_at TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("store: migration failed: %w", err)
		}
	}
	return nil
}

// RunModuleMigrations executes a module's migration statements in order.
func (s *Store) RunModuleMigrations(ctx context.Context, module string, statements []string) error {
	for i, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: module %s migration %d: %w", module, i, err)
		}
	}
	return nil
}

// AppendAudit records a dashboard action. Failures are the caller's to
// swallow; audit writes must never block the API.
func (s *Store) AppendAudit(ctx context.Context, actor, action, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dashboard_audit_log (actor, action, detail, created_at) VALUES (?, ?, ?, ?)`,
		actor, action, detail, formatTime(time.Now()))
	return err
}

// Timestamps are stored as fixed-width RFC 3339 text in UTC. The width
// matters: queries compare timestamp columns lexicographically, and
// RFC3339Nano drops trailing zeros, which breaks that ordering (a
// whole-second value ending in "Z" sorts after a fractional one in the
// same second). Parsing stays on RFC3339Nano to read rows written
// before the layout was pinned.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

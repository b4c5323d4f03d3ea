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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// StateEntry is one row of the per-butler key-value table.
type StateEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// CASConflict reports a compare-and-set failure. ActualVersion is nil when
// the key does not exist. Callers retry with a fresh version.
type CASConflict struct {
	Key           string
	Expected      int64
	ActualVersion *int64
}

func (e *CASConflict) Error() string {
	if e.ActualVersion == nil {
		return fmt.Sprintf("state: cas conflict on %q: expected version %d, key does not exist", e.Key, e.Expected)
	}
	return fmt.Sprintf("state: cas conflict on %q: expected version %d, actual %d", e.Key, e.Expected, *e.ActualVersion)
}

// StateStore implements the versioned key-value operations.
type StateStore struct {
	db *sql.DB
}

// Get returns the entry for key, or ErrNotFound.
func (s *StateStore) Get(ctx context.Context, key string) (*StateEntry, error) {
	var entry StateEntry
	var value, updatedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, version, updated_at FROM state WHERE key = ?`, key).
		Scan(&entry.Key, &value, &entry.Version, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: state key %q", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("state: get %q: %w", key, err)
	}

	entry.Value = json.RawMessage(value)
	if entry.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("state: get %q: %w", key, err)
	}
	return &entry, nil
}

// Set upserts a value: new keys start at version 1, existing keys increment
// by exactly 1. Returns the new version.
func (s *StateStore) Set(ctx context.Context, key string, value any) (int64, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("state: marshal %q: %w", key, err)
	}

	var version int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO state (key, value, version, updated_at) VALUES (?, ?, 1, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			version = state.version + 1,
			updated_at = excluded.updated_at
		 RETURNING version`,
		key, string(raw), formatTime(time.Now())).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("state: set %q: %w", key, err)
	}
	return version, nil
}

// CompareAndSet updates key only if the stored version equals expected.
// On conflict it returns a *CASConflict carrying the actual version.
func (s *StateStore) CompareAndSet(ctx context.Context, key string, expected int64, value any) (int64, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("state: marshal %q: %w", key, err)
	}

	var version int64
	err = s.db.QueryRowContext(ctx,
		`UPDATE state SET value = ?, version = version + 1, updated_at = ?
		 WHERE key = ? AND version = ?
		 RETURNING version`,
		string(raw), formatTime(time.Now()), key, expected).Scan(&version)
	if err == nil {
		return version, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("state: cas %q: %w", key, err)
	}

	// Distinguish a missing key from a version mismatch.
	conflict := &CASConflict{Key: key, Expected: expected}
	var actual int64
	err = s.db.QueryRowContext(ctx, `SELECT version FROM state WHERE key = ?`, key).Scan(&actual)
	switch {
	case err == sql.ErrNoRows:
		// ActualVersion stays nil.
	case err != nil:
		return 0, fmt.Errorf("state: cas %q: %w", key, err)
	default:
		conflict.ActualVersion = &actual
	}
	return 0, conflict
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *StateStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("state: delete %q: %w", key, err)
	}
	return nil
}

// List returns entries in lexicographic key order. A non-empty prefix
// filters with LIKE prefix%. When keysOnly is set, values are omitted.
func (s *StateStore) List(ctx context.Context, prefix string, keysOnly bool) ([]StateEntry, error) {
	query := `SELECT key, value, version, updated_at FROM state`
	args := []any{}
	if prefix != "" {
		query += ` WHERE key LIKE ? || '%'`
		args = append(args, prefix)
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("state: list: %w", err)
	}
	defer rows.Close()

	var entries []StateEntry
	for rows.Next() {
		var entry StateEntry
		var value, updatedAt string
		if err := rows.Scan(&entry.Key, &value, &entry.Version, &updatedAt); err != nil {
			return nil, fmt.Errorf("state: list: %w", err)
		}
		if !keysOnly {
			entry.Value = json.RawMessage(value)
		}
		if entry.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("state: list: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

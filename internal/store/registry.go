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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Eligibility states derived from heartbeat recency.
const (
	EligibilityActive      = "active"
	EligibilityStale       = "stale"
	EligibilityQuarantined = "quarantined"
)

// RegistryEntry is one butler known to the switchboard.
type RegistryEntry struct {
	Name                 string     `json:"name"`
	EndpointURL          string     `json:"endpoint_url"`
	Description          string     `json:"description,omitempty"`
	Modules              []string   `json:"modules,omitempty"`
	LastSeenAt           *time.Time `json:"last_seen_at,omitempty"`
	RegisteredAt         time.Time  `json:"registered_at"`
	EligibilityState     string     `json:"eligibility_state"`
	EligibilityUpdatedAt time.Time  `json:"eligibility_updated_at"`
	QuarantinedAt        *time.Time `json:"quarantined_at,omitempty"`
	QuarantineReason     string     `json:"quarantine_reason,omitempty"`
	LivenessTTLSeconds   int        `json:"liveness_ttl_seconds"`
}

// LivenessTTL returns the entry's TTL as a duration.
func (e *RegistryEntry) LivenessTTL() time.Duration {
	return time.Duration(e.LivenessTTLSeconds) * time.Second
}

// EligibilityLogEntry is one append-only transition record.
type EligibilityLogEntry struct {
	ID        int64     `json:"id"`
	Butler    string    `json:"butler_name"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// RoutingLogEntry is one switchboard dispatch record.
type RoutingLogEntry struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	SourceChannel  string    `json:"source_channel,omitempty"`
	SenderIdentity string    `json:"sender_identity,omitempty"`
	TargetButler   string    `json:"target_butler"`
	Outcome        string    `json:"outcome"`
	Error          string    `json:"error,omitempty"`
	LatencyMS      int64     `json:"latency_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// RegistryStore persists the butler registry, its eligibility log and the
// routing log. Only the switchboard exercises this store.
type RegistryStore struct {
	db *sql.DB
}

// Upsert registers a butler or refreshes its registration. A re-register
// keeps the existing eligibility state and registered_at.
func (s *RegistryStore) Upsert(ctx context.Context, e *RegistryEntry) error {
	now := time.Now().UTC()
	modules, err := json.Marshal(e.Modules)
	if err != nil {
		return fmt.Errorf("registry: marshal modules: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO butler_registry (name, endpoint_url, description, modules, registered_at,
			eligibility_state, eligibility_updated_at, liveness_ttl_seconds)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			endpoint_url = excluded.endpoint_url,
			description = excluded.description,
			modules = excluded.modules,
			liveness_ttl_seconds = excluded.liveness_ttl_seconds`,
		e.Name, e.EndpointURL, nullString(e.Description), string(modules), formatTime(now),
		EligibilityActive, formatTime(now), e.LivenessTTLSeconds)
	if err != nil {
		return fmt.Errorf("registry: upsert %q: %w", e.Name, err)
	}
	return nil
}

// Get returns one registry entry.
func (s *RegistryStore) Get(ctx context.Context, name string) (*RegistryEntry, error) {
	row := s.db.QueryRowContext(ctx, registryColumns+` WHERE name = ?`, name)
	entry, err := scanRegistry(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: butler %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get %q: %w", name, err)
	}
	return entry, nil
}

// List returns all entries ordered by name.
func (s *RegistryStore) List(ctx context.Context) ([]*RegistryEntry, error) {
	rows, err := s.db.QueryContext(ctx, registryColumns+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var entries []*RegistryEntry
	for rows.Next() {
		entry, err := scanRegistry(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: list: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Touch updates last_seen_at for a heartbeat.
func (s *RegistryStore) Touch(ctx context.Context, name string, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE butler_registry SET last_seen_at = ? WHERE name = ?`,
		formatTime(seenAt), name)
	if err != nil {
		return fmt.Errorf("registry: touch %q: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: butler %q", ErrNotFound, name)
	}
	return nil
}

// Transition moves an entry between eligibility states and appends the
// cause to the eligibility log. Quarantine timestamps are maintained here.
func (s *RegistryStore) Transition(ctx context.Context, name, from, to, reason string) error {
	now := time.Now().UTC()

	var quarantinedAt, quarantineReason any
	if to == EligibilityQuarantined {
		quarantinedAt = formatTime(now)
		quarantineReason = reason
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE butler_registry SET eligibility_state = ?, eligibility_updated_at = ?,
			quarantined_at = ?, quarantine_reason = ?
		 WHERE name = ? AND eligibility_state = ?`,
		to, formatTime(now), quarantinedAt, quarantineReason, name, from)
	if err != nil {
		return fmt.Errorf("registry: transition %q: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: butler %q in state %q", ErrNotFound, name, from)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO butler_registry_eligibility_log (butler_name, from_state, to_state, reason, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		name, from, to, reason, formatTime(now))
	if err != nil {
		return fmt.Errorf("registry: log transition %q: %w", name, err)
	}
	return nil
}

// EligibilityLog returns the transition history for one butler, newest first.
func (s *RegistryStore) EligibilityLog(ctx context.Context, name string, limit int) ([]EligibilityLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, butler_name, from_state, to_state, reason, created_at
		 FROM butler_registry_eligibility_log WHERE butler_name = ?
		 ORDER BY id DESC LIMIT ?`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("registry: eligibility log %q: %w", name, err)
	}
	defer rows.Close()

	var entries []EligibilityLogEntry
	for rows.Next() {
		var e EligibilityLogEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Butler, &e.FromState, &e.ToState, &e.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("registry: eligibility log %q: %w", name, err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ErrDuplicateRoute reports a dispatch whose idempotency key was already
// recorded, so the router can short-circuit to the prior result.
var ErrDuplicateRoute = errors.New("registry: duplicate idempotency key")

// AppendRoutingLog records one dispatch.
func (s *RegistryStore) AppendRoutingLog(ctx context.Context, e *RoutingLogEntry) error {
	e.ID = uuid.New().String()
	e.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routing_log (id, request_id, idempotency_key, source_channel,
			sender_identity, target_butler, outcome, error, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RequestID, nullString(e.IdempotencyKey), nullString(e.SourceChannel),
		nullString(e.SenderIdentity), e.TargetButler, e.Outcome, nullString(e.Error),
		e.LatencyMS, formatTime(e.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: %q", ErrDuplicateRoute, e.IdempotencyKey)
		}
		return fmt.Errorf("registry: append routing log: %w", err)
	}
	return nil
}

// FindRoutingLogByIdempotencyKey returns a prior dispatch for dedup.
func (s *RegistryStore) FindRoutingLogByIdempotencyKey(ctx context.Context, key string) (*RoutingLogEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, request_id, idempotency_key, source_channel, sender_identity,
			target_butler, outcome, error, latency_ms, created_at
		 FROM routing_log WHERE idempotency_key = ?`, key)
	entry, err := scanRoutingLog(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: routing log for key %q", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: find routing log: %w", err)
	}
	return entry, nil
}

// RoutingLog returns recent dispatches, newest first.
func (s *RegistryStore) RoutingLog(ctx context.Context, limit int) ([]*RoutingLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, idempotency_key, source_channel, sender_identity,
			target_butler, outcome, error, latency_ms, created_at
		 FROM routing_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("registry: routing log: %w", err)
	}
	defer rows.Close()

	var entries []*RoutingLogEntry
	for rows.Next() {
		entry, err := scanRoutingLog(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: routing log: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

const registryColumns = `SELECT name, endpoint_url, description, modules, last_seen_at,
	registered_at, eligibility_state, eligibility_updated_at, quarantined_at,
	quarantine_reason, liveness_ttl_seconds FROM butler_registry`

func scanRegistry(row rowScanner) (*RegistryEntry, error) {
	var e RegistryEntry
	var description, modules, lastSeenAt, quarantinedAt, quarantineReason sql.NullString
	var registeredAt, eligibilityUpdatedAt string

	err := row.Scan(&e.Name, &e.EndpointURL, &description, &modules, &lastSeenAt,
		&registeredAt, &e.EligibilityState, &eligibilityUpdatedAt, &quarantinedAt,
		&quarantineReason, &e.LivenessTTLSeconds)
	if err != nil {
		return nil, err
	}

	e.Description = description.String
	e.QuarantineReason = quarantineReason.String
	if modules.Valid && modules.String != "" && modules.String != "null" {
		if err := json.Unmarshal([]byte(modules.String), &e.Modules); err != nil {
			return nil, fmt.Errorf("parse modules: %w", err)
		}
	}
	if e.LastSeenAt, err = parseTimePtr(lastSeenAt); err != nil {
		return nil, err
	}
	if e.RegisteredAt, err = parseTime(registeredAt); err != nil {
		return nil, err
	}
	if e.EligibilityUpdatedAt, err = parseTime(eligibilityUpdatedAt); err != nil {
		return nil, err
	}
	if e.QuarantinedAt, err = parseTimePtr(quarantinedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanRoutingLog(row rowScanner) (*RoutingLogEntry, error) {
	var e RoutingLogEntry
	var idempotencyKey, sourceChannel, sender, errStr sql.NullString
	var createdAt string

	err := row.Scan(&e.ID, &e.RequestID, &idempotencyKey, &sourceChannel, &sender,
		&e.TargetButler, &e.Outcome, &errStr, &e.LatencyMS, &createdAt)
	if err != nil {
		return nil, err
	}

	e.IdempotencyKey = idempotencyKey.String
	e.SourceChannel = sourceChannel.String
	e.SenderIdentity = sender.String
	e.Error = errStr.String
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &e, nil
}

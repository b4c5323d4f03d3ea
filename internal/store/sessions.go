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

// Trigger source vocabulary. Every session names its cause; the set is
// closed apart from the parametric schedule:<name> form.
const (
	TriggerTick     = "tick"
	TriggerExternal = "external"
	TriggerTrigger  = "trigger"
	TriggerRoute    = "route"

	// SchedulePrefix marks sessions dispatched by the scheduler; the
	// suffix is the scheduled task name and must be non-empty.
	SchedulePrefix = "schedule:"
)

// ErrInvalidTriggerSource is returned when a session create names an
// unknown trigger source.
var ErrInvalidTriggerSource = errors.New("sessions: invalid trigger source")

// ValidateTriggerSource enforces the trigger-source vocabulary.
func ValidateTriggerSource(source string) error {
	switch source {
	case TriggerTick, TriggerExternal, TriggerTrigger, TriggerRoute:
		return nil
	}
	if name, ok := strings.CutPrefix(source, SchedulePrefix); ok && name != "" {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidTriggerSource, source)
}

// ToolCall is one tool invocation made during a session.
type ToolCall struct {
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

// Session is one LLM invocation. Rows are append-only apart from the
// single completion update.
type Session struct {
	ID            string     `json:"id"`
	Prompt        string     `json:"prompt"`
	TriggerSource string     `json:"trigger_source"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Result        string     `json:"result,omitempty"`
	ToolCalls     []ToolCall `json:"tool_calls,omitempty"`
	Success       *bool      `json:"success,omitempty"`
	Error         string     `json:"error,omitempty"`
	DurationMS    int64      `json:"duration_ms,omitempty"`
	TraceID       string     `json:"trace_id,omitempty"`
	Model         string     `json:"model,omitempty"`
	InputTokens   int64      `json:"input_tokens"`
	OutputTokens  int64      `json:"output_tokens"`
	Cost          float64    `json:"cost"`
	RequestID     string     `json:"request_id,omitempty"`
}

// SessionStore persists the session log.
type SessionStore struct {
	db *sql.DB
}

// CreateSessionParams are the fields known before the runtime is invoked.
type CreateSessionParams struct {
	Prompt        string
	TriggerSource string
	TraceID       string
	Model         string
	RequestID     string
}

// Create inserts the session row. The row exists before the runtime is
// invoked so a crash mid-invocation still leaves an audit trail.
func (s *SessionStore) Create(ctx context.Context, p CreateSessionParams) (*Session, error) {
	if err := ValidateTriggerSource(p.TriggerSource); err != nil {
		return nil, err
	}

	session := &Session{
		ID:            uuid.New().String(),
		Prompt:        p.Prompt,
		TriggerSource: p.TriggerSource,
		StartedAt:     time.Now().UTC(),
		TraceID:       p.TraceID,
		Model:         p.Model,
		RequestID:     p.RequestID,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, prompt, trigger_source, started_at, trace_id, model, request_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.Prompt, session.TriggerSource, formatTime(session.StartedAt),
		nullString(session.TraceID), nullString(session.Model), nullString(session.RequestID))
	if err != nil {
		return nil, fmt.Errorf("sessions: create: %w", err)
	}
	return session, nil
}

// CompleteSessionParams carry the outcome of a finished invocation.
type CompleteSessionParams struct {
	Result       string
	ToolCalls    []ToolCall
	Success      bool
	Error        string
	DurationMS   int64
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// Complete records the single completion update for a session.
func (s *SessionStore) Complete(ctx context.Context, id string, p CompleteSessionParams) error {
	toolCalls, err := json.Marshal(p.ToolCalls)
	if err != nil {
		return fmt.Errorf("sessions: marshal tool calls: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET
			completed_at = ?, result = ?, tool_calls = ?, success = ?, error = ?,
			duration_ms = ?, input_tokens = ?, output_tokens = ?, cost = ?
		 WHERE id = ? AND completed_at IS NULL`,
		formatTime(time.Now()), nullString(p.Result), string(toolCalls), p.Success, nullString(p.Error),
		p.DurationMS, p.InputTokens, p.OutputTokens, p.Cost, id)
	if err != nil {
		return fmt.Errorf("sessions: complete %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sessions: complete %s: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: open session %s", ErrNotFound, id)
	}
	return nil
}

// Get returns one session by id.
func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, sessionColumns+` WHERE id = ?`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sessions: get %s: %w", id, err)
	}
	return session, nil
}

// SessionFilter controls List pagination and the in-flight filter.
type SessionFilter struct {
	Limit        int
	Offset       int
	InFlightOnly bool
}

// List returns sessions ordered by started_at descending.
func (s *SessionStore) List(ctx context.Context, f SessionFilter) ([]*Session, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	query := sessionColumns
	if f.InFlightOnly {
		query += ` WHERE completed_at IS NULL`
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("sessions: list: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sessions: list: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// ModelSummary aggregates usage for one model over a period.
type ModelSummary struct {
	Model        string  `json:"model"`
	Sessions     int64   `json:"sessions"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Summary aggregates per model for sessions started at or after since.
func (s *SessionStore) Summary(ctx context.Context, since time.Time) ([]ModelSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(model, ''), COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost)
		 FROM sessions WHERE started_at >= ?
		 GROUP BY model ORDER BY model`,
		formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("sessions: summary: %w", err)
	}
	defer rows.Close()

	var summaries []ModelSummary
	for rows.Next() {
		var m ModelSummary
		if err := rows.Scan(&m.Model, &m.Sessions, &m.InputTokens, &m.OutputTokens, &m.Cost); err != nil {
			return nil, fmt.Errorf("sessions: summary: %w", err)
		}
		summaries = append(summaries, m)
	}
	return summaries, rows.Err()
}

// DailyUsage is one day of usage for one model.
type DailyUsage struct {
	Day          string  `json:"day"`
	Model        string  `json:"model"`
	Sessions     int64   `json:"sessions"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Daily returns a per-day, per-model time series covering the last days.
func (s *SessionStore) Daily(ctx context.Context, days int) ([]DailyUsage, error) {
	if days <= 0 {
		days = 30
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	rows, err := s.db.QueryContext(ctx,
		`SELECT substr(started_at, 1, 10), COALESCE(model, ''), COUNT(*),
			SUM(input_tokens), SUM(output_tokens), SUM(cost)
		 FROM sessions WHERE started_at >= ?
		 GROUP BY substr(started_at, 1, 10), model
		 ORDER BY substr(started_at, 1, 10), model`,
		formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("sessions: daily: %w", err)
	}
	defer rows.Close()

	var usage []DailyUsage
	for rows.Next() {
		var u DailyUsage
		if err := rows.Scan(&u.Day, &u.Model, &u.Sessions, &u.InputTokens, &u.OutputTokens, &u.Cost); err != nil {
			return nil, fmt.Errorf("sessions: daily: %w", err)
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

// Top returns the n sessions with the highest combined token counts.
func (s *SessionStore) Top(ctx context.Context, n int) ([]*Session, error) {
	if n <= 0 {
		n = 10
	}

	rows, err := s.db.QueryContext(ctx,
		sessionColumns+` ORDER BY input_tokens + output_tokens DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("sessions: top: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("sessions: top: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// ScheduleCost aggregates session spend per scheduled task, joining on the
// schedule:<name> trigger form.
type ScheduleCost struct {
	Task         string  `json:"task"`
	Sessions     int64   `json:"sessions"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// ScheduleCosts returns per-task session cost aggregates.
func (s *SessionStore) ScheduleCosts(ctx context.Context) ([]ScheduleCost, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.name, COUNT(s.id), COALESCE(SUM(s.input_tokens), 0),
			COALESCE(SUM(s.output_tokens), 0), COALESCE(SUM(s.cost), 0)
		 FROM scheduled_tasks t
		 LEFT JOIN sessions s ON s.trigger_source = 'schedule:' || t.name
		 GROUP BY t.name ORDER BY t.name`)
	if err != nil {
		return nil, fmt.Errorf("sessions: schedule costs: %w", err)
	}
	defer rows.Close()

	var costs []ScheduleCost
	for rows.Next() {
		var c ScheduleCost
		if err := rows.Scan(&c.Task, &c.Sessions, &c.InputTokens, &c.OutputTokens, &c.Cost); err != nil {
			return nil, fmt.Errorf("sessions: schedule costs: %w", err)
		}
		costs = append(costs, c)
	}
	return costs, rows.Err()
}

const sessionColumns = `SELECT id, prompt, trigger_source, started_at, completed_at, result,
	tool_calls, success, error, duration_ms, trace_id, model,
	input_tokens, output_tokens, cost, request_id FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var startedAt string
	var completedAt, result, toolCalls, errStr, traceID, model, requestID sql.NullString
	var success sql.NullBool
	var durationMS sql.NullInt64

	err := row.Scan(&session.ID, &session.Prompt, &session.TriggerSource, &startedAt,
		&completedAt, &result, &toolCalls, &success, &errStr, &durationMS,
		&traceID, &model, &session.InputTokens, &session.OutputTokens, &session.Cost, &requestID)
	if err != nil {
		return nil, err
	}

	if session.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if session.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	session.Result = result.String
	session.Error = errStr.String
	session.TraceID = traceID.String
	session.Model = model.String
	session.RequestID = requestID.String
	session.DurationMS = durationMS.Int64
	if success.Valid {
		session.Success = &success.Bool
	}
	if toolCalls.Valid && toolCalls.String != "" && toolCalls.String != "null" {
		if err := json.Unmarshal([]byte(toolCalls.String), &session.ToolCalls); err != nil {
			return nil, fmt.Errorf("parse tool calls: %w", err)
		}
	}
	return &session, nil
}

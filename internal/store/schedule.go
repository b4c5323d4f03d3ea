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
)

// Dispatch modes and row sources for scheduled tasks.
const (
	DispatchPrompt = "prompt"
	DispatchJob    = "job"

	SourceTOML = "toml"
	SourceDB   = "db"
)

var (
	// ErrDuplicateTask is returned when creating a task whose name exists.
	ErrDuplicateTask = errors.New("schedule: task already exists")

	// ErrTOMLTaskDelete is returned on attempts to delete a config-sourced
	// task. TOML rows are only ever disabled, preserving run history.
	ErrTOMLTaskDelete = errors.New("schedule: toml-sourced tasks cannot be deleted, only disabled")

	// ErrInvalidDispatch is returned when the prompt/job fields do not
	// match the dispatch mode.
	ErrInvalidDispatch = errors.New("schedule: invalid dispatch fields")
)

// ScheduledTask is one cron-driven trigger bound to this butler.
type ScheduledTask struct {
	Name         string          `json:"name"`
	Cron         string          `json:"cron"`
	DispatchMode string          `json:"dispatch_mode"`
	Prompt       string          `json:"prompt,omitempty"`
	JobName      string          `json:"job_name,omitempty"`
	JobArgs      json.RawMessage `json:"job_args,omitempty"`
	Enabled      bool            `json:"enabled"`
	Source       string          `json:"source"`
	NextRunAt    *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time      `json:"last_run_at,omitempty"`
	LastResult   json.RawMessage `json:"last_result,omitempty"`
	UntilAt      *time.Time      `json:"until_at,omitempty"`
	StaggerKey   string          `json:"stagger_key,omitempty"`
	Timezone     string          `json:"timezone,omitempty"`
	StartAt      *time.Time      `json:"start_at,omitempty"`
	EndAt        *time.Time      `json:"end_at,omitempty"`
	DisplayTitle string          `json:"display_title,omitempty"`
}

// Validate enforces the dispatch-mode and calendar invariants. Cross-mode
// fields are rejected at write time, not at dispatch.
func (t *ScheduledTask) Validate() error {
	switch t.DispatchMode {
	case DispatchPrompt:
		if t.Prompt == "" {
			return fmt.Errorf("%w: prompt mode requires a prompt", ErrInvalidDispatch)
		}
		if t.JobName != "" || len(t.JobArgs) > 0 {
			return fmt.Errorf("%w: prompt mode cannot carry job fields", ErrInvalidDispatch)
		}
	case DispatchJob:
		if t.JobName == "" {
			return fmt.Errorf("%w: job mode requires a job name", ErrInvalidDispatch)
		}
		if t.Prompt != "" {
			return fmt.Errorf("%w: job mode cannot carry a prompt", ErrInvalidDispatch)
		}
	default:
		return fmt.Errorf("%w: unknown dispatch mode %q", ErrInvalidDispatch, t.DispatchMode)
	}

	if t.StartAt != nil && t.EndAt != nil && !t.EndAt.After(*t.StartAt) {
		return fmt.Errorf("%w: end_at must be after start_at", ErrInvalidDispatch)
	}
	if t.StartAt != nil && t.UntilAt != nil && t.UntilAt.Before(*t.StartAt) {
		return fmt.Errorf("%w: until_at must not precede start_at", ErrInvalidDispatch)
	}
	return nil
}

// ScheduleStore persists scheduled tasks.
type ScheduleStore struct {
	db *sql.DB
}

// Create inserts a new task. Duplicate names are rejected.
func (s *ScheduleStore) Create(ctx context.Context, t *ScheduledTask) error {
	if err := t.Validate(); err != nil {
		return err
	}

	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks (name, cron, dispatch_mode, prompt, job_name, job_args,
			enabled, source, next_run_at, last_run_at, last_result, until_at, stagger_key,
			timezone, start_at, end_at, display_title, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Name, t.Cron, t.DispatchMode, nullString(t.Prompt), nullString(t.JobName), rawJSON(t.JobArgs),
		t.Enabled, t.Source, formatTimePtr(t.NextRunAt), formatTimePtr(t.LastRunAt), rawJSON(t.LastResult),
		formatTimePtr(t.UntilAt), t.StaggerKey, nullString(t.Timezone),
		formatTimePtr(t.StartAt), formatTimePtr(t.EndAt), nullString(t.DisplayTitle), now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: %q", ErrDuplicateTask, t.Name)
		}
		return fmt.Errorf("schedule: create %q: %w", t.Name, err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing task.
func (s *ScheduleStore) Update(ctx context.Context, t *ScheduledTask) error {
	if err := t.Validate(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET cron = ?, dispatch_mode = ?, prompt = ?, job_name = ?,
			job_args = ?, enabled = ?, next_run_at = ?, until_at = ?, stagger_key = ?,
			timezone = ?, start_at = ?, end_at = ?, display_title = ?, updated_at = ?
		 WHERE name = ?`,
		t.Cron, t.DispatchMode, nullString(t.Prompt), nullString(t.JobName), rawJSON(t.JobArgs),
		t.Enabled, formatTimePtr(t.NextRunAt), formatTimePtr(t.UntilAt), t.StaggerKey,
		nullString(t.Timezone), formatTimePtr(t.StartAt), formatTimePtr(t.EndAt),
		nullString(t.DisplayTitle), formatTime(time.Now()), t.Name)
	if err != nil {
		return fmt.Errorf("schedule: update %q: %w", t.Name, err)
	}
	return requireAffected(res, t.Name)
}

// Delete removes a db-sourced task. TOML-sourced rows are never deleted.
func (s *ScheduleStore) Delete(ctx context.Context, name string) error {
	task, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	if task.Source == SourceTOML {
		return fmt.Errorf("%w: %q", ErrTOMLTaskDelete, name)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE name = ?`, name); err != nil {
		return fmt.Errorf("schedule: delete %q: %w", name, err)
	}
	return nil
}

// Get returns one task by name.
func (s *ScheduleStore) Get(ctx context.Context, name string) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, taskColumns+` WHERE name = ?`, name)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: task %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("schedule: get %q: %w", name, err)
	}
	return task, nil
}

// List returns all tasks ordered by name.
func (s *ScheduleStore) List(ctx context.Context) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, taskColumns+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("schedule: list: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// Due returns enabled tasks whose next_run_at has arrived, ordered by
// next_run_at so the tick dispatches oldest-due first.
func (s *ScheduleStore) Due(ctx context.Context, now time.Time) ([]*ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		taskColumns+` WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at`,
		formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("schedule: due: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// RecordRun advances a task after a dispatch attempt, successful or not.
// A nil nextRunAt disables the task (the until_at boundary).
func (s *ScheduleStore) RecordRun(ctx context.Context, name string, lastResult json.RawMessage, lastRunAt time.Time, nextRunAt *time.Time) error {
	enabled := nextRunAt != nil
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET last_result = ?, last_run_at = ?, next_run_at = ?,
			enabled = ?, updated_at = ?
		 WHERE name = ?`,
		rawJSON(lastResult), formatTime(lastRunAt), formatTimePtr(nextRunAt),
		enabled, formatTime(time.Now()), name)
	if err != nil {
		return fmt.Errorf("schedule: record run %q: %w", name, err)
	}
	return requireAffected(res, name)
}

// SetEnabled toggles a task. Disabling nulls next_run_at; enabling stores
// the freshly computed occurrence passed by the scheduler.
func (s *ScheduleStore) SetEnabled(ctx context.Context, name string, enabled bool, nextRunAt *time.Time) error {
	if !enabled {
		nextRunAt = nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET enabled = ?, next_run_at = ?, updated_at = ? WHERE name = ?`,
		enabled, formatTimePtr(nextRunAt), formatTime(time.Now()), name)
	if err != nil {
		return fmt.Errorf("schedule: set enabled %q: %w", name, err)
	}
	return requireAffected(res, name)
}

// DisableTOMLExcept disables config-sourced rows that no longer appear in
// the declarative config. Returns the names disabled.
func (s *ScheduleStore) DisableTOMLExcept(ctx context.Context, keep []string) ([]string, error) {
	tasks, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	keepSet := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		keepSet[name] = struct{}{}
	}

	var disabled []string
	for _, task := range tasks {
		if task.Source != SourceTOML {
			continue
		}
		if _, ok := keepSet[task.Name]; ok {
			continue
		}
		if !task.Enabled {
			continue
		}
		if err := s.SetEnabled(ctx, task.Name, false, nil); err != nil {
			return disabled, err
		}
		disabled = append(disabled, task.Name)
	}
	return disabled, nil
}

const taskColumns = `SELECT name, cron, dispatch_mode, prompt, job_name, job_args, enabled,
	source, next_run_at, last_run_at, last_result, until_at, stagger_key,
	timezone, start_at, end_at, display_title FROM scheduled_tasks`

func scanTask(row rowScanner) (*ScheduledTask, error) {
	var t ScheduledTask
	var prompt, jobName, jobArgs, lastResult, timezone, displayTitle sql.NullString
	var nextRunAt, lastRunAt, untilAt, startAt, endAt sql.NullString

	err := row.Scan(&t.Name, &t.Cron, &t.DispatchMode, &prompt, &jobName, &jobArgs, &t.Enabled,
		&t.Source, &nextRunAt, &lastRunAt, &lastResult, &untilAt, &t.StaggerKey,
		&timezone, &startAt, &endAt, &displayTitle)
	if err != nil {
		return nil, err
	}

	t.Prompt = prompt.String
	t.JobName = jobName.String
	t.Timezone = timezone.String
	t.DisplayTitle = displayTitle.String
	if jobArgs.Valid {
		t.JobArgs = json.RawMessage(jobArgs.String)
	}
	if lastResult.Valid {
		t.LastResult = json.RawMessage(lastResult.String)
	}
	for _, pair := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{nextRunAt, &t.NextRunAt}, {lastRunAt, &t.LastRunAt}, {untilAt, &t.UntilAt},
		{startAt, &t.StartAt}, {endAt, &t.EndAt},
	} {
		parsed, err := parseTimePtr(pair.src)
		if err != nil {
			return nil, err
		}
		*pair.dst = parsed
	}
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]*ScheduledTask, error) {
	var tasks []*ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("schedule: scan: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func requireAffected(res sql.Result, name string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: task %q", ErrNotFound, name)
	}
	return nil
}

func rawJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

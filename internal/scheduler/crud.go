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

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stafford/butler/internal/store"
)

// ErrAmbiguousReminder is returned when a reminder names both or neither
// of its timing forms.
var ErrAmbiguousReminder = errors.New("scheduler: exactly one of delay_minutes and remind_at is required")

// CreateTask validates and inserts a runtime-created task. Runtime rows
// always carry source='db' and may be freely deleted later.
func (s *Scheduler) CreateTask(ctx context.Context, task *store.ScheduledTask) error {
	if err := ValidateCron(task.Cron); err != nil {
		return err
	}

	task.Source = store.SourceDB
	if task.Enabled {
		next, err := NextRun(task.Cron, task.StaggerKey, time.Now().UTC())
		if err != nil {
			return err
		}
		task.NextRunAt = &next
	} else {
		task.NextRunAt = nil
	}
	return s.tasks.Create(ctx, task)
}

// UpdateTask rewrites a task and recomputes its next occurrence.
func (s *Scheduler) UpdateTask(ctx context.Context, task *store.ScheduledTask) error {
	if err := ValidateCron(task.Cron); err != nil {
		return err
	}

	if task.Enabled {
		next, err := NextRun(task.Cron, task.StaggerKey, time.Now().UTC())
		if err != nil {
			return err
		}
		task.NextRunAt = &next
	} else {
		task.NextRunAt = nil
	}
	return s.tasks.Update(ctx, task)
}

// DeleteTask removes a db-sourced task. TOML rows are rejected downstream.
func (s *Scheduler) DeleteTask(ctx context.Context, name string) error {
	return s.tasks.Delete(ctx, name)
}

// ListTasks returns every task.
func (s *Scheduler) ListTasks(ctx context.Context) ([]*store.ScheduledTask, error) {
	return s.tasks.List(ctx)
}

// SetEnabled toggles a task. Enabling recomputes the next occurrence;
// disabling nulls it.
func (s *Scheduler) SetEnabled(ctx context.Context, name string, enabled bool) error {
	var nextPtr *time.Time
	if enabled {
		task, err := s.tasks.Get(ctx, name)
		if err != nil {
			return err
		}
		next, err := NextRun(task.Cron, task.StaggerKey, time.Now().UTC())
		if err != nil {
			return err
		}
		nextPtr = &next
	}
	return s.tasks.SetEnabled(ctx, name, enabled, nextPtr)
}

// ReminderParams describe one reminder request. Exactly one of
// DelayMinutes and RemindAt must be set.
type ReminderParams struct {
	Message      string
	Channel      string
	DelayMinutes int
	RemindAt     time.Time
}

// Remind creates a one-shot schedule: a cron matching the target minute
// exactly, bounded by until_at one minute later so the task auto-disables
// after its single firing.
func (s *Scheduler) Remind(ctx context.Context, p ReminderParams) (*store.ScheduledTask, error) {
	hasDelay := p.DelayMinutes > 0
	hasAt := !p.RemindAt.IsZero()
	if hasDelay == hasAt {
		return nil, ErrAmbiguousReminder
	}

	target := p.RemindAt.UTC()
	if hasDelay {
		target = time.Now().UTC().Add(time.Duration(p.DelayMinutes) * time.Minute)
	}
	target = target.Truncate(time.Minute)
	if !target.After(time.Now().UTC()) {
		return nil, fmt.Errorf("scheduler: reminder target %s is in the past", target.Format(time.RFC3339))
	}

	until := target.Add(time.Minute)
	prompt := fmt.Sprintf("Send a reminder on channel %q: %s", p.Channel, p.Message)
	task := &store.ScheduledTask{
		Name: "reminder-" + uuid.New().String()[:8],
		Cron: fmt.Sprintf("%d %d %d %d *",
			target.Minute(), target.Hour(), target.Day(), int(target.Month())),
		DispatchMode: store.DispatchPrompt,
		Prompt:       prompt,
		Enabled:      true,
		Source:       store.SourceDB,
		NextRunAt:    &target,
		UntilAt:      &until,
		DisplayTitle: p.Message,
	}

	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Info("reminder scheduled", "task", task.Name, "at", target.Format(time.RFC3339))
	return task, nil
}

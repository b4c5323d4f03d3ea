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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stafford/butler/internal/config"
	"github.com/stafford/butler/internal/store"
)

// Reconcile aligns the scheduled_tasks table with the declarative config:
// new entries insert with source='toml', changed entries update in place,
// and toml rows absent from config are disabled, never deleted. An entry
// that was previously disabled by removal resumes enabled when re-added.
func (s *Scheduler) Reconcile(ctx context.Context, entries []config.ScheduleEntry) error {
	now := time.Now().UTC()
	keep := make([]string, 0, len(entries))

	for _, entry := range entries {
		desired, err := taskFromEntry(entry, now)
		if err != nil {
			return fmt.Errorf("scheduler: reconcile %q: %w", entry.Name, err)
		}
		keep = append(keep, desired.Name)

		existing, err := s.tasks.Get(ctx, desired.Name)
		if errors.Is(err, store.ErrNotFound) {
			if err := s.tasks.Create(ctx, desired); err != nil {
				return fmt.Errorf("scheduler: reconcile %q: %w", desired.Name, err)
			}
			s.logger.Info("schedule added from config", "task", desired.Name)
			continue
		}
		if err != nil {
			return err
		}

		if taskMatches(existing, desired) && existing.Enabled {
			continue
		}

		// Preserve run history; rewrite the declarative fields and
		// recompute the next occurrence.
		existing.Cron = desired.Cron
		existing.DispatchMode = desired.DispatchMode
		existing.Prompt = desired.Prompt
		existing.JobName = desired.JobName
		existing.JobArgs = desired.JobArgs
		existing.StaggerKey = desired.StaggerKey
		existing.UntilAt = desired.UntilAt
		existing.Timezone = desired.Timezone
		existing.StartAt = desired.StartAt
		existing.EndAt = desired.EndAt
		existing.DisplayTitle = desired.DisplayTitle
		existing.Enabled = true
		existing.NextRunAt = desired.NextRunAt
		existing.Source = store.SourceTOML
		if err := s.tasks.Update(ctx, existing); err != nil {
			return fmt.Errorf("scheduler: reconcile %q: %w", desired.Name, err)
		}
		s.logger.Info("schedule updated from config", "task", desired.Name)
	}

	disabled, err := s.tasks.DisableTOMLExcept(ctx, keep)
	if err != nil {
		return fmt.Errorf("scheduler: reconcile: %w", err)
	}
	for _, name := range disabled {
		s.logger.Info("schedule disabled, no longer in config", "task", name)
	}
	return nil
}

// taskFromEntry converts one config entry into its desired row shape.
func taskFromEntry(entry config.ScheduleEntry, now time.Time) (*store.ScheduledTask, error) {
	if err := ValidateCron(entry.Cron); err != nil {
		return nil, err
	}

	mode := entry.DispatchMode
	if mode == "" {
		mode = store.DispatchPrompt
		if entry.JobName != "" {
			mode = store.DispatchJob
		}
	}

	var jobArgs json.RawMessage
	if len(entry.JobArgs) > 0 {
		data, err := json.Marshal(entry.JobArgs)
		if err != nil {
			return nil, fmt.Errorf("job args: %w", err)
		}
		jobArgs = data
	}

	task := &store.ScheduledTask{
		Name:         entry.Name,
		Cron:         entry.Cron,
		DispatchMode: mode,
		Prompt:       entry.Prompt,
		JobName:      entry.JobName,
		JobArgs:      jobArgs,
		Enabled:      true,
		Source:       store.SourceTOML,
		StaggerKey:   entry.StaggerKey,
		Timezone:     entry.Timezone,
		DisplayTitle: entry.DisplayTitle,
	}

	var err error
	if task.UntilAt, err = parseTimeField("until", entry.Until); err != nil {
		return nil, err
	}
	if task.StartAt, err = parseTimeField("start_at", entry.StartAt); err != nil {
		return nil, err
	}
	if task.EndAt, err = parseTimeField("end_at", entry.EndAt); err != nil {
		return nil, err
	}
	if err := task.Validate(); err != nil {
		return nil, err
	}

	next, err := NextRun(task.Cron, task.StaggerKey, now)
	if err != nil {
		return nil, err
	}
	task.NextRunAt = &next
	return task, nil
}

func parseTimeField(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	utc := t.UTC()
	return &utc, nil
}

// taskMatches compares the declarative fields only; run history and
// next_run_at are operational state.
func taskMatches(existing, desired *store.ScheduledTask) bool {
	return existing.Cron == desired.Cron &&
		existing.DispatchMode == desired.DispatchMode &&
		existing.Prompt == desired.Prompt &&
		existing.JobName == desired.JobName &&
		bytes.Equal(existing.JobArgs, desired.JobArgs) &&
		existing.StaggerKey == desired.StaggerKey &&
		timePtrEqual(existing.UntilAt, desired.UntilAt) &&
		existing.Timezone == desired.Timezone &&
		timePtrEqual(existing.StartAt, desired.StartAt) &&
		timePtrEqual(existing.EndAt, desired.EndAt) &&
		existing.DisplayTitle == desired.DisplayTitle &&
		existing.Source == store.SourceTOML
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

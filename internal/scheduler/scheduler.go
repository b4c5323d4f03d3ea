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

// Package scheduler drives cron-based task dispatch: due-task selection,
// deterministic staggering, declarative reconciliation and one-shot
// reminders.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/stafford/butler/internal/spawner"
	"github.com/stafford/butler/internal/store"
)

// SessionRunner is the spawner surface the scheduler needs.
type SessionRunner interface {
	Invoke(ctx context.Context, p spawner.InvokeParams) (*store.Session, error)
}

// Scheduler owns the tick loop and schedule mutations for one butler.
type Scheduler struct {
	logger *slog.Logger
	tasks  *store.ScheduleStore
	runner SessionRunner
	jobs   *Jobs

	tickInterval time.Duration
}

// New constructs a scheduler. jobs may be shared with the module registry
// so modules can register job handlers during startup.
func New(tasks *store.ScheduleStore, runner SessionRunner, jobs *Jobs, tickInterval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger:       logger.With("component", "scheduler"),
		tasks:        tasks,
		runner:       runner,
		jobs:         jobs,
		tickInterval: tickInterval,
	}
}

// Run executes the tick loop until ctx is cancelled. Ticks never overlap:
// the next interval is not observed until the previous tick returns. The
// in-progress tick is allowed to complete at shutdown.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "tick_interval", s.tickInterval.String())
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches every due task serially in next_run_at order. Dispatch
// errors are captured into last_result and never interrupt the loop.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.tasks.Due(ctx, now)
	if err != nil {
		s.logger.Error("due-task query failed", "error", err)
		return
	}

	for _, task := range due {
		result := s.dispatch(ctx, task)
		s.recordRun(ctx, task, result, now)
	}
}

// dispatch runs one task in its dispatch mode and returns the last_result
// payload.
func (s *Scheduler) dispatch(ctx context.Context, task *store.ScheduledTask) json.RawMessage {
	logger := s.logger.With("task", task.Name, "dispatch_mode", task.DispatchMode)

	switch task.DispatchMode {
	case store.DispatchPrompt:
		session, err := s.runner.Invoke(ctx, spawner.InvokeParams{
			Prompt:        task.Prompt,
			TriggerSource: store.SchedulePrefix + task.Name,
		})
		if err != nil {
			logger.Warn("prompt dispatch failed", "error", err)
			return errorResult(err)
		}
		logger.Info("task dispatched", "session_id", session.ID)
		return mustJSON(map[string]string{"session_id": session.ID})

	case store.DispatchJob:
		output, err := s.jobs.Run(ctx, task.JobName, task.JobArgs)
		if err != nil {
			logger.Warn("job dispatch failed", "job", task.JobName, "error", err)
			return errorResult(err)
		}
		logger.Info("job dispatched", "job", task.JobName)
		if output == nil {
			output = json.RawMessage(`{}`)
		}
		return output

	default:
		return errorResult(fmt.Errorf("unknown dispatch mode %q", task.DispatchMode))
	}
}

// recordRun advances the task after a dispatch attempt, honouring the
// until_at boundary.
func (s *Scheduler) recordRun(ctx context.Context, task *store.ScheduledTask, result json.RawMessage, now time.Time) {
	next, err := NextRun(task.Cron, task.StaggerKey, now)
	if err != nil {
		s.logger.Error("next occurrence computation failed", "task", task.Name, "error", err)
		result = errorResult(err)
	}

	nextPtr := &next
	if err != nil || (task.UntilAt != nil && next.After(*task.UntilAt)) {
		// Crossing until_at disables the task instead of scheduling
		// past the boundary.
		nextPtr = nil
	}

	if err := s.tasks.RecordRun(ctx, task.Name, result, now, nextPtr); err != nil {
		s.logger.Error("record run failed", "task", task.Name, "error", err)
	}
}

func errorResult(err error) json.RawMessage {
	return mustJSON(map[string]string{"error": err.Error()})
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"error":"marshal failure"}`)
	}
	return data
}

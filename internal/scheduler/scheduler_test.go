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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stafford/butler/internal/config"
	"github.com/stafford/butler/internal/spawner"
	"github.com/stafford/butler/internal/store"
)

type fakeRunner struct {
	invocations []spawner.InvokeParams
	err         error
}

func (r *fakeRunner) Invoke(ctx context.Context, p spawner.InvokeParams) (*store.Session, error) {
	r.invocations = append(r.invocations, p)
	if r.err != nil {
		return nil, r.err
	}
	return &store.Session{ID: fmt.Sprintf("session-%d", len(r.invocations))}, nil
}

func newTestScheduler(t *testing.T, runner SessionRunner) (*Scheduler, *store.Store) {
	t.Helper()
	db, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	if runner == nil {
		runner = &fakeRunner{}
	}
	s := New(db.Schedule, runner, NewJobs(), time.Minute, slog.New(slog.DiscardHandler))
	return s, db
}

func duePromptTask(t *testing.T, db *store.Store, name string, extra func(*store.ScheduledTask)) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	task := &store.ScheduledTask{
		Name: name, Cron: "0 9 * * *", DispatchMode: store.DispatchPrompt,
		Prompt: "say hello", Enabled: true, Source: store.SourceDB, NextRunAt: &past,
	}
	if extra != nil {
		extra(task)
	}
	require.NoError(t, db.Schedule.Create(context.Background(), task))
}

func TestTickDispatchesPromptTask(t *testing.T) {
	runner := &fakeRunner{}
	s, db := newTestScheduler(t, runner)
	duePromptTask(t, db, "daily", nil)

	s.Tick(context.Background())

	require.Len(t, runner.invocations, 1)
	assert.Equal(t, "say hello", runner.invocations[0].Prompt)
	assert.Equal(t, "schedule:daily", runner.invocations[0].TriggerSource)

	task, err := db.Schedule.Get(context.Background(), "daily")
	require.NoError(t, err)
	assert.True(t, task.Enabled)
	require.NotNil(t, task.NextRunAt)
	assert.True(t, task.NextRunAt.After(time.Now().UTC()))
	require.NotNil(t, task.LastRunAt)
	assert.JSONEq(t, `{"session_id":"session-1"}`, string(task.LastResult))
}

func TestTickCapturesDispatchError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("spawner unavailable")}
	s, db := newTestScheduler(t, runner)
	duePromptTask(t, db, "broken", nil)
	duePromptTask(t, db, "second", func(task *store.ScheduledTask) {
		later := time.Now().UTC().Add(-30 * time.Second)
		task.NextRunAt = &later
	})

	s.Tick(context.Background())

	// The error is captured, the task advances, and the loop reaches the
	// next due task.
	require.Len(t, runner.invocations, 2)
	task, err := db.Schedule.Get(context.Background(), "broken")
	require.NoError(t, err)
	var result map[string]string
	require.NoError(t, json.Unmarshal(task.LastResult, &result))
	assert.Contains(t, result["error"], "spawner unavailable")
	assert.True(t, task.Enabled)
}

func TestTickUntilAtDisables(t *testing.T) {
	s, db := newTestScheduler(t, nil)
	duePromptTask(t, db, "ending", func(task *store.ScheduledTask) {
		// The next 09:00 occurrence is beyond until_at.
		until := time.Now().UTC().Add(time.Minute)
		task.UntilAt = &until
	})

	s.Tick(context.Background())

	task, err := db.Schedule.Get(context.Background(), "ending")
	require.NoError(t, err)
	assert.False(t, task.Enabled)
	assert.Nil(t, task.NextRunAt)
	require.NotNil(t, task.LastRunAt)
}

func TestTickJobMode(t *testing.T) {
	s, db := newTestScheduler(t, nil)
	require.NoError(t, s.jobs.RegisterJob("sweep", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"swept":3}`), nil
	}))

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, db.Schedule.Create(context.Background(), &store.ScheduledTask{
		Name: "sweeper", Cron: "*/5 * * * *", DispatchMode: store.DispatchJob,
		JobName: "sweep", Enabled: true, Source: store.SourceDB, NextRunAt: &past,
	}))

	s.Tick(context.Background())

	task, err := db.Schedule.Get(context.Background(), "sweeper")
	require.NoError(t, err)
	assert.JSONEq(t, `{"swept":3}`, string(task.LastResult))
}

func TestJobsDuplicateAndUnknown(t *testing.T) {
	jobs := NewJobs()
	fn := func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) { return nil, nil }

	require.NoError(t, jobs.RegisterJob("sweep", fn))
	assert.ErrorIs(t, jobs.RegisterJob("sweep", fn), ErrDuplicateJob)

	_, err := jobs.Run(context.Background(), "ghost", nil)
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestCreateTaskComputesNextRun(t *testing.T) {
	s, db := newTestScheduler(t, nil)

	task := &store.ScheduledTask{
		Name: "new", Cron: "0 9 * * *", DispatchMode: store.DispatchPrompt,
		Prompt: "p", Enabled: true,
	}
	require.NoError(t, s.CreateTask(context.Background(), task))

	got, err := db.Schedule.Get(context.Background(), "new")
	require.NoError(t, err)
	assert.Equal(t, store.SourceDB, got.Source)
	require.NotNil(t, got.NextRunAt)

	bad := &store.ScheduledTask{Name: "bad", Cron: "nope", DispatchMode: store.DispatchPrompt, Prompt: "p"}
	assert.Error(t, s.CreateTask(context.Background(), bad))
}

func TestRemind(t *testing.T) {
	s, db := newTestScheduler(t, nil)
	ctx := context.Background()

	task, err := s.Remind(ctx, ReminderParams{
		Message:      "pick up the dry cleaning",
		Channel:      "telegram",
		DelayMinutes: 30,
	})
	require.NoError(t, err)

	got, err := db.Schedule.Get(ctx, task.Name)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	require.NotNil(t, got.UntilAt)
	assert.Equal(t, time.Minute, got.UntilAt.Sub(*got.NextRunAt))
	assert.Contains(t, got.Prompt, "pick up the dry cleaning")
	assert.Equal(t, store.SourceDB, got.Source)

	// The one-shot cron matches the target minute exactly: after firing,
	// the next occurrence is ~a year away, far past until_at.
	next, err := NextRun(got.Cron, "", *got.NextRunAt)
	require.NoError(t, err)
	assert.True(t, next.After(*got.UntilAt))
}

func TestRemindRejectsAmbiguousTiming(t *testing.T) {
	s, _ := newTestScheduler(t, nil)
	ctx := context.Background()

	_, err := s.Remind(ctx, ReminderParams{
		Message: "m", Channel: "c",
		DelayMinutes: 10, RemindAt: time.Now().Add(time.Hour),
	})
	assert.ErrorIs(t, err, ErrAmbiguousReminder)

	_, err = s.Remind(ctx, ReminderParams{Message: "m", Channel: "c"})
	assert.ErrorIs(t, err, ErrAmbiguousReminder)
}

func TestReconcile(t *testing.T) {
	s, db := newTestScheduler(t, nil)
	ctx := context.Background()

	entries := []config.ScheduleEntry{
		{Name: "brief", Cron: "0 7 * * *", Prompt: "morning brief"},
		{Name: "sweep", Cron: "*/5 * * * *", JobName: "sweep"},
	}
	require.NoError(t, s.Reconcile(ctx, entries))

	brief, err := db.Schedule.Get(ctx, "brief")
	require.NoError(t, err)
	assert.Equal(t, store.SourceTOML, brief.Source)
	assert.Equal(t, store.DispatchPrompt, brief.DispatchMode)
	assert.True(t, brief.Enabled)

	sweep, err := db.Schedule.Get(ctx, "sweep")
	require.NoError(t, err)
	assert.Equal(t, store.DispatchJob, sweep.DispatchMode)

	// A changed prompt updates in place and preserves the row.
	entries[0].Prompt = "longer morning brief"
	require.NoError(t, s.Reconcile(ctx, entries))
	brief, err = db.Schedule.Get(ctx, "brief")
	require.NoError(t, err)
	assert.Equal(t, "longer morning brief", brief.Prompt)

	// Removal from config disables, never deletes.
	require.NoError(t, s.Reconcile(ctx, entries[:1]))
	sweep, err = db.Schedule.Get(ctx, "sweep")
	require.NoError(t, err)
	assert.False(t, sweep.Enabled)
	assert.Nil(t, sweep.NextRunAt)

	// Re-adding the entry resumes it enabled.
	require.NoError(t, s.Reconcile(ctx, entries))
	sweep, err = db.Schedule.Get(ctx, "sweep")
	require.NoError(t, err)
	assert.True(t, sweep.Enabled)
	require.NotNil(t, sweep.NextRunAt)
}

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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTriggerSource(t *testing.T) {
	valid := []string{"tick", "external", "trigger", "route", "schedule:morning-brief"}
	for _, source := range valid {
		assert.NoError(t, ValidateTriggerSource(source), source)
	}

	invalid := []string{"", "cron", "schedule:", "scheduled:x", "Tick"}
	for _, source := range invalid {
		assert.ErrorIs(t, ValidateTriggerSource(source), ErrInvalidTriggerSource, source)
	}
}

func TestSessionCreateComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session, err := s.Sessions.Create(ctx, CreateSessionParams{
		Prompt:        "check the post",
		TriggerSource: TriggerTick,
		Model:         "claude-sonnet-4",
	})
	require.NoError(t, err)
	require.NotEmpty(t, session.ID)

	// The row is visible (and open) before completion.
	got, err := s.Sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.Success)

	err = s.Sessions.Complete(ctx, session.ID, CompleteSessionParams{
		Result:  "nothing new",
		Success: true,
		ToolCalls: []ToolCall{
			{Name: "state_get", Arguments: json.RawMessage(`{"key":"post/last"}`), DurationMS: 4},
		},
		DurationMS:   1200,
		InputTokens:  800,
		OutputTokens: 150,
		Cost:         0.012,
	})
	require.NoError(t, err)

	got, err = s.Sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.Success)
	assert.True(t, *got.Success)
	assert.Equal(t, "nothing new", got.Result)
	require.Len(t, got.ToolCalls, 1)
	assert.Equal(t, "state_get", got.ToolCalls[0].Name)

	// Completion is a single update; a second attempt finds no open row.
	err = s.Sessions.Complete(ctx, session.ID, CompleteSessionParams{Success: false})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionCreateRejectsBadTrigger(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Sessions.Create(context.Background(), CreateSessionParams{
		Prompt:        "p",
		TriggerSource: "webhook",
	})
	assert.ErrorIs(t, err, ErrInvalidTriggerSource)
}

func TestSessionListInFlight(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	open, err := s.Sessions.Create(ctx, CreateSessionParams{Prompt: "a", TriggerSource: TriggerTick})
	require.NoError(t, err)
	done, err := s.Sessions.Create(ctx, CreateSessionParams{Prompt: "b", TriggerSource: TriggerExternal})
	require.NoError(t, err)
	require.NoError(t, s.Sessions.Complete(ctx, done.ID, CompleteSessionParams{Success: true}))

	sessions, err := s.Sessions.List(ctx, SessionFilter{InFlightOnly: true})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, open.ID, sessions[0].ID)

	sessions, err = s.Sessions.List(ctx, SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestSessionTop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sizes := []int64{100, 5000, 700}
	var ids []string
	for _, tokens := range sizes {
		session, err := s.Sessions.Create(ctx, CreateSessionParams{Prompt: "p", TriggerSource: TriggerTick})
		require.NoError(t, err)
		require.NoError(t, s.Sessions.Complete(ctx, session.ID, CompleteSessionParams{
			Success: true, InputTokens: tokens, OutputTokens: tokens / 10,
		}))
		ids = append(ids, session.ID)
	}

	top, err := s.Sessions.Top(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, ids[1], top[0].ID)
	assert.Equal(t, ids[2], top[1].ID)
}

func TestScheduleCosts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Schedule.Create(ctx, &ScheduledTask{
		Name: "morning-brief", Cron: "0 7 * * *", DispatchMode: DispatchPrompt,
		Prompt: "summarize overnight mail", Enabled: true, Source: SourceTOML,
	}))
	require.NoError(t, s.Schedule.Create(ctx, &ScheduledTask{
		Name: "idle-task", Cron: "0 0 * * *", DispatchMode: DispatchPrompt,
		Prompt: "noop", Enabled: true, Source: SourceDB,
	}))

	for i := 0; i < 2; i++ {
		session, err := s.Sessions.Create(ctx, CreateSessionParams{
			Prompt: "p", TriggerSource: "schedule:morning-brief",
		})
		require.NoError(t, err)
		require.NoError(t, s.Sessions.Complete(ctx, session.ID, CompleteSessionParams{
			Success: true, InputTokens: 100, OutputTokens: 20, Cost: 0.01,
		}))
	}

	costs, err := s.Sessions.ScheduleCosts(ctx)
	require.NoError(t, err)
	require.Len(t, costs, 2)
	assert.Equal(t, "idle-task", costs[0].Task)
	assert.Equal(t, int64(0), costs[0].Sessions)
	assert.Equal(t, "morning-brief", costs[1].Task)
	assert.Equal(t, int64(2), costs[1].Sessions)
	assert.Equal(t, int64(200), costs[1].InputTokens)
	assert.InDelta(t, 0.02, costs[1].Cost, 1e-9)
}

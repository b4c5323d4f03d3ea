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

package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/stafford/butler/internal/spawner"
	"github.com/stafford/butler/internal/store"
)

type fakeRunner struct {
	mu      sync.Mutex
	params  []spawner.InvokeParams
	success bool
	err     error
	sessErr string
}

func (f *fakeRunner) Invoke(ctx context.Context, p spawner.InvokeParams) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, p)
	if f.err != nil {
		return nil, f.err
	}
	now := time.Now().UTC()
	return &store.Session{
		ID: "session-1", Prompt: p.Prompt, TriggerSource: p.TriggerSource,
		StartedAt: now, CompletedAt: &now, Success: &f.success, Error: f.sessErr,
	}, nil
}

func (f *fakeRunner) invocations() []spawner.InvokeParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]spawner.InvokeParams(nil), f.params...)
}

func newTestWorker(t *testing.T, runner SessionRunner) (*Worker, *store.Store) {
	t.Helper()
	db, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return New(db.Inbox, runner, slog.New(slog.DiscardHandler)), db
}

func waitForState(t *testing.T, db *store.Store, requestID, state string) *store.InboxMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := db.Inbox.Get(context.Background(), requestID)
		require.NoError(t, err)
		if msg.LifecycleState == state {
			return msg
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("inbox %s never reached state %q", requestID, state)
	return nil
}

func TestAcceptPersistsBeforeReturning(t *testing.T) {
	w, db := newTestWorker(t, &fakeRunner{success: true})

	// No worker goroutine running: the row must still be durable the
	// moment Accept returns.
	err := w.Accept(context.Background(), AcceptParams{
		RequestID:     "req-1",
		SourceChannel: "telegram",
		Prompt:        "hello",
	})
	require.NoError(t, err)

	msg, err := db.Inbox.Get(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, store.InboxAccepted, msg.LifecycleState)
}

func TestAcceptValidation(t *testing.T) {
	w, _ := newTestWorker(t, &fakeRunner{success: true})

	err := w.Accept(context.Background(), AcceptParams{Prompt: "hello"})
	assert.ErrorContains(t, err, "request_id")

	err = w.Accept(context.Background(), AcceptParams{RequestID: "req-1"})
	assert.ErrorContains(t, err, "prompt")
}

func TestProcessRunsFullLifecycle(t *testing.T) {
	runner := &fakeRunner{success: true}
	w, db := newTestWorker(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, w.Accept(ctx, AcceptParams{
		RequestID:      "req-1",
		SourceChannel:  "telegram",
		SenderIdentity: "alice",
		Prompt:         "what is for dinner?",
		Classification: "meal planning",
	}))

	msg := waitForState(t, db, "req-1", store.InboxParsed)

	var results map[string]any
	require.NoError(t, json.Unmarshal(msg.RoutingResults, &results))
	assert.Equal(t, "session-1", results["session_id"])

	invocations := runner.invocations()
	require.Len(t, invocations, 1)
	assert.Equal(t, store.TriggerRoute, invocations[0].TriggerSource)
	assert.Equal(t, "req-1", invocations[0].RequestID)
	assert.Contains(t, invocations[0].Prompt, "what is for dinner?")
	assert.Contains(t, invocations[0].Prompt, "alice")
	assert.Contains(t, invocations[0].Prompt, "meal planning")
}

func TestProcessSessionFailureErrorsRow(t *testing.T) {
	runner := &fakeRunner{success: false, sessErr: "model overloaded"}
	w, db := newTestWorker(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, w.Accept(ctx, AcceptParams{
		RequestID: "req-1", SourceChannel: "telegram", Prompt: "hello",
	}))

	msg := waitForState(t, db, "req-1", store.InboxErrored)

	var results map[string]any
	require.NoError(t, json.Unmarshal(msg.RoutingResults, &results))
	assert.Equal(t, "model overloaded", results["error"])
}

func TestProcessAdmissionFailureErrorsRow(t *testing.T) {
	runner := &fakeRunner{err: errors.New("queue full")}
	w, db := newTestWorker(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, w.Accept(ctx, AcceptParams{
		RequestID: "req-1", SourceChannel: "telegram", Prompt: "hello",
	}))

	msg := waitForState(t, db, "req-1", store.InboxErrored)
	assert.Contains(t, string(msg.RoutingResults), "queue full")
}

func TestProcessIsSequential(t *testing.T) {
	runner := &fakeRunner{success: true}
	w, db := newTestWorker(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"req-1", "req-2", "req-3"} {
		require.NoError(t, w.Accept(ctx, AcceptParams{
			RequestID: id, SourceChannel: "telegram", Prompt: "hello " + id,
		}))
	}
	go w.Run(ctx)

	waitForState(t, db, "req-3", store.InboxParsed)

	// Accepted order is the processing order.
	invocations := runner.invocations()
	require.Len(t, invocations, 3)
	assert.Equal(t, "req-1", invocations[0].RequestID)
	assert.Equal(t, "req-2", invocations[1].RequestID)
	assert.Equal(t, "req-3", invocations[2].RequestID)
}

func TestRecoveryRedispatchesStrandedRows(t *testing.T) {
	runner := &fakeRunner{success: true}
	w, db := newTestWorker(t, runner)
	ctx := context.Background()

	// Simulate a crash: rows left in accepted and dispatching, plus a
	// finished one that must not be re-run.
	require.NoError(t, db.Inbox.Accept(ctx, &store.InboxMessage{
		RequestID: "req-old", SourceChannel: "telegram", Prompt: "oldest",
	}))
	require.NoError(t, db.Inbox.Accept(ctx, &store.InboxMessage{
		RequestID: "req-mid", SourceChannel: "telegram", Prompt: "middle",
	}))
	require.NoError(t, db.Inbox.SetState(ctx, "req-mid", store.InboxDispatching))
	require.NoError(t, db.Inbox.Accept(ctx, &store.InboxMessage{
		RequestID: "req-done", SourceChannel: "telegram", Prompt: "done",
	}))
	require.NoError(t, db.Inbox.Finish(ctx, "req-done", store.InboxParsed, json.RawMessage(`{}`)))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.Run(runCtx)

	waitForState(t, db, "req-old", store.InboxParsed)
	waitForState(t, db, "req-mid", store.InboxParsed)

	invocations := runner.invocations()
	require.Len(t, invocations, 2)
	assert.Equal(t, "req-old", invocations[0].RequestID)
	assert.Equal(t, "req-mid", invocations[1].RequestID)
}

func TestRecoveredRowsTaggedOnProcessingSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	runner := &fakeRunner{success: true}
	w, db := newTestWorker(t, runner)
	ctx := context.Background()

	// One row stranded by a crash, one accepted after startup.
	require.NoError(t, db.Inbox.Accept(ctx, &store.InboxMessage{
		RequestID: "req-stranded", SourceChannel: "telegram", Prompt: "stranded",
	}))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.Run(runCtx)

	waitForState(t, db, "req-stranded", store.InboxParsed)
	require.NoError(t, w.Accept(runCtx, AcceptParams{
		RequestID: "req-fresh", SourceChannel: "telegram", Prompt: "fresh",
	}))
	waitForState(t, db, "req-fresh", store.InboxParsed)

	recovered := make(map[string]bool)
	for _, span := range recorder.Ended() {
		if span.Name() != "route.process" {
			continue
		}
		var id string
		var wasRecovered bool
		for _, attr := range span.Attributes() {
			switch attr.Key {
			case attribute.Key("request_id"):
				id = attr.Value.AsString()
			case attribute.Key("recovered"):
				wasRecovered = attr.Value.AsBool()
			}
		}
		recovered[id] = wasRecovered
	}

	require.Contains(t, recovered, "req-stranded")
	require.Contains(t, recovered, "req-fresh")
	assert.True(t, recovered["req-stranded"])
	assert.False(t, recovered["req-fresh"])
}

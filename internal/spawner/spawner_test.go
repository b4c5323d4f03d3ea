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

package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stafford/butler/internal/runtime"
	"github.com/stafford/butler/internal/store"
)

type fakeAdapter struct {
	mu         sync.Mutex
	block      chan struct{}
	err        error
	result     runtime.Result
	requests   []runtime.Request
	resets     int
	resetPaths []string
}

func (a *fakeAdapter) Name() string       { return "fake" }
func (a *fakeAdapter) BinaryName() string { return "fake" }

func (a *fakeAdapter) Invoke(ctx context.Context, req runtime.Request) (*runtime.Result, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	block := a.block
	a.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if a.err != nil {
		return nil, a.err
	}
	result := a.result
	return &result, nil
}

func (a *fakeAdapter) BuildConfigFile(dir string, endpoint runtime.Endpoint) (string, error) {
	path := filepath.Join(dir, "config.json")
	return path, os.WriteFile(path, []byte(endpoint.URL), 0o600)
}

func (a *fakeAdapter) ParseSystemPromptFile(path string) (string, error) { return "", nil }

func (a *fakeAdapter) Reset(configPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resets++
	a.resetPaths = append(a.resetPaths, configPath)
	return nil
}

type mapResolver map[string]string

func (r mapResolver) Resolve(ctx context.Context, name string) (string, error) {
	if value, ok := r[name]; ok {
		return value, nil
	}
	return "", fmt.Errorf("not found: %s", name)
}

func newTestSpawner(t *testing.T, cfg Config, adapter runtime.Adapter, resolver Resolver) (*Spawner, *store.Store) {
	t.Helper()
	db, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	if cfg.ButlerName == "" {
		cfg.ButlerName = "valet"
	}
	if cfg.ToolEndpointURL == "" {
		cfg.ToolEndpointURL = "http://localhost:40210/mcp"
	}
	cfg.DataDir = t.TempDir()
	if resolver == nil {
		resolver = mapResolver{}
	}
	return New(cfg, db.Sessions, adapter, resolver, nil, slog.New(slog.DiscardHandler)), db
}

func TestInvokeSuccessBracketsSession(t *testing.T) {
	adapter := &fakeAdapter{result: runtime.Result{
		Text:         "tea is served",
		InputTokens:  120,
		OutputTokens: 30,
		Cost:         0.004,
		ToolCalls:    []runtime.ToolCall{{Name: "state_get"}},
	}}
	s, _ := newTestSpawner(t, Config{Model: "claude-sonnet-4"}, adapter, nil)

	session, err := s.Invoke(context.Background(), InvokeParams{
		Prompt:        "serve tea",
		TriggerSource: store.TriggerTick,
	})
	require.NoError(t, err)
	require.NotNil(t, session.CompletedAt)
	require.NotNil(t, session.Success)
	assert.True(t, *session.Success)
	assert.Equal(t, "tea is served", session.Result)
	assert.Equal(t, int64(120), session.InputTokens)
	require.Len(t, session.ToolCalls, 1)
	assert.True(t, !session.CompletedAt.Before(session.StartedAt))
	assert.Equal(t, 1, adapter.resets)

	// The adapter saw the session id in its endpoint config.
	require.Len(t, adapter.requests, 1)
	// Reset receives this session's own config path, not shared state.
	require.Len(t, adapter.resetPaths, 1)
	assert.Equal(t, adapter.requests[0].MCPConfigPath, adapter.resetPaths[0])
	data, err := os.ReadFile(adapter.requests[0].MCPConfigPath)
	if err == nil {
		assert.Contains(t, string(data), "session_id="+session.ID)
	}
}

func TestInvokeFailureCompletesSession(t *testing.T) {
	adapter := &fakeAdapter{err: errors.New("binary exploded")}
	s, _ := newTestSpawner(t, Config{}, adapter, nil)

	session, err := s.Invoke(context.Background(), InvokeParams{
		Prompt:        "p",
		TriggerSource: store.TriggerExternal,
	})
	require.NoError(t, err)
	require.NotNil(t, session.Success)
	assert.False(t, *session.Success)
	assert.Contains(t, session.Error, "binary exploded")
	assert.Equal(t, 1, adapter.resets)
}

func TestInvokeRejectsBadTriggerSource(t *testing.T) {
	s, _ := newTestSpawner(t, Config{}, &fakeAdapter{}, nil)

	_, err := s.Invoke(context.Background(), InvokeParams{Prompt: "p", TriggerSource: "webhook"})
	assert.ErrorIs(t, err, store.ErrInvalidTriggerSource)
}

func TestQueueFullBackpressure(t *testing.T) {
	block := make(chan struct{})
	adapter := &fakeAdapter{block: block}
	s, _ := newTestSpawner(t, Config{MaxConcurrent: 1, MaxQueued: 2}, adapter, nil)

	results := make(chan error, 3)
	invoke := func() {
		_, err := s.Invoke(context.Background(), InvokeParams{
			Prompt: "p", TriggerSource: store.TriggerRoute,
		})
		results <- err
	}

	go invoke()
	waitFor(t, func() bool { return s.Outstanding() == 1 })
	go invoke()
	waitFor(t, func() bool { return s.Outstanding() == 2 })

	// The third caller exceeds the bound and is rejected synchronously.
	_, err := s.Invoke(context.Background(), InvokeParams{
		Prompt: "p", TriggerSource: store.TriggerRoute,
	})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(block)
	require.NoError(t, <-results)
	require.NoError(t, <-results)

	// Capacity freed; the next caller is admitted.
	_, err = s.Invoke(context.Background(), InvokeParams{
		Prompt: "p", TriggerSource: store.TriggerRoute,
	})
	assert.NoError(t, err)
}

func TestSelfTriggerGuard(t *testing.T) {
	block := make(chan struct{})
	adapter := &fakeAdapter{block: block}
	s, _ := newTestSpawner(t, Config{MaxConcurrent: 1}, adapter, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Invoke(context.Background(), InvokeParams{Prompt: "outer", TriggerSource: store.TriggerTick})
	}()
	waitFor(t, func() bool {
		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		return len(adapter.requests) == 1
	})

	// The permit is held by the outer session; a nested trigger must not
	// wait on its own parent.
	start := time.Now()
	_, err := s.Invoke(context.Background(), InvokeParams{Prompt: "inner", TriggerSource: store.TriggerTrigger})
	assert.ErrorIs(t, err, ErrBusy)
	assert.Less(t, time.Since(start), time.Second)

	close(block)
	<-done
}

func TestStopAcceptingRejects(t *testing.T) {
	s, _ := newTestSpawner(t, Config{}, &fakeAdapter{}, nil)

	s.StopAccepting()
	s.StopAccepting() // idempotent

	_, err := s.Invoke(context.Background(), InvokeParams{Prompt: "p", TriggerSource: store.TriggerTick})
	assert.ErrorIs(t, err, ErrDraining)
}

func TestDrainTimeoutCancelsInFlight(t *testing.T) {
	adapter := &fakeAdapter{block: make(chan struct{})}
	s, db := newTestSpawner(t, Config{}, adapter, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Invoke(context.Background(), InvokeParams{Prompt: "stuck", TriggerSource: store.TriggerTick})
	}()
	waitFor(t, func() bool {
		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		return len(adapter.requests) == 1
	})

	s.Drain(50 * time.Millisecond)
	<-done

	sessions, err := db.Sessions.List(context.Background(), store.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.NotNil(t, sessions[0].Success)
	assert.False(t, *sessions[0].Success)
	assert.Equal(t, "cancelled", sessions[0].Error)

	// Drain is idempotent.
	s.Drain(50 * time.Millisecond)
}

func TestBuildChildEnvIsolation(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	t.Setenv("LEAKY_PARENT_VAR", "should-not-appear")

	resolver := mapResolver{
		"TELEGRAM_TOKEN": "tok-123",
		"OPTIONAL_KEY":   "opt-456",
	}
	s, _ := newTestSpawner(t, Config{
		RequiredEnv:       []string{"TELEGRAM_TOKEN"},
		OptionalEnv:       []string{"OPTIONAL_KEY", "ABSENT_OPTIONAL"},
		ModuleCredentials: []string{"OPTIONAL_KEY"},
	}, &fakeAdapter{}, resolver)

	env, err := s.buildChildEnv(context.Background())
	require.NoError(t, err)

	joined := map[string]bool{}
	for _, kv := range env {
		joined[kv] = true
	}
	assert.True(t, joined["ANTHROPIC_API_KEY=sk-ant-test"])
	assert.True(t, joined["TELEGRAM_TOKEN=tok-123"])
	assert.True(t, joined["OPTIONAL_KEY=opt-456"])
	for _, kv := range env {
		assert.NotContains(t, kv, "LEAKY_PARENT_VAR")
		assert.NotContains(t, kv, "ABSENT_OPTIONAL")
	}
}

func TestBuildChildEnvMissingRequired(t *testing.T) {
	s, _ := newTestSpawner(t, Config{RequiredEnv: []string{"NO_SUCH_CRED"}}, &fakeAdapter{}, mapResolver{})

	_, err := s.buildChildEnv(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NO_SUCH_CRED")
}

func TestSessionEndpointURL(t *testing.T) {
	url, err := sessionEndpointURL("http://localhost:40210/mcp", "abc-123")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:40210/mcp?session_id=abc-123", url)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

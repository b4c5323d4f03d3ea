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

// Package spawner gates ephemeral LLM sessions behind a fair semaphore,
// brackets every invocation with a persisted session row, and owns drain
// semantics at shutdown.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/stafford/butler/internal/runtime"
	"github.com/stafford/butler/internal/store"
)

var (
	// ErrQueueFull is the synchronous backpressure signal: the waiter
	// queue is at max_queued_sessions.
	ErrQueueFull = errors.New("spawner: session queue full")

	// ErrDraining is returned once stop-accepting has been flipped.
	ErrDraining = errors.New("spawner: draining, not accepting sessions")

	// ErrBusy is the self-deadlock guard: a trigger-sourced call found no
	// free permit and must not wait on its own parent session.
	ErrBusy = errors.New("spawner: no free session slot for nested trigger")
)

// MemoryHooks is the optional out-of-band memory collaborator. Both calls
// are fail-open: errors are logged and never affect the invocation.
type MemoryHooks interface {
	FetchMemoryContext(ctx context.Context) (string, error)
	StoreSessionEpisode(ctx context.Context, session *store.Session) error
}

// Config sizes the gate and shapes the child environment.
type Config struct {
	ButlerName      string
	Model           string
	SystemPrompt    string
	ToolEndpointURL string
	DataDir         string

	MaxConcurrent int64
	MaxQueued     int64

	RequiredEnv       []string
	OptionalEnv       []string
	ModuleCredentials []string
}

// Resolver resolves declared credentials for the child environment.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Spawner is the concurrency-bounded gate in front of a runtime adapter.
type Spawner struct {
	cfg      Config
	logger   *slog.Logger
	sessions *store.SessionStore
	adapter  runtime.Adapter
	resolver Resolver
	memory   MemoryHooks

	sem         *semaphore.Weighted
	outstanding atomic.Int64

	draining  atomic.Bool
	inFlight  sync.WaitGroup
	baseCtx   context.Context
	cancelAll context.CancelFunc
	drainOnce sync.Once
}

// New constructs a spawner. memory may be nil.
func New(cfg Config, sessions *store.SessionStore, adapter runtime.Adapter, resolver Resolver, memory MemoryHooks, logger *slog.Logger) *Spawner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = 100
	}
	if cfg.MaxQueued < cfg.MaxConcurrent {
		cfg.MaxQueued = cfg.MaxConcurrent
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Spawner{
		cfg:       cfg,
		logger:    logger.With("component", "spawner"),
		sessions:  sessions,
		adapter:   adapter,
		resolver:  resolver,
		memory:    memory,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		baseCtx:   baseCtx,
		cancelAll: cancel,
	}
}

// InvokeParams describe one requested session.
type InvokeParams struct {
	Prompt        string
	TriggerSource string
	TraceID       string
	RequestID     string
	Model         string
}

// Invoke runs one session to completion: acquire a permit, persist the
// session row, call the adapter, persist the outcome. The returned session
// reflects the completed row; the error reports admission failures only.
func (s *Spawner) Invoke(ctx context.Context, p InvokeParams) (*store.Session, error) {
	if err := store.ValidateTriggerSource(p.TriggerSource); err != nil {
		return nil, err
	}
	if s.draining.Load() {
		return nil, ErrDraining
	}

	// A trigger-sourced call originates inside a running session. If no
	// permit is free the parent is holding it; waiting would deadlock.
	if p.TriggerSource == store.TriggerTrigger {
		if !s.sem.TryAcquire(1) {
			return nil, ErrBusy
		}
	} else {
		// The bound covers running and queued sessions together: the
		// caller past the limit is rejected synchronously, never parked.
		if s.outstanding.Add(1) > s.cfg.MaxQueued {
			s.outstanding.Add(-1)
			return nil, ErrQueueFull
		}
		defer s.outstanding.Add(-1)

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("spawner: acquire: %w", err)
		}
	}
	defer s.sem.Release(1)

	// The gate may have flipped while this caller queued.
	if s.draining.Load() {
		return nil, ErrDraining
	}

	s.inFlight.Add(1)
	defer s.inFlight.Done()

	return s.run(p)
}

// run executes one admitted session. The session row is created before the
// adapter is invoked and completed unconditionally after.
func (s *Spawner) run(p InvokeParams) (*store.Session, error) {
	model := p.Model
	if model == "" {
		model = s.cfg.Model
	}

	session, err := s.sessions.Create(s.baseCtx, store.CreateSessionParams{
		Prompt:        p.Prompt,
		TriggerSource: p.TriggerSource,
		TraceID:       p.TraceID,
		Model:         model,
		RequestID:     p.RequestID,
	})
	if err != nil {
		return nil, err
	}

	logger := s.logger.With("session_id", session.ID, "trigger_source", p.TriggerSource)
	logger.Info("session started", "model", model)

	started := time.Now()
	result, invokeErr := s.invokeAdapter(session, p, model, logger)
	duration := time.Since(started).Milliseconds()

	complete := store.CompleteSessionParams{DurationMS: duration}
	if invokeErr != nil {
		complete.Success = false
		complete.Error = invokeErr.Error()
		if errors.Is(s.baseCtx.Err(), context.Canceled) {
			complete.Error = "cancelled"
		}
	} else {
		complete.Success = true
		complete.Result = result.Text
		complete.InputTokens = result.InputTokens
		complete.OutputTokens = result.OutputTokens
		complete.Cost = result.Cost
		for _, call := range result.ToolCalls {
			complete.ToolCalls = append(complete.ToolCalls, store.ToolCall{
				Name:       call.Name,
				Arguments:  call.Arguments,
				DurationMS: call.DurationMS,
			})
		}
	}

	// The completion write must land even when drain has cancelled the
	// invocation context.
	writeCtx := context.WithoutCancel(s.baseCtx)
	if err := s.sessions.Complete(writeCtx, session.ID, complete); err != nil {
		logger.Error("session completion write failed", "error", err)
	}

	completed, err := s.sessions.Get(writeCtx, session.ID)
	if err != nil {
		return session, nil
	}

	if invokeErr != nil {
		logger.Warn("session failed", "error", invokeErr, "duration_ms", duration)
	} else {
		logger.Info("session completed", "duration_ms", duration,
			"input_tokens", complete.InputTokens, "output_tokens", complete.OutputTokens)
		if s.memory != nil {
			if err := s.memory.StoreSessionEpisode(s.baseCtx, completed); err != nil {
				logger.Warn("memory episode store failed", "error", err)
			}
		}
	}
	return completed, nil
}

// invokeAdapter prepares the per-session workspace and calls the runtime.
func (s *Spawner) invokeAdapter(session *store.Session, p InvokeParams, model string, logger *slog.Logger) (*runtime.Result, error) {
	workDir, err := os.MkdirTemp(s.cfg.DataDir, "session-")
	if err != nil {
		return nil, fmt.Errorf("spawner: session workspace: %w", err)
	}
	defer os.RemoveAll(workDir)

	endpointURL, err := sessionEndpointURL(s.cfg.ToolEndpointURL, session.ID)
	if err != nil {
		return nil, err
	}
	configPath, err := s.adapter.BuildConfigFile(workDir, runtime.Endpoint{
		Name: s.cfg.ButlerName,
		URL:  endpointURL,
	})
	if err != nil {
		return nil, fmt.Errorf("spawner: build adapter config: %w", err)
	}
	defer func() {
		if err := s.adapter.Reset(configPath); err != nil {
			logger.Warn("adapter reset failed", "error", err)
		}
	}()

	env, err := s.buildChildEnv(s.baseCtx)
	if err != nil {
		return nil, err
	}

	systemPrompt := s.cfg.SystemPrompt
	if s.memory != nil {
		memoryContext, err := s.memory.FetchMemoryContext(s.baseCtx)
		if err != nil {
			logger.Warn("memory context fetch failed", "error", err)
		} else if memoryContext != "" {
			systemPrompt = systemPrompt + "\n\n" + memoryContext
		}
	}

	return s.adapter.Invoke(s.baseCtx, runtime.Request{
		Prompt:        p.Prompt,
		SystemPrompt:  systemPrompt,
		Model:         model,
		Env:           env,
		MCPConfigPath: configPath,
	})
}

// sessionEndpointURL appends the session id as a query parameter so tool
// calls made during the session correlate to the session row.
func sessionEndpointURL(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("spawner: tool endpoint url: %w", err)
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// StopAccepting flips the admission gate. Idempotent.
func (s *Spawner) StopAccepting() {
	if s.draining.CompareAndSwap(false, true) {
		s.logger.Info("spawner stopped accepting sessions")
	}
}

// Drain waits for in-flight sessions up to timeout, then cancels whatever
// remains; cancelled children complete their session rows with
// success=false. Idempotent.
func (s *Spawner) Drain(timeout time.Duration) {
	s.StopAccepting()
	s.drainOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			s.inFlight.Wait()
			close(done)
		}()

		select {
		case <-done:
			s.logger.Info("spawner drained")
		case <-time.After(timeout):
			s.logger.Warn("drain timeout, cancelling in-flight sessions", "timeout", timeout.String())
			s.cancelAll()
			<-done
		}
		s.cancelAll()
	})
}

// Outstanding reports sessions running or queued. Used by the status tool.
func (s *Spawner) Outstanding() int64 {
	return s.outstanding.Load()
}

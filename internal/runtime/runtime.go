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

// Package runtime wraps the external LLM CLI binaries behind a narrow
// adapter interface. Adapters differ only in how they invoke and parse
// their subprocess; everything above them is runtime-agnostic.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrUnknownRuntime is returned by the factory for an unrecognised
// adapter name. Config validation surfaces this before startup.
var ErrUnknownRuntime = errors.New("runtime: unknown adapter")

// InvocationError wraps a subprocess failure or malformed output. It is
// recorded in the session row and never kills the daemon.
type InvocationError struct {
	Runtime string
	Stderr  string
	Err     error
}

func (e *InvocationError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("runtime %s: %v (stderr: %s)", e.Runtime, e.Err, e.Stderr)
	}
	return fmt.Sprintf("runtime %s: %v", e.Runtime, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// ToolCall is one tool invocation reported by the runtime.
type ToolCall struct {
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

// Request carries everything one invocation needs. Env is the complete
// child environment; nothing else leaks from the parent process.
type Request struct {
	Prompt        string
	SystemPrompt  string
	Model         string
	Env           []string
	MCPConfigPath string
}

// Result is the parsed outcome of one invocation.
type Result struct {
	Text         string
	ToolCalls    []ToolCall
	Model        string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// Endpoint points an invocation back at the butler's own tool endpoint.
type Endpoint struct {
	Name string
	URL  string
}

// Adapter drives one external LLM CLI.
type Adapter interface {
	// Name is the config selector for this adapter.
	Name() string

	// BinaryName is the executable looked up on PATH. Absence is
	// advisory at startup, fatal at invocation.
	BinaryName() string

	// Invoke runs one session to completion.
	Invoke(ctx context.Context, req Request) (*Result, error)

	// BuildConfigFile writes the ephemeral tool-endpoint config into dir
	// and returns its path.
	BuildConfigFile(dir string, endpoint Endpoint) (string, error)

	// ParseSystemPromptFile loads a system prompt from disk in whatever
	// layout this runtime conventionally uses.
	ParseSystemPromptFile(path string) (string, error)

	// Reset removes the config written by BuildConfigFile. Adapters keep
	// no per-invocation state, so concurrent sessions each pass their own
	// path. Called after every session, including cancelled ones; must be
	// idempotent.
	Reset(configPath string) error
}

// New returns the adapter for name.
func New(name string) (Adapter, error) {
	switch name {
	case "claude":
		return newClaude(), nil
	case "codex":
		return newCodex(), nil
	case "gemini":
		return newGemini(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownRuntime, name)
}

// Known lists the adapter names accepted in config.
func Known() []string {
	return []string{"claude", "codex", "gemini"}
}

// readSystemPrompt loads a prompt file, stripping a leading frontmatter
// block delimited by "---" lines if present.
func readSystemPrompt(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read system prompt: %w", err)
	}

	text := string(data)
	if rest, ok := strings.CutPrefix(text, "---\n"); ok {
		if _, body, found := strings.Cut(rest, "\n---\n"); found {
			text = body
		}
	}
	return strings.TrimSpace(text), nil
}

// removeConfig removes a session's config file. Shared Reset
// implementation; a missing file is not an error.
func removeConfig(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

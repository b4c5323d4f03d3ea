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

package runtime

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory(t *testing.T) {
	for _, name := range Known() {
		adapter, err := New(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, adapter.Name())
		assert.NotEmpty(t, adapter.BinaryName())
	}

	_, err := New("hal9000")
	assert.ErrorIs(t, err, ErrUnknownRuntime)
}

func TestClaudeParseOutput(t *testing.T) {
	a := newClaude()

	output := []byte(`{
		"type": "result",
		"is_error": false,
		"result": "All quiet.",
		"total_cost_usd": 0.0123,
		"usage": {"input_tokens": 845, "output_tokens": 102},
		"tool_calls": [{"name": "state_get", "input": {"key": "post/last"}}]
	}`)

	result, err := a.parseOutput(output, "claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, "All quiet.", result.Text)
	assert.Equal(t, int64(845), result.InputTokens)
	assert.Equal(t, int64(102), result.OutputTokens)
	assert.InDelta(t, 0.0123, result.Cost, 1e-9)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "state_get", result.ToolCalls[0].Name)
}

func TestClaudeParseOutputError(t *testing.T) {
	a := newClaude()

	_, err := a.parseOutput([]byte(`{"is_error": true, "result": "credit exhausted"}`), "")
	var invErr *InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Contains(t, invErr.Error(), "credit exhausted")

	_, err = a.parseOutput([]byte(`not json`), "")
	assert.ErrorAs(t, err, &invErr)
}

func TestCodexParseEvents(t *testing.T) {
	a := newCodex()

	output := []byte(`
{"type":"turn.started"}
{"type":"item.completed","item":{"type":"mcp_tool_call","name":"schedule_list","arguments":{}}}
{"type":"item.completed","item":{"type":"agent_message","text":"Done for today."}}
{"type":"turn.completed","usage":{"input_tokens":500,"output_tokens":80}}
`)

	result, err := a.parseEvents(output, "gpt-5")
	require.NoError(t, err)
	assert.Equal(t, "Done for today.", result.Text)
	assert.Equal(t, int64(500), result.InputTokens)
	assert.Equal(t, int64(80), result.OutputTokens)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "schedule_list", result.ToolCalls[0].Name)
}

func TestCodexParseEventsEmpty(t *testing.T) {
	a := newCodex()
	_, err := a.parseEvents([]byte("plain text, no events\n"), "")
	var invErr *InvocationError
	assert.ErrorAs(t, err, &invErr)
}

func TestGeminiParseOutput(t *testing.T) {
	a := newGemini()

	output := []byte(`{
		"response": "Nothing urgent.",
		"stats": {"models": {"gemini-2.5-pro": {"tokens": {"prompt": 300, "candidates": 45}}}}
	}`)

	result, err := a.parseOutput(output, "gemini-2.5-pro")
	require.NoError(t, err)
	assert.Equal(t, "Nothing urgent.", result.Text)
	assert.Equal(t, int64(300), result.InputTokens)
	assert.Equal(t, int64(45), result.OutputTokens)
}

func TestBuildConfigFileAndReset(t *testing.T) {
	dir := t.TempDir()
	a := newClaude()

	path, err := a.BuildConfigFile(dir, Endpoint{
		Name: "valet",
		URL:  "http://localhost:40210/mcp?session_id=abc",
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"valet"`)
	assert.Contains(t, string(data), "session_id=abc")

	require.NoError(t, a.Reset(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Reset is idempotent.
	require.NoError(t, a.Reset(path))
	require.NoError(t, a.Reset(""))
}

func TestConcurrentSessionsKeepOwnConfigs(t *testing.T) {
	a := newClaude()
	endpoint := Endpoint{Name: "valet", URL: "http://localhost:40210/mcp"}

	pathA, err := a.BuildConfigFile(t.TempDir(), endpoint)
	require.NoError(t, err)
	pathB, err := a.BuildConfigFile(t.TempDir(), endpoint)
	require.NoError(t, err)

	// Session A finishing must not touch session B's config.
	require.NoError(t, a.Reset(pathA))
	_, err = os.Stat(pathB)
	require.NoError(t, err)
	require.NoError(t, a.Reset(pathB))

	// Interleaved build/reset from parallel sessions on the one shared
	// adapter instance.
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dir := t.TempDir()
			for range 10 {
				path, err := a.BuildConfigFile(dir, endpoint)
				assert.NoError(t, err)
				_, err = os.Stat(path)
				assert.NoError(t, err)
				assert.NoError(t, a.Reset(path))
			}
		}()
	}
	wg.Wait()
}

func TestReadSystemPromptStripsFrontmatter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "system.md")
	content := "---\ntitle: valet\n---\nYou are the valet butler.\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	prompt, err := readSystemPrompt(path)
	require.NoError(t, err)
	assert.Equal(t, "You are the valet butler.", prompt)

	plain := filepath.Join(dir, "plain.md")
	require.NoError(t, os.WriteFile(plain, []byte("Just a prompt.\n"), 0o600))
	prompt, err = readSystemPrompt(plain)
	require.NoError(t, err)
	assert.Equal(t, "Just a prompt.", prompt)
}

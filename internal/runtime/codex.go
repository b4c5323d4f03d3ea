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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// codexAdapter drives the Codex CLI in exec mode. Codex emits one JSON
// event per line; the adapter folds the stream into a single result.
type codexAdapter struct {
	binary string
}

func newCodex() *codexAdapter {
	return &codexAdapter{binary: "codex"}
}

func (a *codexAdapter) Name() string       { return "codex" }
func (a *codexAdapter) BinaryName() string { return a.binary }

func (a *codexAdapter) Invoke(ctx context.Context, req Request) (*Result, error) {
	args := []string{"exec", "--json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.MCPConfigPath != "" {
		args = append(args, "--config", "mcp_servers="+req.MCPConfigPath)
	}

	prompt := req.Prompt
	if req.SystemPrompt != "" {
		prompt = req.SystemPrompt + "\n\n" + prompt
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, a.binary, args...)
	cmd.Env = req.Env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &InvocationError{Runtime: a.Name(), Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return a.parseEvents(stdout.Bytes(), req.Model)
}

// codexEvent is one line of codex --json output. Only the event kinds the
// control plane cares about are decoded.
type codexEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Item struct {
		Type      string          `json:"type"`
		Text      string          `json:"text"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"item"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (a *codexAdapter) parseEvents(data []byte, model string) (*Result, error) {
	result := &Result{Model: model}
	seen := false

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event codexEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue // non-event diagnostic lines are interleaved
		}
		seen = true

		switch event.Type {
		case "item.completed":
			switch event.Item.Type {
			case "agent_message":
				result.Text = event.Item.Text
			case "mcp_tool_call":
				result.ToolCalls = append(result.ToolCalls, ToolCall{
					Name:      event.Item.Name,
					Arguments: event.Item.Arguments,
				})
			}
		case "turn.completed":
			result.InputTokens += event.Usage.InputTokens
			result.OutputTokens += event.Usage.OutputTokens
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &InvocationError{Runtime: a.Name(), Err: fmt.Errorf("read output: %w", err)}
	}
	if !seen {
		return nil, &InvocationError{Runtime: a.Name(), Err: fmt.Errorf("malformed output: no events")}
	}
	return result, nil
}

// BuildConfigFile writes a TOML mcp_servers table, codex's native config
// shape.
func (a *codexAdapter) BuildConfigFile(dir string, endpoint Endpoint) (string, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[mcp_servers.%s]\n", endpoint.Name)
	fmt.Fprintf(&buf, "url = %q\n", endpoint.URL)

	path := filepath.Join(dir, "codex-mcp.toml")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return "", fmt.Errorf("write mcp config: %w", err)
	}
	return path, nil
}

func (a *codexAdapter) ParseSystemPromptFile(path string) (string, error) {
	return readSystemPrompt(path)
}

func (a *codexAdapter) Reset(configPath string) error {
	return removeConfig(configPath)
}

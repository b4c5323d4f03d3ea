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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// claudeAdapter drives the Claude Code CLI in non-interactive mode. It
// holds no per-session state; one instance serves concurrent sessions.
type claudeAdapter struct {
	binary string
}

func newClaude() *claudeAdapter {
	return &claudeAdapter{binary: "claude"}
}

func (a *claudeAdapter) Name() string       { return "claude" }
func (a *claudeAdapter) BinaryName() string { return a.binary }

func (a *claudeAdapter) Invoke(ctx context.Context, req Request) (*Result, error) {
	args := []string{"--print", "--output-format", "json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if req.MCPConfigPath != "" {
		args = append(args, "--mcp-config", req.MCPConfigPath)
	}
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(ctx, a.binary, args...)
	cmd.Env = req.Env
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &InvocationError{Runtime: a.Name(), Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return a.parseOutput(stdout.Bytes(), req.Model)
}

// claudeOutput is the shape of `claude --print --output-format json`.
type claudeOutput struct {
	Type         string  `json:"type"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Usage        struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	ToolCalls []struct {
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"tool_calls"`
}

func (a *claudeAdapter) parseOutput(data []byte, model string) (*Result, error) {
	var out claudeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &InvocationError{Runtime: a.Name(), Err: fmt.Errorf("malformed output: %w", err)}
	}
	if out.IsError {
		return nil, &InvocationError{Runtime: a.Name(), Err: fmt.Errorf("cli reported error: %s", out.Result)}
	}

	result := &Result{
		Text:         out.Result,
		Model:        model,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
		Cost:         out.TotalCostUSD,
	}
	for _, call := range out.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{Name: call.Name, Arguments: call.Input})
	}
	return result, nil
}

// BuildConfigFile writes the single-entry mcpServers mapping pointing the
// session back at its own butler.
func (a *claudeAdapter) BuildConfigFile(dir string, endpoint Endpoint) (string, error) {
	config := map[string]any{
		"mcpServers": map[string]any{
			endpoint.Name: map[string]string{
				"type": "http",
				"url":  endpoint.URL,
			},
		},
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, "mcp-config.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write mcp config: %w", err)
	}
	return path, nil
}

func (a *claudeAdapter) ParseSystemPromptFile(path string) (string, error) {
	return readSystemPrompt(path)
}

func (a *claudeAdapter) Reset(configPath string) error {
	return removeConfig(configPath)
}

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

// geminiAdapter drives the Gemini CLI.
type geminiAdapter struct {
	binary string
}

func newGemini() *geminiAdapter {
	return &geminiAdapter{binary: "gemini"}
}

func (a *geminiAdapter) Name() string       { return "gemini" }
func (a *geminiAdapter) BinaryName() string { return a.binary }

func (a *geminiAdapter) Invoke(ctx context.Context, req Request) (*Result, error) {
	args := []string{"--output-format", "json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}

	prompt := req.Prompt
	if req.SystemPrompt != "" {
		prompt = req.SystemPrompt + "\n\n" + prompt
	}
	args = append(args, "--prompt", prompt)

	cmd := exec.CommandContext(ctx, a.binary, args...)
	cmd.Env = req.Env
	if req.MCPConfigPath != "" {
		// Gemini discovers servers via settings.json in the working dir.
		cmd.Dir = filepath.Dir(filepath.Dir(req.MCPConfigPath))
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &InvocationError{Runtime: a.Name(), Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return a.parseOutput(stdout.Bytes(), req.Model)
}

// geminiOutput is the shape of `gemini --output-format json`.
type geminiOutput struct {
	Response string `json:"response"`
	Stats    struct {
		Models map[string]struct {
			Tokens struct {
				Prompt     int64 `json:"prompt"`
				Candidates int64 `json:"candidates"`
			} `json:"tokens"`
		} `json:"models"`
	} `json:"stats"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *geminiAdapter) parseOutput(data []byte, model string) (*Result, error) {
	var out geminiOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &InvocationError{Runtime: a.Name(), Err: fmt.Errorf("malformed output: %w", err)}
	}
	if out.Error != nil {
		return nil, &InvocationError{Runtime: a.Name(), Err: fmt.Errorf("cli reported error: %s", out.Error.Message)}
	}

	result := &Result{Text: out.Response, Model: model}
	for _, usage := range out.Stats.Models {
		result.InputTokens += usage.Tokens.Prompt
		result.OutputTokens += usage.Tokens.Candidates
	}
	return result, nil
}

// BuildConfigFile writes a .gemini/settings.json with the single endpoint.
func (a *geminiAdapter) BuildConfigFile(dir string, endpoint Endpoint) (string, error) {
	settings := map[string]any{
		"mcpServers": map[string]any{
			endpoint.Name: map[string]string{
				"httpUrl": endpoint.URL,
			},
		},
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return "", err
	}

	settingsDir := filepath.Join(dir, ".gemini")
	if err := os.MkdirAll(settingsDir, 0o700); err != nil {
		return "", fmt.Errorf("write mcp config: %w", err)
	}
	path := filepath.Join(settingsDir, "settings.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write mcp config: %w", err)
	}
	return path, nil
}

func (a *geminiAdapter) ParseSystemPromptFile(path string) (string, error) {
	return readSystemPrompt(path)
}

func (a *geminiAdapter) Reset(configPath string) error {
	return removeConfig(configPath)
}

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

package toolserver

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stafford/butler/internal/spawner"
	"github.com/stafford/butler/internal/store"
)

func triggerTool() mcp.Tool {
	return mcp.Tool{
		Name:        "trigger",
		Description: "Start a new session with the given prompt. Fails immediately when no concurrency permit is free, so a session calling this never deadlocks on itself.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"prompt": map[string]any{
					"type":        "string",
					"description": "The prompt for the new session",
				},
				"model": map[string]any{
					"type":        "string",
					"description": "Optional model override",
				},
			},
			Required: []string{"prompt"},
		},
	}
}

func (s *Server) handleTrigger(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if !s.triggerLimiter.Allow() {
		return errorResponse("trigger rate limit exceeded, try again shortly"), nil
	}
	prompt, err := request.RequireString("prompt")
	if err != nil {
		return errorResponse("missing 'prompt' argument"), nil
	}

	session, err := s.deps.Runner.Invoke(ctx, spawner.InvokeParams{
		Prompt:        prompt,
		TriggerSource: store.TriggerTrigger,
		Model:         request.GetString("model", ""),
	})
	switch {
	case errors.Is(err, spawner.ErrBusy):
		return errorResponse("butler is busy: no free session permit"), nil
	case errors.Is(err, spawner.ErrDraining):
		return errorResponse("butler is shutting down"), nil
	case err != nil:
		return errorResponse("trigger failed: " + err.Error()), nil
	}

	return jsonResponse(map[string]any{
		"session_id": session.ID,
		"success":    session.Success != nil && *session.Success,
		"result":     session.Result,
		"error":      session.Error,
	}), nil
}

func tickTool() mcp.Tool {
	return mcp.Tool{
		Name:        "tick",
		Description: "Force one scheduler tick now: dispatch every task whose next run time has passed.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}
}

func (s *Server) handleTick(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.deps.Scheduler.Tick(ctx)
	return textResponse("tick completed"), nil
}

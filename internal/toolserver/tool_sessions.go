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
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stafford/butler/internal/store"
)

func sessionsListTool() mcp.Tool {
	return mcp.Tool{
		Name:        "sessions_list",
		Description: "List recent sessions, newest first. Set in_flight to see only sessions still running.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum rows to return (default 50)",
				},
				"offset": map[string]any{
					"type":        "integer",
					"description": "Rows to skip for pagination",
				},
				"in_flight": map[string]any{
					"type":        "boolean",
					"description": "Only sessions without a completion",
				},
			},
		},
	}
}

func (s *Server) handleSessionsList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions, err := s.deps.Store.Sessions.List(ctx, store.SessionFilter{
		Limit:        request.GetInt("limit", 0),
		Offset:       request.GetInt("offset", 0),
		InFlightOnly: request.GetBool("in_flight", false),
	})
	if err != nil {
		return errorResponse("failed to list sessions: " + err.Error()), nil
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	return jsonResponse(sessions), nil
}

func sessionsGetTool() mcp.Tool {
	return mcp.Tool{
		Name:        "sessions_get",
		Description: "Fetch one session by id, including its tool calls and token usage.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"id": map[string]any{
					"type":        "string",
					"description": "Session id",
				},
			},
			Required: []string{"id"},
		},
	}
}

func (s *Server) handleSessionsGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return errorResponse("missing 'id' argument"), nil
	}

	session, err := s.deps.Store.Sessions.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return errorResponse("session not found: " + id), nil
	}
	if err != nil {
		return errorResponse("failed to read session: " + err.Error()), nil
	}
	return jsonResponse(session), nil
}

func sessionsSummaryTool() mcp.Tool {
	return mcp.Tool{
		Name:        "sessions_summary",
		Description: "Aggregate session counts, token usage and cost per model over the last N days.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"days": map[string]any{
					"type":        "integer",
					"description": "Lookback window in days (default 7)",
				},
			},
		},
	}
}

func (s *Server) handleSessionsSummary(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	days := request.GetInt("days", 7)
	if days <= 0 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	summary, err := s.deps.Store.Sessions.Summary(ctx, since)
	if err != nil {
		return errorResponse("failed to summarise sessions: " + err.Error()), nil
	}
	if summary == nil {
		summary = []store.ModelSummary{}
	}
	return jsonResponse(summary), nil
}

func sessionsDailyTool() mcp.Tool {
	return mcp.Tool{
		Name:        "sessions_daily",
		Description: "Per-day, per-model session usage series for the last N days.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"days": map[string]any{
					"type":        "integer",
					"description": "Series length in days (default 30)",
				},
			},
		},
	}
}

func (s *Server) handleSessionsDaily(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	usage, err := s.deps.Store.Sessions.Daily(ctx, request.GetInt("days", 0))
	if err != nil {
		return errorResponse("failed to read daily usage: " + err.Error()), nil
	}
	if usage == nil {
		usage = []store.DailyUsage{}
	}
	return jsonResponse(usage), nil
}

func topSessionsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "top_sessions",
		Description: "The N sessions with the highest total token usage.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"n": map[string]any{
					"type":        "integer",
					"description": "How many sessions to return (default 10)",
				},
			},
		},
	}
}

func (s *Server) handleTopSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions, err := s.deps.Store.Sessions.Top(ctx, request.GetInt("n", 10))
	if err != nil {
		return errorResponse("failed to rank sessions: " + err.Error()), nil
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	return jsonResponse(sessions), nil
}

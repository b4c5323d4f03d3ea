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
	"os/exec"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stafford/butler/internal/module"
	"github.com/stafford/butler/internal/store"
)

func statusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "status",
		Description: "Report this butler's health: version, adapter binary presence, module states, session and schedule counts.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}
}

type statusReport struct {
	Butler           string               `json:"butler"`
	Version          string               `json:"version"`
	AdapterBinary    string               `json:"adapter_binary"`
	AdapterAvailable bool                 `json:"adapter_available"`
	Outstanding      int64                `json:"outstanding_sessions"`
	InFlight         int                  `json:"in_flight_sessions"`
	ScheduledTasks   int                  `json:"scheduled_tasks"`
	Modules          []module.ModuleState `json:"modules"`
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report := statusReport{
		Butler:        s.cfg.ButlerName,
		Version:       s.cfg.Version,
		AdapterBinary: s.cfg.AdapterBinary,
		Outstanding:   s.deps.Runner.Outstanding(),
	}
	if s.cfg.AdapterBinary != "" {
		_, err := exec.LookPath(s.cfg.AdapterBinary)
		report.AdapterAvailable = err == nil
	}

	inFlight, err := s.deps.Store.Sessions.List(ctx, store.SessionFilter{InFlightOnly: true})
	if err != nil {
		return errorResponse("failed to read sessions: " + err.Error()), nil
	}
	report.InFlight = len(inFlight)

	tasks, err := s.deps.Scheduler.ListTasks(ctx)
	if err != nil {
		return errorResponse("failed to read schedule: " + err.Error()), nil
	}
	report.ScheduledTasks = len(tasks)

	if s.deps.Modules != nil {
		report.Modules = s.deps.Modules.States()
	}
	return jsonResponse(report), nil
}

func moduleStatesTool() mcp.Tool {
	return mcp.Tool{
		Name:        "module_states",
		Description: "List every module with its lifecycle state and failure reason, if any.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}
}

func (s *Server) handleModuleStates(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.deps.Modules == nil {
		return errorResponse("no modules are loaded"), nil
	}
	return jsonResponse(s.deps.Modules.States()), nil
}

func moduleSetEnabledTool() mcp.Tool {
	return mcp.Tool{
		Name:        "module_set_enabled",
		Description: "Enable or disable a module. Takes effect on the next daemon restart.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Module name",
				},
				"enabled": map[string]any{
					"type":        "boolean",
					"description": "Desired state",
				},
			},
			Required: []string{"name", "enabled"},
		},
	}
}

func (s *Server) handleModuleSetEnabled(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.deps.Modules == nil {
		return errorResponse("no modules are loaded"), nil
	}
	name, err := request.RequireString("name")
	if err != nil {
		return errorResponse("missing 'name' argument"), nil
	}
	enabled, err := request.RequireBool("enabled")
	if err != nil {
		return errorResponse("missing 'enabled' argument"), nil
	}

	if err := s.deps.Modules.SetEnabled(name, enabled); err != nil {
		return errorResponse(err.Error()), nil
	}
	s.logger.Info("module toggled", "module", name, "enabled", enabled)
	return jsonResponse(map[string]any{"name": name, "enabled": enabled}), nil
}

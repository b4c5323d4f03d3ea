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
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stafford/butler/internal/scheduler"
	"github.com/stafford/butler/internal/store"
)

func scheduleListTool() mcp.Tool {
	return mcp.Tool{
		Name:        "schedule_list",
		Description: "List every scheduled task with its cron, dispatch mode, enabled flag and next run time.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}
}

func (s *Server) handleScheduleList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := s.deps.Scheduler.ListTasks(ctx)
	if err != nil {
		return errorResponse("failed to list tasks: " + err.Error()), nil
	}
	if tasks == nil {
		tasks = []*store.ScheduledTask{}
	}
	return jsonResponse(tasks), nil
}

func scheduleCreateTool() mcp.Tool {
	return mcp.Tool{
		Name:        "schedule_create",
		Description: "Create a scheduled task. Prompt mode spawns a session; job mode runs a registered background job.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Unique task name",
				},
				"cron": map[string]any{
					"type":        "string",
					"description": "Standard 5-field cron expression, evaluated in UTC",
				},
				"prompt": map[string]any{
					"type":        "string",
					"description": "Session prompt (prompt mode)",
				},
				"job_name": map[string]any{
					"type":        "string",
					"description": "Registered job name (job mode)",
				},
				"job_args": map[string]any{
					"type":        "object",
					"description": "Arguments for the job handler",
				},
				"until": map[string]any{
					"type":        "string",
					"description": "RFC3339 time after which the task auto-disables",
				},
				"stagger_key": map[string]any{
					"type":        "string",
					"description": "Key hashed into a deterministic start offset",
				},
				"display_title": map[string]any{
					"type":        "string",
					"description": "Human-readable title",
				},
			},
			Required: []string{"name", "cron"},
		},
	}
}

func (s *Server) handleScheduleCreate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, resp := taskFromRequest(request)
	if resp != nil {
		return resp, nil
	}
	if err := task.Validate(); err != nil {
		return errorResponse(err.Error()), nil
	}
	if err := s.deps.Scheduler.CreateTask(ctx, task); err != nil {
		return errorResponse("create failed: " + err.Error()), nil
	}
	s.logger.Info("task created via tool", "task", task.Name,
		"session_id", SessionIDFromContext(ctx))
	return jsonResponse(task), nil
}

func scheduleUpdateTool() mcp.Tool {
	return mcp.Tool{
		Name:        "schedule_update",
		Description: "Rewrite an existing scheduled task. The next run time is recomputed from the new cron.",
		InputSchema: scheduleCreateTool().InputSchema,
	}
}

func (s *Server) handleScheduleUpdate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, resp := taskFromRequest(request)
	if resp != nil {
		return resp, nil
	}
	if err := task.Validate(); err != nil {
		return errorResponse(err.Error()), nil
	}
	if err := s.deps.Scheduler.UpdateTask(ctx, task); err != nil {
		return errorResponse("update failed: " + err.Error()), nil
	}
	return jsonResponse(task), nil
}

func scheduleDeleteTool() mcp.Tool {
	return mcp.Tool{
		Name:        "schedule_delete",
		Description: "Delete a runtime-created task. Tasks declared in config cannot be deleted, only disabled.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Task name",
				},
			},
			Required: []string{"name"},
		},
	}
}

func (s *Server) handleScheduleDelete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := request.RequireString("name")
	if err != nil {
		return errorResponse("missing 'name' argument"), nil
	}
	if err := s.deps.Scheduler.DeleteTask(ctx, name); err != nil {
		return errorResponse("delete failed: " + err.Error()), nil
	}
	return jsonResponse(map[string]any{"name": name, "deleted": true}), nil
}

func scheduleCostsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "schedule_costs",
		Description: "Aggregate session token usage and cost per scheduled task.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}
}

func (s *Server) handleScheduleCosts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	costs, err := s.deps.Store.Sessions.ScheduleCosts(ctx)
	if err != nil {
		return errorResponse("failed to aggregate costs: " + err.Error()), nil
	}
	if costs == nil {
		costs = []store.ScheduleCost{}
	}
	return jsonResponse(costs), nil
}

func remindTool() mcp.Tool {
	return mcp.Tool{
		Name:        "remind",
		Description: "Schedule a one-shot reminder. Provide exactly one of delay_minutes or remind_at.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "What to be reminded about",
				},
				"channel": map[string]any{
					"type":        "string",
					"description": "Channel the reminder should be delivered on",
				},
				"delay_minutes": map[string]any{
					"type":        "integer",
					"description": "Minutes from now",
				},
				"remind_at": map[string]any{
					"type":        "string",
					"description": "RFC3339 target time",
				},
			},
			Required: []string{"message"},
		},
	}
}

func (s *Server) handleRemind(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := request.RequireString("message")
	if err != nil {
		return errorResponse("missing 'message' argument"), nil
	}

	params := scheduler.ReminderParams{
		Message:      message,
		Channel:      request.GetString("channel", ""),
		DelayMinutes: request.GetInt("delay_minutes", 0),
	}
	if at := request.GetString("remind_at", ""); at != "" {
		parsed, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return errorResponse("invalid 'remind_at': " + err.Error()), nil
		}
		params.RemindAt = parsed
	}

	task, err := s.deps.Scheduler.Remind(ctx, params)
	if err != nil {
		return errorResponse("remind failed: " + err.Error()), nil
	}
	return jsonResponse(task), nil
}

// taskFromRequest builds a ScheduledTask from the shared create/update
// argument shape. The second return is non-nil on argument errors.
func taskFromRequest(request mcp.CallToolRequest) (*store.ScheduledTask, *mcp.CallToolResult) {
	name, err := request.RequireString("name")
	if err != nil {
		return nil, errorResponse("missing 'name' argument")
	}
	cron, err := request.RequireString("cron")
	if err != nil {
		return nil, errorResponse("missing 'cron' argument")
	}

	task := &store.ScheduledTask{
		Name:         name,
		Cron:         cron,
		Prompt:       request.GetString("prompt", ""),
		JobName:      request.GetString("job_name", ""),
		Enabled:      true,
		StaggerKey:   request.GetString("stagger_key", ""),
		DisplayTitle: request.GetString("display_title", ""),
	}
	if task.Prompt != "" {
		task.DispatchMode = store.DispatchPrompt
	} else {
		task.DispatchMode = store.DispatchJob
	}

	if args, ok := request.GetArguments()["job_args"]; ok {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, errorResponse("invalid 'job_args': " + err.Error())
		}
		task.JobArgs = raw
	}
	if until := request.GetString("until", ""); until != "" {
		parsed, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return nil, errorResponse("invalid 'until': " + err.Error())
		}
		utc := parsed.UTC()
		task.UntilAt = &utc
	}
	return task, nil
}

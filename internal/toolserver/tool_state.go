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

	"github.com/stafford/butler/internal/store"
)

func stateGetTool() mcp.Tool {
	return mcp.Tool{
		Name:        "state_get",
		Description: "Read one key from the butler's durable key-value state. Returns the value and its version.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "State key",
				},
			},
			Required: []string{"key"},
		},
	}
}

func (s *Server) handleStateGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := request.RequireString("key")
	if err != nil {
		return errorResponse("missing 'key' argument"), nil
	}

	entry, err := s.deps.Store.State.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return errorResponse("key not found: " + key), nil
	}
	if err != nil {
		return errorResponse("state read failed: " + err.Error()), nil
	}
	return jsonResponse(entry), nil
}

func stateSetTool() mcp.Tool {
	return mcp.Tool{
		Name:        "state_set",
		Description: "Write one key in the butler's durable key-value state. Pass expected_version for compare-and-set.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "State key",
				},
				"value": map[string]any{
					"description": "Value to store; any JSON value",
				},
				"expected_version": map[string]any{
					"type":        "integer",
					"description": "If set, the write succeeds only when the current version matches",
				},
			},
			Required: []string{"key", "value"},
		},
	}
}

func (s *Server) handleStateSet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := request.RequireString("key")
	if err != nil {
		return errorResponse("missing 'key' argument"), nil
	}
	args := request.GetArguments()
	value, ok := args["value"]
	if !ok {
		return errorResponse("missing 'value' argument"), nil
	}

	var version int64
	if expected := request.GetInt("expected_version", -1); expected >= 0 {
		version, err = s.deps.Store.State.CompareAndSet(ctx, key, int64(expected), value)
		var conflict *store.CASConflict
		if errors.As(err, &conflict) {
			return errorResponse(conflict.Error()), nil
		}
	} else {
		version, err = s.deps.Store.State.Set(ctx, key, value)
	}
	if err != nil {
		return errorResponse("state write failed: " + err.Error()), nil
	}
	return jsonResponse(map[string]any{"key": key, "version": version}), nil
}

func stateDeleteTool() mcp.Tool {
	return mcp.Tool{
		Name:        "state_delete",
		Description: "Delete one key from the butler's durable key-value state. Deleting a missing key is not an error.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"key": map[string]any{
					"type":        "string",
					"description": "State key",
				},
			},
			Required: []string{"key"},
		},
	}
}

func (s *Server) handleStateDelete(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := request.RequireString("key")
	if err != nil {
		return errorResponse("missing 'key' argument"), nil
	}
	if err := s.deps.Store.State.Delete(ctx, key); err != nil {
		return errorResponse("state delete failed: " + err.Error()), nil
	}
	return jsonResponse(map[string]any{"key": key, "deleted": true}), nil
}

func stateListTool() mcp.Tool {
	return mcp.Tool{
		Name:        "state_list",
		Description: "List state entries, optionally filtered by key prefix. Set keys_only to skip values.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"prefix": map[string]any{
					"type":        "string",
					"description": "Key prefix filter",
				},
				"keys_only": map[string]any{
					"type":        "boolean",
					"description": "Return keys and versions without values",
				},
			},
		},
	}
}

func (s *Server) handleStateList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entries, err := s.deps.Store.State.List(ctx,
		request.GetString("prefix", ""), request.GetBool("keys_only", false))
	if err != nil {
		return errorResponse("state list failed: " + err.Error()), nil
	}
	if entries == nil {
		entries = []store.StateEntry{}
	}
	return jsonResponse(entries), nil
}

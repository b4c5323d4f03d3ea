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

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stafford/butler/internal/inbox"
)

func routeExecuteTool() mcp.Tool {
	return mcp.Tool{
		Name:        "route.execute",
		Description: "Accept a routed message from the switchboard. The message is persisted durably before this returns; processing happens in the background.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"request_id": map[string]any{
					"type":        "string",
					"description": "Fleet-wide request id assigned by the switchboard",
				},
				"source_channel": map[string]any{
					"type":        "string",
					"description": "Channel the message arrived on",
				},
				"source_endpoint_identity": map[string]any{
					"type":        "string",
					"description": "Receiving endpoint identity, e.g. the bot account",
				},
				"sender_identity": map[string]any{
					"type":        "string",
					"description": "Who sent the message",
				},
				"prompt": map[string]any{
					"type":        "string",
					"description": "The message content to process",
				},
				"classification": map[string]any{
					"type":        "string",
					"description": "The switchboard's classification of the request",
				},
				"trace_context": map[string]any{
					"type":        "string",
					"description": "Serialized trace context from the accept phase",
				},
			},
			Required: []string{"request_id", "prompt"},
		},
	}
}

func (s *Server) handleRouteExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := request.RequireString("request_id")
	if err != nil {
		return errorResponse("missing 'request_id' argument"), nil
	}
	prompt, err := request.RequireString("prompt")
	if err != nil {
		return errorResponse("missing 'prompt' argument"), nil
	}

	params := inbox.AcceptParams{
		RequestID:              requestID,
		SourceChannel:          request.GetString("source_channel", ""),
		SourceEndpointIdentity: request.GetString("source_endpoint_identity", ""),
		SenderIdentity:         request.GetString("sender_identity", ""),
		Prompt:                 prompt,
		Classification:         request.GetString("classification", ""),
	}
	if tc := request.GetString("trace_context", ""); tc != "" {
		params.TraceContext = json.RawMessage(tc)
	}

	if err := s.deps.Inbox.Accept(ctx, params); err != nil {
		return errorResponse("accept failed: " + err.Error()), nil
	}
	return jsonResponse(map[string]any{"request_id": requestID, "accepted": true}), nil
}

func notifyTool() mcp.Tool {
	return mcp.Tool{
		Name:        "notify",
		Description: "Send a notification to the household through the owning messenger module.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"channel": map[string]any{
					"type":        "string",
					"description": "Delivery channel",
				},
				"message": map[string]any{
					"type":        "string",
					"description": "Notification text",
				},
			},
			Required: []string{"message"},
		},
	}
}

func (s *Server) handleNotify(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := request.RequireString("message")
	if err != nil {
		return errorResponse("missing 'message' argument"), nil
	}
	channel := request.GetString("channel", "")

	if s.deps.Notifier == nil {
		// No messenger module owns delivery on this butler; the
		// notification still lands in the log.
		s.logger.Info("notification (no messenger module)",
			"channel", channel, "message", message)
		return jsonResponse(map[string]any{"delivered": false, "logged": true}), nil
	}

	if err := s.deps.Notifier.Notify(ctx, channel, message); err != nil {
		return errorResponse("notify failed: " + err.Error()), nil
	}
	return jsonResponse(map[string]any{"delivered": true}), nil
}

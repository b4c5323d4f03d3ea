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

package router

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPCaller delivers route.execute over the target butler's MCP tool
// endpoint. Each dispatch opens a fresh connection; the accept phase is
// a single short call and targets come and go with fleet membership.
type MCPCaller struct {
	timeout time.Duration
}

// NewMCPCaller constructs the transport. A zero timeout defaults to 30s,
// which bounds the whole accept round-trip.
func NewMCPCaller(timeout time.Duration) *MCPCaller {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MCPCaller{timeout: timeout}
}

// RouteExecute calls the route.execute tool on the target endpoint. The
// target acknowledges only after the request is durably persisted, so a
// nil return means the message will not be lost.
func (c *MCPCaller) RouteExecute(ctx context.Context, endpointURL string, req RouteRequest) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	mcpClient, err := client.NewStreamableHttpClient(endpointURL)
	if err != nil {
		return fmt.Errorf("mcp caller: connect %s: %w", endpointURL, err)
	}
	defer mcpClient.Close()

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("mcp caller: start %s: %w", endpointURL, err)
	}

	_, err = mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "butler-switchboard",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		return fmt.Errorf("mcp caller: initialize %s: %w", endpointURL, err)
	}

	result, err := mcpClient.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name: "route.execute",
			Arguments: map[string]any{
				"request_id":               req.RequestID,
				"source_channel":           req.SourceChannel,
				"source_endpoint_identity": req.SourceEndpointIdentity,
				"sender_identity":          req.SenderIdentity,
				"prompt":                   req.Prompt,
				"classification":           req.Classification,
				"trace_context":            string(req.TraceContext),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("mcp caller: route.execute: %w", err)
	}
	if result.IsError {
		return fmt.Errorf("mcp caller: route.execute rejected: %s", flattenContent(result.Content))
	}
	return nil
}

func flattenContent(content []mcp.Content) string {
	for _, item := range content {
		if text, ok := mcp.AsTextContent(item); ok {
			return text.Text
		}
	}
	return "tool returned an error"
}

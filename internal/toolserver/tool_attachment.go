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
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/mark3labs/mcp-go/mcp"
)

const maxAttachmentSize = 10 * 1024 * 1024

func getAttachmentTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_attachment",
		Description: "Read a file from the attachment area. Only paths matching the configured allow-list are served.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Path relative to the attachment root",
				},
			},
			Required: []string{"path"},
		},
	}
}

func (s *Server) handleGetAttachment(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return errorResponse("missing 'path' argument"), nil
	}

	rel, resp := s.attachmentPath(path)
	if resp != nil {
		return resp, nil
	}

	full := filepath.Join(s.cfg.AttachmentRoot, rel)
	info, err := os.Stat(full)
	if err != nil {
		return errorResponse("attachment not found: " + rel), nil
	}
	if info.Size() > maxAttachmentSize {
		return errorResponse("attachment exceeds the 10MB limit"), nil
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return errorResponse("failed to read attachment: " + err.Error()), nil
	}

	mimeType := http.DetectContentType(data)
	if strings.HasPrefix(mimeType, "text/") || mimeType == "application/json" {
		return textResponse(string(data)), nil
	}
	return mcp.NewToolResultImage(rel, base64.StdEncoding.EncodeToString(data), mimeType), nil
}

// attachmentPath normalises and authorises a requested path. Traversal
// outside the root and paths missing the allow-list are both refused.
func (s *Server) attachmentPath(path string) (string, *mcp.CallToolResult) {
	rel := filepath.ToSlash(filepath.Clean(path))
	if rel == "." || strings.HasPrefix(rel, "../") || filepath.IsAbs(rel) {
		return "", errorResponse("invalid attachment path")
	}

	for _, pattern := range s.cfg.AttachmentGlobs {
		ok, err := doublestar.Match(pattern, rel)
		if err != nil {
			s.logger.Warn("bad attachment glob", "pattern", pattern, "error", err)
			continue
		}
		if ok {
			return rel, nil
		}
	}
	return "", errorResponse("attachment path is not allowed: " + rel)
}

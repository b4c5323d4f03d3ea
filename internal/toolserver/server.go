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

// Package toolserver exposes the butler's capabilities as MCP tools over
// streamable HTTP. Spawned sessions connect back here, carrying their
// session id as a query parameter.
package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/time/rate"

	"github.com/stafford/butler/internal/inbox"
	"github.com/stafford/butler/internal/module"
	"github.com/stafford/butler/internal/scheduler"
	"github.com/stafford/butler/internal/spawner"
	"github.com/stafford/butler/internal/store"
)

// SessionRunner is the slice of the spawner the tool handlers need.
type SessionRunner interface {
	Invoke(ctx context.Context, p spawner.InvokeParams) (*store.Session, error)
	Outstanding() int64
}

// Notifier hands an outbound notification to the owning messenger module.
type Notifier interface {
	Notify(ctx context.Context, channel, message string) error
}

// ToolProvider is implemented by modules that serve MCP tools. The daemon
// calls RegisterTools after the core tool set is in place; collisions are
// startup-fatal.
type ToolProvider interface {
	RegisterTools(s *Server) error
}

// Config configures the tool endpoint.
type Config struct {
	// ButlerName and Version surface in the status tool.
	ButlerName string
	Version    string

	// Addr is the listen address, e.g. ":40210".
	Addr string

	// AdapterBinary is checked with exec.LookPath for the status report.
	AdapterBinary string

	// AttachmentRoot anchors relative attachment paths.
	AttachmentRoot string

	// AttachmentGlobs is the doublestar allow-list for get_attachment.
	// An empty list denies all attachment reads.
	AttachmentGlobs []string

	// CallsPerMinute bounds all tool calls; TriggersPerMinute bounds the
	// trigger tool separately. Zero values pick the defaults (100, 10).
	CallsPerMinute    int
	TriggersPerMinute int
}

// Deps are the collaborators the core tools operate on. Inbox and
// Notifier are optional; the matching tools degrade when absent.
type Deps struct {
	Logger    *slog.Logger
	Store     *store.Store
	Runner    SessionRunner
	Scheduler *scheduler.Scheduler
	Modules   *module.Registry
	Inbox     *inbox.Worker
	Notifier  Notifier
}

// Server is the MCP tool endpoint.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer

	callLimiter    *rate.Limiter
	triggerLimiter *rate.Limiter

	registered map[string]string // tool name -> owner ("core" or module name)
}

// NewServer constructs the endpoint and registers the core tool set.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if cfg.CallsPerMinute <= 0 {
		cfg.CallsPerMinute = 100
	}
	if cfg.TriggersPerMinute <= 0 {
		cfg.TriggersPerMinute = 10
	}

	s := &Server{
		cfg:            cfg,
		deps:           deps,
		logger:         deps.Logger.With("component", "toolserver"),
		mcpServer:      server.NewMCPServer(cfg.ButlerName, cfg.Version),
		callLimiter:    rate.NewLimiter(rate.Limit(float64(cfg.CallsPerMinute)/60.0), cfg.CallsPerMinute),
		triggerLimiter: rate.NewLimiter(rate.Limit(float64(cfg.TriggersPerMinute)/60.0), cfg.TriggersPerMinute),
		registered:     make(map[string]string),
	}
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer,
		server.WithHTTPContextFunc(withSessionID))

	if err := s.registerCoreTools(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start serves the endpoint until Shutdown. It blocks.
func (s *Server) Start() error {
	s.logger.Info("tool endpoint listening", "addr", s.cfg.Addr)
	if err := s.httpServer.Start(s.cfg.Addr); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("toolserver: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight calls.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// addTool registers one tool under an owner, enforcing name uniqueness.
// A collision is a startup failure, never a silent override.
func (s *Server) addTool(owner string, tool mcp.Tool, handler server.ToolHandlerFunc) error {
	if prior, ok := s.registered[tool.Name]; ok {
		return fmt.Errorf("toolserver: tool %q from %s collides with registration from %s",
			tool.Name, owner, prior)
	}
	s.registered[tool.Name] = owner
	s.mcpServer.AddTool(tool, handler)
	return nil
}

// RegisterModuleTool registers a module-owned tool. Module tool names
// must carry the module name as a prefix so fleets stay unambiguous.
func (s *Server) RegisterModuleTool(moduleName string, tool mcp.Tool, handler server.ToolHandlerFunc) error {
	if moduleName == "" {
		return fmt.Errorf("toolserver: module name is required")
	}
	prefix := moduleName + "_"
	if len(tool.Name) <= len(prefix) || tool.Name[:len(prefix)] != prefix {
		return fmt.Errorf("toolserver: module tool %q must be prefixed %q", tool.Name, prefix)
	}
	return s.addTool(moduleName, tool, s.limited(handler))
}

// limited wraps a handler with the global call limiter.
func (s *Server) limited(handler server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if !s.callLimiter.Allow() {
			return errorResponse("rate limit exceeded, try again shortly"), nil
		}
		return handler(ctx, request)
	}
}

func (s *Server) registerCoreTools() error {
	type registration struct {
		tool    mcp.Tool
		handler server.ToolHandlerFunc
	}

	core := []registration{
		{statusTool(), s.handleStatus},
		{triggerTool(), s.handleTrigger},
		{tickTool(), s.handleTick},
		{stateGetTool(), s.handleStateGet},
		{stateSetTool(), s.handleStateSet},
		{stateDeleteTool(), s.handleStateDelete},
		{stateListTool(), s.handleStateList},
		{scheduleListTool(), s.handleScheduleList},
		{scheduleCreateTool(), s.handleScheduleCreate},
		{scheduleUpdateTool(), s.handleScheduleUpdate},
		{scheduleDeleteTool(), s.handleScheduleDelete},
		{scheduleCostsTool(), s.handleScheduleCosts},
		{remindTool(), s.handleRemind},
		{sessionsListTool(), s.handleSessionsList},
		{sessionsGetTool(), s.handleSessionsGet},
		{sessionsSummaryTool(), s.handleSessionsSummary},
		{sessionsDailyTool(), s.handleSessionsDaily},
		{topSessionsTool(), s.handleTopSessions},
		{notifyTool(), s.handleNotify},
		{getAttachmentTool(), s.handleGetAttachment},
		{moduleStatesTool(), s.handleModuleStates},
		{moduleSetEnabledTool(), s.handleModuleSetEnabled},
	}
	if s.deps.Inbox != nil {
		core = append(core, registration{routeExecuteTool(), s.handleRouteExecute})
	}

	for _, r := range core {
		if err := s.addTool("core", r.tool, s.limited(r.handler)); err != nil {
			return err
		}
	}
	return nil
}

func errorResponse(message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(message)
}

func textResponse(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(text)},
	}
}

func jsonResponse(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResponse(fmt.Sprintf("failed to encode result: %v", err))
	}
	return textResponse(string(data))
}

// Package mcp implements the Model Context Protocol server for Sekimon.
//
// Agents that call cluster upstreams directly, outside the HTTP proxy, use
// these tools to stay governed: they ask the control core before acting,
// report the outcome afterwards, and look up which capability server
// provides a tool and whether they may use it.
package mcp

import (
	"encoding/json"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/sekimon/internal/capability"
	"github.com/ashita-ai/sekimon/internal/control"
)

// grantWindow bounds how long an allowed check may wait for its outcome
// report before the breaker trial it holds is released.
const grantWindow = 5 * time.Minute

// Server wraps the MCP server with Sekimon's governance components.
type Server struct {
	mcpServer *mcpserver.MCPServer
	registry  *capability.Registry
	control   *control.Core
	grants    *grantTracker
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and prompts.
func New(registry *capability.Registry, core *control.Core, logger *slog.Logger, version string) *Server {
	s := &Server{
		registry: registry,
		control:  core,
		grants:   newGrantTracker(grantWindow),
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"sekimon",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(`Sekimon governs calls to upstream clusters.

Before calling a cluster directly, call sekimon_check_operation. If it is
allowed, make the call and then call sekimon_report_outcome exactly once with
success=false when the upstream failed. Use sekimon_list_capabilities and
sekimon_check_permission before invoking a tool served by a capability server.`),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

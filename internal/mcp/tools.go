package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/sekimon/internal/control"
	"github.com/ashita-ai/sekimon/internal/correlation"
	"github.com/ashita-ai/sekimon/internal/identity"
	"github.com/ashita-ai/sekimon/internal/model"
)

func (s *Server) registerTools() {
	// sekimon_check_operation: ask the control core before calling a cluster.
	s.mcpServer.AddTool(
		mcplib.NewTool("sekimon_check_operation",
			mcplib.WithDescription(`Ask whether an operation on a cluster may proceed right now.

WHEN TO USE: Immediately before calling a cluster upstream directly.
The check counts against the cluster's and your tier's rate limits.

If the result is allowed, perform the call and then report the outcome with
sekimon_report_outcome. If it is denied, the reason is one of
global_kill_switch, cluster_disabled, circuit_open or rate_limited; all of
them are safe to retry later.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("cluster_id",
				mcplib.Description("Cluster the operation targets"),
				mcplib.Required(),
			),
			mcplib.WithString("operation",
				mcplib.Description("Operation name, e.g. the upstream path"),
				mcplib.Required(),
			),
		),
		s.handleCheckOperation,
	)

	// sekimon_report_outcome: feed the result of an allowed call to the breaker.
	s.mcpServer.AddTool(
		mcplib.NewTool("sekimon_report_outcome",
			mcplib.WithDescription(`Report the outcome of an operation that sekimon_check_operation allowed.

Call exactly once per allowed check. Report success=false when the upstream
failed or errored so that the cluster's circuit breaker can open.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("cluster_id",
				mcplib.Description("Cluster the operation targeted"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("success",
				mcplib.Description("Whether the upstream call succeeded"),
				mcplib.Required(),
			),
		),
		s.handleReportOutcome,
	)

	// sekimon_check_permission: may this agent use a capability server?
	s.mcpServer.AddTool(
		mcplib.NewTool("sekimon_check_permission",
			mcplib.WithDescription(`Check whether an agent may invoke a capability server.

The identity and tier checked are those of the authenticated caller.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("server_id",
				mcplib.Description("Capability server id"),
				mcplib.Required(),
			),
			mcplib.WithString("agent_id",
				mcplib.Description("Agent that would invoke the server"),
				mcplib.Required(),
			),
		),
		s.handleCheckPermission,
	)

	// sekimon_list_capabilities: discover capability servers.
	s.mcpServer.AddTool(
		mcplib.NewTool("sekimon_list_capabilities",
			mcplib.WithDescription(`List registered capability servers and the tools and resources they provide.

Pass tool or resource to find the single server that provides it.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("tool",
				mcplib.Description("Optional: only the server providing this tool"),
			),
			mcplib.WithString("resource",
				mcplib.Description("Optional: only the server whose resource prefix matches this URI"),
			),
		),
		s.handleListCapabilities,
	)
}

func (s *Server) caller(ctx context.Context) (model.CallerIdentity, error) {
	id, ok := identity.FromContext(ctx)
	if !ok {
		return model.CallerIdentity{}, fmt.Errorf("caller identity not resolved")
	}
	return id, nil
}

func (s *Server) handleCheckOperation(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := s.caller(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	clusterID := request.GetString("cluster_id", "")
	if err := model.ValidateClusterID(clusterID); err != nil {
		return errorResult(err.Error()), nil
	}
	operation := request.GetString("operation", "")
	if operation == "" {
		return errorResult("operation is required"), nil
	}

	d := s.control.CheckOperation(ctx, control.Request{
		ClusterID:    clusterID,
		Operation:    operation,
		TraceID:      correlation.TraceID(ctx),
		CallerID:     id.CallerID,
		CallerTierID: id.TierID,
		Elevated:     id.IsElevated,
	})
	if d.Allowed {
		s.abandon(s.grants.Record(id.CallerID, clusterID, d.Ticket))
	}

	return jsonResult(map[string]any{
		"cluster_id":      clusterID,
		"operation":       operation,
		"allowed":         d.Allowed,
		"reason":          d.Reason,
		"details":         d.Details,
		"report_required": d.Allowed,
	}), nil
}

func (s *Server) handleReportOutcome(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := s.caller(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	clusterID := request.GetString("cluster_id", "")
	if clusterID == "" {
		return errorResult("cluster_id is required"), nil
	}
	success := request.GetBool("success", true)

	g, ok, expired := s.grants.Consume(id.CallerID, clusterID)
	s.abandon(expired)
	if !ok {
		return errorResult(fmt.Sprintf(
			"no outstanding allowed check for cluster %s; call sekimon_check_operation first", clusterID)), nil
	}
	if success {
		s.control.ReportSuccess(clusterID, g.ticket)
	} else {
		s.control.ReportFailure(clusterID, g.ticket)
	}

	return jsonResult(map[string]any{
		"cluster_id": clusterID,
		"success":    success,
		"status":     "recorded",
	}), nil
}

// abandon releases the breaker trials held by grants that expired without
// an outcome report.
func (s *Server) abandon(expired []grant) {
	for _, g := range expired {
		s.logger.Warn("mcp: check expired without an outcome report", "cluster_id", g.clusterID)
		s.control.Abandon(g.clusterID, g.ticket)
	}
}

func (s *Server) handleCheckPermission(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := s.caller(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}

	serverID := request.GetString("server_id", "")
	agentID := request.GetString("agent_id", "")
	if serverID == "" || agentID == "" {
		return errorResult("server_id and agent_id are required"), nil
	}

	tierID := id.TierID
	perm := s.registry.CheckPermission(serverID, agentID, id.CallerID, &tierID)
	return jsonResult(map[string]any{
		"server_id": serverID,
		"agent_id":  agentID,
		"allowed":   perm.Allowed,
		"reason":    perm.Reason,
	}), nil
}

func (s *Server) handleListCapabilities(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	tool := request.GetString("tool", "")
	resource := request.GetString("resource", "")

	var servers []model.CapabilityServer
	switch {
	case tool != "":
		if srv, ok := s.registry.ServerByTool(tool); ok {
			servers = append(servers, srv)
		}
	case resource != "":
		if srv, ok := s.registry.ServerByResource(resource); ok {
			servers = append(servers, srv)
		}
	default:
		servers = s.registry.List()
	}
	if servers == nil {
		servers = []model.CapabilityServer{}
	}

	return jsonResult(map[string]any{
		"servers": servers,
		"total":   len(servers),
	}), nil
}

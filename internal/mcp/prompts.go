package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// governed-call: walks the agent through check, call, report for one operation.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("governed-call",
			mcplib.WithPromptDescription("Call a cluster upstream under Sekimon governance"),
			mcplib.WithArgument("cluster_id",
				mcplib.ArgumentDescription("The cluster you are about to call"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("operation",
				mcplib.ArgumentDescription("The operation you are about to perform"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleGovernedCallPrompt,
	)

	// agent-setup: system prompt snippet explaining the governance workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the Sekimon check-before/report-after workflow"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleGovernedCallPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	clusterID := request.Params.Arguments["cluster_id"]
	operation := request.Params.Arguments["operation"]
	if clusterID == "" || operation == "" {
		return nil, fmt.Errorf("cluster_id and operation arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Governed call of %s on cluster %s", operation, clusterID),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before calling %[2]s on cluster %[1]s, follow these steps:

1. CALL sekimon_check_operation with cluster_id="%[1]s" and operation="%[2]s".

2. If allowed is false, do NOT call the cluster. Tell the user the reason
   (global_kill_switch, cluster_disabled, circuit_open or rate_limited) and
   retry later if the task permits.

3. If allowed is true, perform the call.

4. CALL sekimon_report_outcome with cluster_id="%[1]s" and success=true, or
   success=false if the upstream returned a server error or was unreachable.
   Report exactly once.`, clusterID, operation),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Sekimon governance workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to Sekimon, the control plane that governs calls to upstream
clusters. Operators use it to halt clusters, rate-limit callers and trip
circuit breakers when an upstream is failing.

## The Pattern: Check Before, Report After

### Before calling a cluster:
Call sekimon_check_operation. A denial is always safe to retry later; never
work around it by calling the cluster anyway.

### After calling a cluster:
Call sekimon_report_outcome once, with success=false if the upstream failed.
Unreported checks hold the cluster's recovery trial until they expire.

## Available Tools

- sekimon_check_operation: Ask whether an operation may proceed (use FIRST)
- sekimon_report_outcome: Report the result of an allowed operation (use AFTER)
- sekimon_list_capabilities: Find which capability server provides a tool or resource
- sekimon_check_permission: Check whether an agent may use a capability server

## Resources

- sekimon://killswitch: whether all operations are halted
- sekimon://clusters/{id}/status: breaker state and rate-limit usage of a cluster
- sekimon://capabilities: registered capability servers`,
				},
			},
		},
	}, nil
}

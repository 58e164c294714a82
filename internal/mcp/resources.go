package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/sekimon/internal/model"
)

const (
	uriCapabilities = "sekimon://capabilities"
	uriKillSwitch   = "sekimon://killswitch"
	uriClusterPre   = "sekimon://clusters/"
	uriClusterSuf   = "/status"
)

func (s *Server) registerResources() {
	// sekimon://capabilities: every registered capability server.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriCapabilities,
			"Capability Servers",
			mcplib.WithResourceDescription("Registered capability servers with their tools, resources and permissions"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleCapabilities,
	)

	// sekimon://killswitch: the global kill-switch.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			uriKillSwitch,
			"Global Kill-Switch",
			mcplib.WithResourceDescription("Whether all cluster operations are currently halted, and why"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleKillSwitch,
	)

	// sekimon://clusters/{id}/status: breaker, kill-switch and usage for one cluster.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"sekimon://clusters/{id}/status",
			"Cluster Status",
			mcplib.WithTemplateDescription("Kill-switch, circuit breaker and rate-limit usage for a cluster"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleClusterStatus,
	)
}

func (s *Server) handleCapabilities(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonContents(uriCapabilities, s.registry.List())
}

func (s *Server) handleKillSwitch(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonContents(uriKillSwitch, s.control.GlobalKillSwitch())
}

func (s *Server) handleClusterStatus(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	clusterID, err := parseClusterStatusURI(uri)
	if err != nil {
		return nil, err
	}
	st, err := s.control.ClusterStatus(ctx, clusterID)
	if err != nil {
		return nil, fmt.Errorf("mcp: cluster status: %w", err)
	}
	return jsonContents(uri, st)
}

// parseClusterStatusURI extracts the cluster id from sekimon://clusters/{id}/status.
func parseClusterStatusURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, uriClusterPre) || !strings.HasSuffix(uri, uriClusterSuf) ||
		len(uri) < len(uriClusterPre)+len(uriClusterSuf) {
		return "", fmt.Errorf("mcp: invalid cluster status URI: %s", uri)
	}
	id := uri[len(uriClusterPre) : len(uri)-len(uriClusterSuf)]
	if err := model.ValidateClusterID(id); err != nil {
		return "", fmt.Errorf("mcp: invalid cluster status URI: %w", err)
	}
	return id, nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sekimon/internal/breaker"
	"github.com/ashita-ai/sekimon/internal/capability"
	"github.com/ashita-ai/sekimon/internal/control"
	"github.com/ashita-ai/sekimon/internal/identity"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/ratelimit"
	"github.com/ashita-ai/sekimon/internal/tier"
)

var testServer *Server

func TestMain(m *testing.M) {
	testServer, _ = newTestServer(nil)
	os.Exit(m.Run())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// newTestServer builds a server over in-memory components. A nil t is
// allowed for TestMain.
func newTestServer(t *testing.T) (*Server, *control.Core) {
	tiers, err := tier.NewRegistry([]model.Tier{
		{ID: model.TierSeed, Rank: 0, Limits: model.RateLimits{PerMinute: 2}},
		{ID: model.TierBuilder, Rank: 1, Limits: model.RateLimits{PerMinute: 100}},
	})
	if err != nil {
		panic(err)
	}
	lim := ratelimit.NewMemoryWindowLimiter()
	if t != nil {
		t.Cleanup(func() { _ = lim.Close() })
	}
	core := control.New(control.Config{
		Breaker: breaker.Config{Threshold: 2, ResetTimeout: time.Minute},
	}, tiers, lim, testLogger())

	reg := capability.NewRegistry(testLogger(), nil)
	if err := reg.RegisterServer(context.Background(), model.CapabilityServer{
		ID:        "search",
		Name:      "Search",
		Tools:     []string{"web_search"},
		Resources: []string{"search://"},
		Permissions: model.CapabilityPermissions{
			AllowedTiers: []model.TierID{model.TierBuilder},
		},
	}); err != nil {
		panic(err)
	}
	return New(reg, core, testLogger(), "test"), core
}

func callerCtx(callerID string, tierID model.TierID) context.Context {
	return identity.NewContext(context.Background(), model.CallerIdentity{
		CallerID: callerID,
		TierID:   tierID,
		Source:   model.SourceAPIKey,
	})
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func decode(t *testing.T, result *mcplib.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, result.IsError, parseToolText(t, result))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &out))
	return out
}

func TestCheckOperation_AllowsThenRateLimits(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := callerCtx("caller-1", model.TierSeed)
	req := toolRequest("sekimon_check_operation", map[string]any{
		"cluster_id": "alpha",
		"operation":  "generate",
	})

	for range 2 {
		result, err := s.handleCheckOperation(ctx, req)
		require.NoError(t, err)
		out := decode(t, result)
		assert.Equal(t, true, out["allowed"])
		assert.Equal(t, true, out["report_required"])
	}

	result, err := s.handleCheckOperation(ctx, req)
	require.NoError(t, err)
	out := decode(t, result)
	assert.Equal(t, false, out["allowed"])
	assert.Equal(t, model.ReasonRateLimited, out["reason"])
	assert.Equal(t, false, out["report_required"])
}

func TestCheckOperation_Validation(t *testing.T) {
	s, _ := newTestServer(t)

	result, err := s.handleCheckOperation(context.Background(), toolRequest("sekimon_check_operation", map[string]any{
		"cluster_id": "alpha", "operation": "run",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "identity")

	ctx := callerCtx("caller-1", model.TierBuilder)
	result, err = s.handleCheckOperation(ctx, toolRequest("sekimon_check_operation", map[string]any{
		"cluster_id": "bad/id", "operation": "run",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleCheckOperation(ctx, toolRequest("sekimon_check_operation", map[string]any{
		"cluster_id": "alpha",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "operation is required")
}

func TestCheckOperation_KillSwitch(t *testing.T) {
	s, core := newTestServer(t)
	ctx := callerCtx("caller-1", model.TierBuilder)
	core.SetClusterKillSwitch(ctx, "alpha", true, "maintenance", "ops")

	result, err := s.handleCheckOperation(ctx, toolRequest("sekimon_check_operation", map[string]any{
		"cluster_id": "alpha", "operation": "run",
	}))
	require.NoError(t, err)
	out := decode(t, result)
	assert.Equal(t, false, out["allowed"])
	assert.Equal(t, model.ReasonClusterDisabled, out["reason"])
}

func TestReportOutcome_RequiresGrant(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := callerCtx("caller-1", model.TierBuilder)

	result, err := s.handleReportOutcome(ctx, toolRequest("sekimon_report_outcome", map[string]any{
		"cluster_id": "alpha", "success": false,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "sekimon_check_operation first")
}

func TestReportOutcome_FailuresOpenBreaker(t *testing.T) {
	s, core := newTestServer(t)
	ctx := callerCtx("caller-1", model.TierBuilder)
	check := toolRequest("sekimon_check_operation", map[string]any{"cluster_id": "alpha", "operation": "run"})
	report := toolRequest("sekimon_report_outcome", map[string]any{"cluster_id": "alpha", "success": false})

	for range 2 {
		_, err := s.handleCheckOperation(ctx, check)
		require.NoError(t, err)
		result, err := s.handleReportOutcome(ctx, report)
		require.NoError(t, err)
		out := decode(t, result)
		assert.Equal(t, "recorded", out["status"])
	}

	st, err := core.ClusterStatus(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, breaker.Open, st.Breaker.State)

	result, err := s.handleCheckOperation(ctx, check)
	require.NoError(t, err)
	out := decode(t, result)
	assert.Equal(t, model.ReasonCircuitOpen, out["reason"])

	// A second report for the same grant is rejected.
	result, err = s.handleReportOutcome(ctx, report)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestReportOutcome_LateReportReleasesTrial(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tiers, err := tier.NewRegistry([]model.Tier{{ID: model.TierBuilder, Rank: 1}})
	require.NoError(t, err)
	lim := ratelimit.NewMemoryWindowLimiter(ratelimit.WithWindowClock(clock))
	t.Cleanup(func() { _ = lim.Close() })
	core := control.New(control.Config{
		Breaker: breaker.Config{Threshold: 1, ResetTimeout: time.Minute},
	}, tiers, lim, testLogger(), control.WithClock(clock))
	s := New(capability.NewRegistry(testLogger(), nil), core, testLogger(), "test")
	s.grants.now = clock

	ctx := callerCtx("caller-1", model.TierBuilder)
	check := toolRequest("sekimon_check_operation", map[string]any{"cluster_id": "alpha", "operation": "run"})
	report := toolRequest("sekimon_report_outcome", map[string]any{"cluster_id": "alpha", "success": false})

	_, err = s.handleCheckOperation(ctx, check)
	require.NoError(t, err)
	_, err = s.handleReportOutcome(ctx, report)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	result, err := s.handleCheckOperation(ctx, check)
	require.NoError(t, err)
	require.Equal(t, true, decode(t, result)["allowed"], "trial call")

	now = now.Add(grantWindow + time.Second)
	result, err = s.handleReportOutcome(ctx, report)
	require.NoError(t, err)
	assert.True(t, result.IsError, "the grant expired before the report")

	result, err = s.handleCheckOperation(ctx, check)
	require.NoError(t, err)
	assert.Equal(t, true, decode(t, result)["allowed"], "the expired trial no longer holds the breaker")

	now = now.Add(24 * time.Hour)
	d := core.CheckOperation(ctx, control.Request{ClusterID: "alpha", Operation: "run"})
	assert.True(t, d.Allowed)
}

func TestCheckPermission(t *testing.T) {
	s, _ := newTestServer(t)
	req := toolRequest("sekimon_check_permission", map[string]any{
		"server_id": "search", "agent_id": "planner",
	})

	result, err := s.handleCheckPermission(callerCtx("caller-1", model.TierBuilder), req)
	require.NoError(t, err)
	out := decode(t, result)
	assert.Equal(t, true, out["allowed"])

	result, err = s.handleCheckPermission(callerCtx("caller-1", model.TierSeed), req)
	require.NoError(t, err)
	out = decode(t, result)
	assert.Equal(t, false, out["allowed"])
	assert.Equal(t, capability.ReasonTierNotAllowed, out["reason"])

	result, err = s.handleCheckPermission(callerCtx("caller-1", model.TierBuilder), toolRequest("sekimon_check_permission", map[string]any{
		"server_id": "missing", "agent_id": "planner",
	}))
	require.NoError(t, err)
	out = decode(t, result)
	assert.Equal(t, capability.ReasonNotFound, out["reason"])

	result, err = s.handleCheckPermission(callerCtx("caller-1", model.TierBuilder), toolRequest("sekimon_check_permission", map[string]any{
		"server_id": "search",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListCapabilities(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		args  map[string]any
		total float64
	}{
		{name: "all", args: map[string]any{}, total: 1},
		{name: "by tool", args: map[string]any{"tool": "web_search"}, total: 1},
		{name: "unknown tool", args: map[string]any{"tool": "nope"}, total: 0},
		{name: "by resource", args: map[string]any{"resource": "search://index/42"}, total: 1},
		{name: "unknown resource", args: map[string]any{"resource": "files://x"}, total: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := s.handleListCapabilities(ctx, toolRequest("sekimon_list_capabilities", tt.args))
			require.NoError(t, err)
			out := decode(t, result)
			assert.Equal(t, tt.total, out["total"])
			assert.NotNil(t, out["servers"])
		})
	}
}

func TestResources(t *testing.T) {
	s, core := newTestServer(t)
	ctx := context.Background()
	core.SetGlobalKillSwitch(ctx, true, "incident", "ops")

	contents, err := s.handleKillSwitch(ctx, mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text := contents[0].(mcplib.TextResourceContents)
	assert.Equal(t, uriKillSwitch, text.URI)
	assert.Contains(t, text.Text, `"incident"`)

	contents, err = s.handleCapabilities(ctx, mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	assert.Contains(t, contents[0].(mcplib.TextResourceContents).Text, `"web_search"`)

	req := mcplib.ReadResourceRequest{}
	req.Params.URI = "sekimon://clusters/alpha/status"
	contents, err = s.handleClusterStatus(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "sekimon://clusters/alpha/status", contents[0].(mcplib.TextResourceContents).URI)
	assert.Contains(t, contents[0].(mcplib.TextResourceContents).Text, `"alpha"`)
}

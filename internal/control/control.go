// Package control composes the kill-switches, the window rate limiter and
// the per-cluster circuit breakers into a single allow/deny decision.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/sekimon/internal/breaker"
	"github.com/ashita-ai/sekimon/internal/correlation"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/ratelimit"
	"github.com/ashita-ai/sekimon/internal/telemetry"
	"github.com/ashita-ai/sekimon/internal/tier"
)

// Request is the input to CheckOperation.
type Request struct {
	ClusterID      string
	Operation      string
	TraceID        string
	IdempotencyKey string
	CallerID       string
	CallerTierID   model.TierID
	Elevated       bool
}

// Decision is the outcome of CheckOperation. Details describe the check
// that denied, e.g. the window that tripped. Ticket identifies an allowed
// admission to the cluster's breaker and must be passed back with the
// outcome.
type Decision struct {
	Allowed bool           `json:"allowed"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Ticket  breaker.Ticket `json:"-"`
}

// Publisher receives control events.
type Publisher interface {
	Publish(ctx context.Context, env model.EventEnvelope) error
}

// Config holds the cluster-wide defaults.
type Config struct {
	ClusterLimits model.RateLimits
	Breaker       breaker.Config
}

// Option customizes a Core.
type Option func(*Core)

// WithPublisher emits kill-switch, breaker and denial events.
func WithPublisher(p Publisher) Option { return func(c *Core) { c.events = p } }

// WithInstruments records decisions.
func WithInstruments(m *telemetry.Instruments) Option { return func(c *Core) { c.metrics = m } }

// WithClock replaces time.Now for breakers and kill-switch timestamps.
func WithClock(now func() time.Time) Option { return func(c *Core) { c.now = now } }

type cluster struct {
	kill    model.KillSwitch
	breaker *breaker.Breaker
}

// Core is safe for concurrent use. Its state is volatile and resets when
// the process restarts.
type Core struct {
	cfg     Config
	tiers   *tier.Registry
	limiter ratelimit.WindowLimiter
	logger  *slog.Logger
	events  Publisher
	metrics *telemetry.Instruments
	now     func() time.Time

	mu       sync.RWMutex
	global   model.KillSwitch
	clusters map[string]*cluster
	hooks    []func(ctx context.Context, ks model.KillSwitch)
}

// New creates a control core. limiter must not be nil; use a
// MemoryWindowLimiter when no shared backend is configured.
func New(cfg Config, tiers *tier.Registry, limiter ratelimit.WindowLimiter, logger *slog.Logger, opts ...Option) *Core {
	c := &Core{
		cfg:      cfg,
		tiers:    tiers,
		limiter:  limiter,
		logger:   logger,
		now:      time.Now,
		global:   model.KillSwitch{Scope: model.KillSwitchGlobal},
		clusters: make(map[string]*cluster),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Core) cluster(id string) *cluster {
	c.mu.RLock()
	cl, ok := c.clusters[id]
	c.mu.RUnlock()
	if ok {
		return cl
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clusters[id]; ok {
		return cl
	}
	cl = &cluster{
		kill: model.KillSwitch{Scope: id},
		breaker: breaker.New(id, c.cfg.Breaker,
			breaker.WithClock(c.now),
			breaker.WithStateChange(c.onBreakerChange)),
	}
	c.clusters[id] = cl
	return cl
}

func clusterKey(clusterID string) string { return "cluster:" + clusterID }

func callerKey(clusterID, callerID string) string { return "caller:" + clusterID + ":" + callerID }

// CheckOperation runs the checks in order and stops at the first denial:
// global kill-switch, cluster kill-switch, circuit breaker, rate limits.
// An allowed decision has incremented every counter and, if the breaker
// was HALF_OPEN, holds its trial slot; the caller must follow up with
// ReportSuccess, ReportFailure or Abandon.
func (c *Core) CheckOperation(ctx context.Context, req Request) Decision {
	d := c.check(ctx, req)
	c.record(ctx, req, d)
	return d
}

func (c *Core) check(ctx context.Context, req Request) Decision {
	c.mu.RLock()
	global := c.global
	c.mu.RUnlock()
	if global.Enabled {
		return deny(model.ReasonGlobalKillSwitch, map[string]any{"message": global.Reason})
	}

	cl := c.cluster(req.ClusterID)
	c.mu.RLock()
	kill := cl.kill
	c.mu.RUnlock()
	if kill.Enabled {
		return deny(model.ReasonClusterDisabled, map[string]any{"cluster_id": req.ClusterID, "message": kill.Reason})
	}

	ticket, err := cl.breaker.Allow()
	if err != nil {
		snap := cl.breaker.Snapshot()
		details := map[string]any{"cluster_id": req.ClusterID, "state": snap.State.String()}
		if snap.OpenedAt != nil {
			details["opened_at"] = *snap.OpenedAt
		}
		return deny(model.ReasonCircuitOpen, details)
	}

	res, err := c.limiter.Take(ctx, c.quotas(req)...)
	if err != nil {
		// Limiter errors fail open.
		c.logger.Warn("control: rate limiter unavailable, allowing",
			"error", err, "cluster_id", req.ClusterID)
		return Decision{Allowed: true, Ticket: ticket}
	}
	if !res.Allowed {
		cl.breaker.Release(ticket)
		scope := "cluster"
		if strings.HasPrefix(res.Key, "caller:") {
			scope = "caller"
		}
		return deny(model.ReasonRateLimited, map[string]any{
			"scope":    scope,
			"window":   string(res.Window),
			"limit":    res.Limit,
			"count":    res.Count,
			"reset_at": res.ResetAt,
		})
	}
	return Decision{Allowed: true, Ticket: ticket}
}

// quotas returns the cluster quota plus, for non-elevated callers with a
// known tier, the caller's tier quota on this cluster.
func (c *Core) quotas(req Request) []ratelimit.Quota {
	q := []ratelimit.Quota{{Key: clusterKey(req.ClusterID), Limits: c.cfg.ClusterLimits}}
	if req.Elevated || req.CallerID == "" {
		return q
	}
	t, err := c.tiers.Lookup(req.CallerTierID)
	if err != nil {
		return q
	}
	return append(q, ratelimit.Quota{Key: callerKey(req.ClusterID, req.CallerID), Limits: t.Limits})
}

func deny(reason string, details map[string]any) Decision {
	return Decision{Reason: reason, Details: details}
}

func (c *Core) record(ctx context.Context, req Request, d Decision) {
	if c.metrics != nil {
		c.metrics.Decisions.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("allowed", d.Allowed),
			attribute.String("reason", d.Reason),
		))
	}
	if d.Allowed {
		return
	}
	c.logger.Info("control: operation blocked",
		"cluster_id", req.ClusterID,
		"operation", req.Operation,
		"caller_id", req.CallerID,
		"reason", d.Reason)
	c.publish(ctx, model.EventControlBlocked, req.ClusterID, model.SeverityMedium, map[string]any{
		"cluster_id": req.ClusterID,
		"operation":  req.Operation,
		"caller_id":  req.CallerID,
		"reason":     d.Reason,
		"details":    d.Details,
	})
}

// ReportSuccess records a successful handler call on the cluster's breaker.
// Reports for a ticket the breaker has moved past are ignored.
func (c *Core) ReportSuccess(clusterID string, t breaker.Ticket) {
	c.cluster(clusterID).breaker.Success(t)
}

// ReportFailure records a failed handler call on the cluster's breaker.
func (c *Core) ReportFailure(clusterID string, t breaker.Ticket) {
	c.cluster(clusterID).breaker.Failure(t)
}

// Abandon returns an unused breaker trial when a later pipeline stage
// denied the request before the handler ran. Only the ticket holding the
// current trial frees it.
func (c *Core) Abandon(clusterID string, t breaker.Ticket) {
	c.cluster(clusterID).breaker.Release(t)
}

// GlobalKillSwitch returns the global kill-switch.
func (c *Core) GlobalKillSwitch() model.KillSwitch {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.global
}

// SetGlobalKillSwitch enables or disables every cluster at once.
func (c *Core) SetGlobalKillSwitch(ctx context.Context, enabled bool, reason, actor string) model.KillSwitch {
	ks := c.killSwitch(model.KillSwitchGlobal, enabled, reason, actor)
	c.store(ks)
	c.killSwitchChanged(ctx, ks, true)
	return ks
}

// SetClusterKillSwitch enables or disables one cluster.
func (c *Core) SetClusterKillSwitch(ctx context.Context, clusterID string, enabled bool, reason, actor string) model.KillSwitch {
	ks := c.killSwitch(clusterID, enabled, reason, actor)
	c.store(ks)
	c.killSwitchChanged(ctx, ks, true)
	return ks
}

// ApplyKillSwitch installs a kill-switch changed on another instance. It
// publishes the change locally but does not invoke the OnKillSwitch hook.
func (c *Core) ApplyKillSwitch(ctx context.Context, ks model.KillSwitch) {
	c.store(ks)
	c.killSwitchChanged(ctx, ks, false)
}

// OnKillSwitch registers fn to run after every local kill-switch change.
func (c *Core) OnKillSwitch(fn func(ctx context.Context, ks model.KillSwitch)) {
	c.mu.Lock()
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

func (c *Core) store(ks model.KillSwitch) {
	if ks.Scope == model.KillSwitchGlobal {
		c.mu.Lock()
		c.global = ks
		c.mu.Unlock()
		return
	}
	cl := c.cluster(ks.Scope)
	c.mu.Lock()
	cl.kill = ks
	c.mu.Unlock()
}

func (c *Core) killSwitch(scope string, enabled bool, reason, actor string) model.KillSwitch {
	if !enabled {
		reason = ""
	}
	return model.KillSwitch{
		Scope:     scope,
		Enabled:   enabled,
		Reason:    reason,
		ChangedBy: actor,
		ChangedAt: c.now().UTC(),
	}
}

func (c *Core) killSwitchChanged(ctx context.Context, ks model.KillSwitch, local bool) {
	c.logger.Warn("control: kill-switch changed",
		"scope", ks.Scope,
		"enabled", ks.Enabled,
		"reason", ks.Reason,
		"changed_by", ks.ChangedBy,
		"local", local)
	c.publish(ctx, model.EventControlKillSwitchChanged, ks.Scope, model.SeverityHigh, ks)
	if !local {
		return
	}
	c.mu.RLock()
	hooks := c.hooks
	c.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, ks)
	}
}

// ResetBreaker forces the cluster's breaker CLOSED.
func (c *Core) ResetBreaker(clusterID string) { c.cluster(clusterID).breaker.Reset() }

// ClusterStatus is a point-in-time view of one cluster.
type ClusterStatus struct {
	ClusterID  string           `json:"cluster_id"`
	KillSwitch model.KillSwitch `json:"kill_switch"`
	Breaker    breaker.Snapshot `json:"breaker"`
	Usage      ratelimit.Usage  `json:"usage"`
	Limits     model.RateLimits `json:"limits"`
}

// ClusterStatus reports the kill-switch, breaker and counters of a cluster.
func (c *Core) ClusterStatus(ctx context.Context, clusterID string) (ClusterStatus, error) {
	cl := c.cluster(clusterID)
	c.mu.RLock()
	kill := cl.kill
	c.mu.RUnlock()
	usage, err := c.limiter.Usage(ctx, clusterKey(clusterID))
	if err != nil {
		return ClusterStatus{}, fmt.Errorf("control: usage for %s: %w", clusterID, err)
	}
	return ClusterStatus{
		ClusterID:  clusterID,
		KillSwitch: kill,
		Breaker:    cl.breaker.Snapshot(),
		Usage:      usage,
		Limits:     c.cfg.ClusterLimits,
	}, nil
}

// Clusters lists every cluster the core has seen, sorted.
func (c *Core) Clusters() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.clusters))
	for id := range c.clusters {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *Core) onBreakerChange(name string, from, to breaker.State) {
	c.logger.Warn("control: circuit breaker transition", "cluster_id", name, "from", from.String(), "to", to.String())
	var eventType string
	switch to {
	case breaker.Open:
		eventType = model.EventControlCircuitOpened
	case breaker.Closed:
		eventType = model.EventControlCircuitClosed
	default:
		return
	}
	c.publish(context.Background(), eventType, name, model.SeverityHigh, map[string]any{
		"cluster_id": name,
		"from":       from.String(),
		"to":         to.String(),
	})
}

func (c *Core) publish(ctx context.Context, eventType, target, severity string, payload any) {
	if c.events == nil {
		return
	}
	env := model.EventEnvelope{
		EventType:     eventType,
		EventID:       uuid.NewString(),
		CorrelationID: correlation.FromContext(ctx).TraceID,
		Timestamp:     c.now().UTC(),
		Source:        "control",
		Actor:         model.EventActor{ID: "control-core", Type: "system", IsSystem: true},
		Target:        model.EventTarget{Type: "cluster", ID: target},
		Severity:      severity,
		Payload:       payload,
	}
	if err := c.events.Publish(ctx, env); err != nil {
		c.logger.Debug("control: event publish failed", "event_type", eventType, "error", err)
	}
}

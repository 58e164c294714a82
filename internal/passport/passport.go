// Package passport gates routes on the caller's tier and feature flags and
// audits every grant.
package passport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sekimon/internal/correlation"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/tier"
)

// Decision is the outcome of a gate check. Denials carry the error code and
// both tiers so callers can self-diagnose.
type Decision struct {
	Allowed      bool         `json:"allowed"`
	Code         string       `json:"code,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	CallerTier   model.TierID `json:"caller_tier"`
	RequiredTier model.TierID `json:"required_tier,omitempty"`
	Feature      string       `json:"feature,omitempty"`
}

// AuditSink persists grant records.
type AuditSink interface {
	RecordAccess(ctx context.Context, entry model.AccessAudit) error
}

// Publisher receives gate events.
type Publisher interface {
	Publish(ctx context.Context, env model.EventEnvelope) error
}

// Gate is safe for concurrent use.
type Gate struct {
	tiers  *tier.Registry
	audit  AuditSink
	events Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewGate creates a gate. events may be nil.
func NewGate(tiers *tier.Registry, audit AuditSink, events Publisher, logger *slog.Logger) *Gate {
	return &Gate{tiers: tiers, audit: audit, events: events, logger: logger, now: time.Now}
}

// RequireIdentity denies callers that presented no valid credential.
func (g *Gate) RequireIdentity(ctx context.Context, id model.CallerIdentity, resource string) Decision {
	if !id.IsDefault() {
		return Decision{Allowed: true, CallerTier: id.TierID}
	}
	d := Decision{
		Code:       model.ErrCodePassportRequired,
		Reason:     "a passport, api key or wallet signature is required",
		CallerTier: id.TierID,
	}
	g.denied(ctx, id, resource, d)
	return d
}

// RequireTier allows the caller when its tier ranks at or above required.
// An unknown required tier denies.
func (g *Gate) RequireTier(ctx context.Context, id model.CallerIdentity, required model.TierID, resource string) Decision {
	d := Decision{CallerTier: id.TierID, RequiredTier: required}
	switch {
	case g.tiers.Ordinal(required) < 0:
		d.Code = model.ErrCodeInsufficientTier
		d.Reason = fmt.Sprintf("required tier %s is not configured", required)
	case !g.tiers.AtLeast(id.TierID, required):
		d.Code = model.ErrCodeInsufficientTier
		d.Reason = fmt.Sprintf("tier %s is below required tier %s", id.TierID, required)
	default:
		d.Allowed = true
		g.granted(ctx, id, resource, required, "")
		return d
	}
	g.denied(ctx, id, resource, d)
	return d
}

// RequireFeature allows the caller when its tier carries feature.
func (g *Gate) RequireFeature(ctx context.Context, id model.CallerIdentity, feature, resource string) Decision {
	d := Decision{CallerTier: id.TierID, Feature: feature}
	if !id.Tier.HasFeature(feature) {
		d.Code = model.ErrCodeFeatureNotAvailable
		d.Reason = fmt.Sprintf("feature %s is not available on tier %s", feature, id.TierID)
		g.denied(ctx, id, resource, d)
		return d
	}
	d.Allowed = true
	g.granted(ctx, id, resource, "", feature)
	return d
}

func (g *Gate) granted(ctx context.Context, id model.CallerIdentity, resource string, required model.TierID, feature string) {
	entry := model.AccessAudit{
		ID:           uuid.New(),
		TraceID:      correlation.TraceID(ctx),
		Resource:     resource,
		IdentityID:   id.CallerID,
		TierID:       id.TierID,
		RequiredTier: required,
		Feature:      feature,
		Source:       string(id.Source),
		CreatedAt:    g.now().UTC(),
	}
	if g.audit != nil {
		if err := g.audit.RecordAccess(ctx, entry); err != nil {
			g.logger.Error("passport: audit write failed", "error", err, "resource", resource, "identity_id", id.CallerID)
		}
	}
	g.publish(ctx, model.EventPassportGranted, id, resource, entry)
}

func (g *Gate) denied(ctx context.Context, id model.CallerIdentity, resource string, d Decision) {
	g.logger.Info("passport: denied",
		"resource", resource,
		"identity_id", id.CallerID,
		"tier_id", id.TierID,
		"code", d.Code,
		"reason", d.Reason)
	g.publish(ctx, model.EventPassportDenied, id, resource, d)
}

func (g *Gate) publish(ctx context.Context, eventType string, id model.CallerIdentity, resource string, payload any) {
	if g.events == nil {
		return
	}
	env := model.EventEnvelope{
		EventType:     eventType,
		EventID:       uuid.NewString(),
		CorrelationID: correlation.FromContext(ctx).TraceID,
		Timestamp:     g.now().UTC(),
		Source:        "passport",
		Actor:         model.EventActor{ID: id.CallerID, Type: string(id.Source)},
		Target:        model.EventTarget{Type: "resource", ID: resource},
		Severity:      model.SeverityLow,
		Payload:       payload,
	}
	if eventType == model.EventPassportDenied {
		env.Severity = model.SeverityMedium
	}
	if err := g.events.Publish(ctx, env); err != nil {
		g.logger.Debug("passport: event publish failed", "event_type", eventType, "error", err)
	}
}

// MemoryAudit keeps the most recent grants in a ring buffer.
type MemoryAudit struct {
	mu      sync.Mutex
	entries []model.AccessAudit
	next    int
	full    bool
}

// NewMemoryAudit creates a ring holding up to size entries.
func NewMemoryAudit(size int) *MemoryAudit {
	if size <= 0 {
		size = 1024
	}
	return &MemoryAudit{entries: make([]model.AccessAudit, size)}
}

// RecordAccess implements AuditSink.
func (m *MemoryAudit) RecordAccess(_ context.Context, e model.AccessAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[m.next] = e
	m.next = (m.next + 1) % len(m.entries)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// RecentAccess returns up to limit entries, newest first.
func (m *MemoryAudit) RecentAccess(_ context.Context, limit int) ([]model.AccessAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.next
	if m.full {
		n = len(m.entries)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.AccessAudit, 0, limit)
	for i := 1; i <= limit; i++ {
		out = append(out, m.entries[(m.next-i+len(m.entries))%len(m.entries)])
	}
	return out, nil
}

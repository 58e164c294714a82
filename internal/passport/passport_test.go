package passport

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sekimon/internal/correlation"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/tier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	mu     sync.Mutex
	events []model.EventEnvelope
}

func (r *recorder) Publish(_ context.Context, env model.EventEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, env)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType)
	}
	return out
}

type failingAudit struct{}

func (failingAudit) RecordAccess(context.Context, model.AccessAudit) error {
	return errors.New("disk full")
}

func newGate(t *testing.T) (*Gate, *MemoryAudit, *recorder) {
	t.Helper()
	tiers, err := tier.NewRegistry([]model.Tier{
		{ID: model.TierSeed, Rank: 0, Features: []string{model.FeatureProxy}},
		{ID: model.TierBuilder, Rank: 1, Features: []string{model.FeatureProxy, model.FeatureBillable}},
		{ID: model.TierGodMode, Rank: 3, Features: []string{model.FeatureProxy, model.FeatureBillable, model.FeatureCapabilities}},
	})
	require.NoError(t, err)
	audit := NewMemoryAudit(8)
	rec := &recorder{}
	return NewGate(tiers, audit, rec, testLogger()), audit, rec
}

func caller(id model.TierID, features ...string) model.CallerIdentity {
	return model.CallerIdentity{
		CallerID: "caller-1",
		TierID:   id,
		Tier:     model.Tier{ID: id, Features: features},
		Source:   model.SourceAPIKey,
	}
}

func TestRequireTierAllowsEqualAndHigher(t *testing.T) {
	g, audit, rec := newGate(t)
	ctx := correlation.WithTrace(context.Background(), correlation.TraceContext{TraceID: "trace-1"})

	d := g.RequireTier(ctx, caller(model.TierBuilder), model.TierBuilder, "alpha/run")
	assert.True(t, d.Allowed)
	d = g.RequireTier(ctx, caller(model.TierGodMode), model.TierBuilder, "alpha/run")
	assert.True(t, d.Allowed)

	entries, err := audit.RecentAccess(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.TierGodMode, entries[0].TierID, "newest first")
	assert.Equal(t, "alpha/run", entries[0].Resource)
	assert.Equal(t, "trace-1", entries[0].TraceID)
	assert.Equal(t, model.TierBuilder, entries[0].RequiredTier)
	assert.Equal(t, []string{model.EventPassportGranted, model.EventPassportGranted}, rec.types())
}

func TestRequireTierDeniesLower(t *testing.T) {
	g, audit, rec := newGate(t)
	ctx := context.Background()

	d := g.RequireTier(ctx, caller(model.TierSeed), model.TierBuilder, "alpha/run")
	assert.False(t, d.Allowed)
	assert.Equal(t, model.ErrCodeInsufficientTier, d.Code)
	assert.Equal(t, model.TierSeed, d.CallerTier)
	assert.Equal(t, model.TierBuilder, d.RequiredTier)

	entries, _ := audit.RecentAccess(ctx, 0)
	assert.Empty(t, entries, "denials are not audited as grants")
	assert.Equal(t, []string{model.EventPassportDenied}, rec.types())
}

func TestRequireTierUnknownRequiredDenies(t *testing.T) {
	g, _, _ := newGate(t)
	d := g.RequireTier(context.Background(), caller(model.TierGodMode), "PLATINUM", "alpha/run")
	assert.False(t, d.Allowed)
	assert.Equal(t, model.ErrCodeInsufficientTier, d.Code)
}

func TestRequireFeature(t *testing.T) {
	g, audit, _ := newGate(t)
	ctx := context.Background()

	d := g.RequireFeature(ctx, caller(model.TierSeed, model.FeatureProxy), model.FeatureBillable, "alpha/charge")
	assert.False(t, d.Allowed)
	assert.Equal(t, model.ErrCodeFeatureNotAvailable, d.Code)
	assert.Equal(t, model.FeatureBillable, d.Feature)

	d = g.RequireFeature(ctx, caller(model.TierBuilder, model.FeatureBillable), model.FeatureBillable, "alpha/charge")
	assert.True(t, d.Allowed)
	entries, _ := audit.RecentAccess(ctx, 0)
	require.Len(t, entries, 1)
	assert.Equal(t, model.FeatureBillable, entries[0].Feature)
}

func TestRequireIdentity(t *testing.T) {
	g, _, rec := newGate(t)
	anon := model.CallerIdentity{CallerID: model.AnonymousCallerID, TierID: model.TierSeed, Source: model.SourceDefault}

	d := g.RequireIdentity(context.Background(), anon, "alpha/run")
	assert.False(t, d.Allowed)
	assert.Equal(t, model.ErrCodePassportRequired, d.Code)
	assert.Equal(t, []string{model.EventPassportDenied}, rec.types())

	d = g.RequireIdentity(context.Background(), caller(model.TierSeed), "alpha/run")
	assert.True(t, d.Allowed)
}

func TestAuditFailureDoesNotDeny(t *testing.T) {
	g, _, _ := newGate(t)
	g.audit = failingAudit{}
	d := g.RequireTier(context.Background(), caller(model.TierBuilder), model.TierSeed, "alpha/run")
	assert.True(t, d.Allowed)
}

func TestNilPublisher(t *testing.T) {
	g, _, _ := newGate(t)
	g.events = nil
	assert.NotPanics(t, func() {
		g.RequireTier(context.Background(), caller(model.TierSeed), model.TierBuilder, "alpha/run")
	})
}

func TestMemoryAuditRingWraps(t *testing.T) {
	a := NewMemoryAudit(3)
	ctx := context.Background()
	for _, r := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, a.RecordAccess(ctx, model.AccessAudit{Resource: r}))
	}

	all, err := a.RecentAccess(ctx, 0)
	require.NoError(t, err)
	var got []string
	for _, e := range all {
		got = append(got, e.Resource)
	}
	assert.Equal(t, []string{"e", "d", "c"}, got)

	two, _ := a.RecentAccess(ctx, 2)
	assert.Len(t, two, 2)
}

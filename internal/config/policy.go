package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/ashita-ai/sekimon/internal/model"
)

// Policy is the static tier table and route table. It is loaded once at
// startup and never mutated afterwards.
type Policy struct {
	Tiers  []model.Tier  `toml:"tiers"`
	Routes []RoutePolicy `toml:"routes"`
}

// RoutePolicy describes the requirements for operations on a cluster.
// Cluster and Operation accept "*" as a wildcard; an Operation ending in "/*"
// matches by prefix. A positive Price makes the route billable.
type RoutePolicy struct {
	Cluster         string       `toml:"cluster"`
	Operation       string       `toml:"operation"`
	RequiredTier    model.TierID `toml:"required_tier"`
	Feature         string       `toml:"feature"`
	RequirePassport bool         `toml:"require_passport"`
	Price           int64        `toml:"price"`
	Currency        string       `toml:"currency"`
}

// Billable reports whether the route takes a charge.
func (r RoutePolicy) Billable() bool { return r.Price > 0 }

// Matches reports whether the route applies to the cluster/operation pair.
func (r RoutePolicy) Matches(cluster, operation string) bool {
	if r.Cluster != "*" && r.Cluster != cluster {
		return false
	}
	switch {
	case r.Operation == "*":
		return true
	case strings.HasSuffix(r.Operation, "/*"):
		return strings.HasPrefix(operation, strings.TrimSuffix(r.Operation, "*"))
	default:
		return r.Operation == operation
	}
}

// Match returns the first route matching the pair. Routes are evaluated in
// file order, so more specific routes belong first.
func (p Policy) Match(cluster, operation string) (RoutePolicy, bool) {
	for _, r := range p.Routes {
		if r.Matches(cluster, operation) {
			return r, true
		}
	}
	return RoutePolicy{}, false
}

// DefaultPolicy returns the built-in tier ladder and a catch-all route.
func DefaultPolicy() Policy {
	return Policy{
		Tiers: []model.Tier{
			{
				ID:              model.TierSeed,
				Rank:            0,
				Features:        []string{model.FeatureProxy},
				Limits:          model.RateLimits{PerMinute: 30, PerHour: 500, PerDay: 2000},
				MaxPayloadBytes: 64 * 1024,
			},
			{
				ID:              model.TierBuilder,
				Rank:            1,
				Features:        []string{model.FeatureProxy, model.FeatureBillable, model.FeatureMCP},
				Limits:          model.RateLimits{PerMinute: 120, PerHour: 3000, PerDay: 20000},
				MaxPayloadBytes: 1024 * 1024,
			},
			{
				ID:   model.TierOperator,
				Rank: 2,
				Features: []string{
					model.FeatureProxy, model.FeatureBillable, model.FeatureMCP, model.FeatureEventStream,
				},
				Limits:          model.RateLimits{PerMinute: 600, PerHour: 20000, PerDay: 200000},
				MaxPayloadBytes: 4 * 1024 * 1024,
			},
			{
				ID:   model.TierGodMode,
				Rank: 3,
				Features: []string{
					model.FeatureProxy, model.FeatureBillable, model.FeatureMCP, model.FeatureEventStream,
					model.FeatureCapabilities,
				},
				MaxPayloadBytes: 16 * 1024 * 1024,
			},
		},
		Routes: []RoutePolicy{
			{Cluster: "*", Operation: "*", RequiredTier: model.TierSeed, Feature: model.FeatureProxy},
		},
	}
}

// LoadPolicy decodes a TOML policy file. Sections that are absent fall back
// to the defaults, so a file may override only the route table.
func LoadPolicy(path string) (Policy, error) {
	var p Policy
	md, err := toml.DecodeFile(path, &p)
	if err != nil {
		return Policy{}, fmt.Errorf("config: decode policy %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Policy{}, fmt.Errorf("config: policy %s has unknown keys: %v", path, undecoded)
	}
	def := DefaultPolicy()
	if len(p.Tiers) == 0 {
		p.Tiers = def.Tiers
	}
	if len(p.Routes) == 0 {
		p.Routes = def.Routes
	}
	for i := range p.Routes {
		p.Routes[i].RequiredTier = model.TierID(strings.ToUpper(string(p.Routes[i].RequiredTier)))
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks tier uniqueness and that routes reference known tiers.
func (p Policy) Validate() error {
	if len(p.Tiers) == 0 {
		return fmt.Errorf("config: policy must define at least one tier")
	}
	ids := make(map[model.TierID]bool, len(p.Tiers))
	ranks := make(map[int]model.TierID, len(p.Tiers))
	for _, t := range p.Tiers {
		if t.ID == "" {
			return fmt.Errorf("config: policy tier with empty id")
		}
		if ids[t.ID] {
			return fmt.Errorf("config: policy tier %q defined twice", t.ID)
		}
		if other, dup := ranks[t.Rank]; dup {
			return fmt.Errorf("config: policy tiers %q and %q share rank %d", other, t.ID, t.Rank)
		}
		ids[t.ID] = true
		ranks[t.Rank] = t.ID
	}
	for i, r := range p.Routes {
		if r.Cluster == "" || r.Operation == "" {
			return fmt.Errorf("config: policy route %d needs cluster and operation", i)
		}
		if r.RequiredTier != "" && !ids[r.RequiredTier] {
			return fmt.Errorf("config: policy route %d requires unknown tier %q", i, r.RequiredTier)
		}
		if r.Price < 0 {
			return fmt.Errorf("config: policy route %d has a negative price", i)
		}
	}
	return nil
}

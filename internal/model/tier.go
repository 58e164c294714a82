package model

// TierID names an access tier (e.g. "SEED", "GOD_MODE").
type TierID string

// Built-in tiers, lowest first.
const (
	TierSeed     TierID = "SEED"
	TierBuilder  TierID = "BUILDER"
	TierOperator TierID = "OPERATOR"
	TierGodMode  TierID = "GOD_MODE"
)

// Feature flags carried by tiers.
const (
	FeatureProxy        = "proxy"
	FeatureBillable     = "billable_actions"
	FeatureEventStream  = "event_stream"
	FeatureCapabilities = "capability_admin"
	FeatureMCP          = "mcp"
)

// RateLimits are the per-caller request ceilings for a tier. Zero means unlimited.
type RateLimits struct {
	PerMinute int `json:"per_minute" toml:"per_minute"`
	PerHour   int `json:"per_hour" toml:"per_hour"`
	PerDay    int `json:"per_day" toml:"per_day"`
}

// Tier is an ordered access level. Rank defines the total order: a higher
// rank carries at least the privileges of every lower rank.
type Tier struct {
	ID              TierID     `json:"id" toml:"id"`
	Rank            int        `json:"rank" toml:"rank"`
	Features        []string   `json:"features" toml:"features"`
	Limits          RateLimits `json:"limits" toml:"limits"`
	MaxPayloadBytes int64      `json:"max_payload_bytes" toml:"max_payload_bytes"`
}

// HasFeature reports whether the tier carries the named feature flag.
func (t Tier) HasFeature(feature string) bool {
	for _, f := range t.Features {
		if f == feature {
			return true
		}
	}
	return false
}

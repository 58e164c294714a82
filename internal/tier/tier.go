// Package tier holds the static, totally ordered tier table.
package tier

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ashita-ai/sekimon/internal/model"
)

// ErrUnknownTier is returned when a tier id is not configured.
var ErrUnknownTier = errors.New("unknown tier")

// Registry is immutable after construction and safe for concurrent use.
type Registry struct {
	ordered []model.Tier // ascending rank
	byID    map[model.TierID]int
}

// NewRegistry validates tiers and orders them by rank. Ids are matched
// case-insensitively and stored upper-case.
func NewRegistry(tiers []model.Tier) (*Registry, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("tier: at least one tier is required")
	}
	ordered := slices.Clone(tiers)
	for i := range ordered {
		ordered[i].ID = normalize(ordered[i].ID)
		ordered[i].Features = slices.Clone(ordered[i].Features)
	}
	slices.SortStableFunc(ordered, func(a, b model.Tier) int { return a.Rank - b.Rank })

	r := &Registry{ordered: ordered, byID: make(map[model.TierID]int, len(ordered))}
	for i, t := range ordered {
		if t.ID == "" {
			return nil, fmt.Errorf("tier: empty tier id")
		}
		if _, dup := r.byID[t.ID]; dup {
			return nil, fmt.Errorf("tier: %s defined twice", t.ID)
		}
		if i > 0 && ordered[i-1].Rank == t.Rank {
			return nil, fmt.Errorf("tier: %s and %s share rank %d", ordered[i-1].ID, t.ID, t.Rank)
		}
		r.byID[t.ID] = i
	}
	return r, nil
}

func normalize(id model.TierID) model.TierID {
	return model.TierID(strings.ToUpper(strings.TrimSpace(string(id))))
}

// Lookup returns the tier with the given id.
func (r *Registry) Lookup(id model.TierID) (model.Tier, error) {
	i, ok := r.byID[normalize(id)]
	if !ok {
		return model.Tier{}, fmt.Errorf("tier: %q: %w", id, ErrUnknownTier)
	}
	return r.ordered[i], nil
}

// Ordinal returns the position of id in the total order (0 is lowest), or
// -1 for an unknown tier.
func (r *Registry) Ordinal(id model.TierID) int {
	i, ok := r.byID[normalize(id)]
	if !ok {
		return -1
	}
	return i
}

// AtLeast reports whether have ranks at or above need. Unknown tiers never
// satisfy a requirement, and an unknown requirement is never satisfied.
func (r *Registry) AtLeast(have, need model.TierID) bool {
	h, n := r.Ordinal(have), r.Ordinal(need)
	return h >= 0 && n >= 0 && h >= n
}

// Lowest returns the lowest-ranked tier.
func (r *Registry) Lowest() model.Tier { return r.ordered[0] }

// Highest returns the highest-ranked tier.
func (r *Registry) Highest() model.Tier { return r.ordered[len(r.ordered)-1] }

// All returns the tiers in ascending order.
func (r *Registry) All() []model.Tier { return slices.Clone(r.ordered) }

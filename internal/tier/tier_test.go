package tier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sekimon/internal/model"
)

func ladder() []model.Tier {
	// Deliberately out of order.
	return []model.Tier{
		{ID: model.TierOperator, Rank: 2},
		{ID: model.TierSeed, Rank: 0},
		{ID: model.TierGodMode, Rank: 3},
		{ID: model.TierBuilder, Rank: 1},
	}
}

func TestRegistryOrdersByRank(t *testing.T) {
	r, err := NewRegistry(ladder())
	require.NoError(t, err)
	assert.Equal(t, model.TierSeed, r.Lowest().ID)
	assert.Equal(t, model.TierGodMode, r.Highest().ID)
	assert.Equal(t, 0, r.Ordinal(model.TierSeed))
	assert.Equal(t, 2, r.Ordinal("operator"), "lookup is case-insensitive")
	assert.Equal(t, -1, r.Ordinal("PLATINUM"))
}

func TestAtLeastForEveryPair(t *testing.T) {
	r, err := NewRegistry(ladder())
	require.NoError(t, err)
	all := r.All()
	for i, have := range all {
		for j, need := range all {
			assert.Equal(t, i >= j, r.AtLeast(have.ID, need.ID), "%s vs %s", have.ID, need.ID)
		}
	}
	assert.False(t, r.AtLeast("PLATINUM", model.TierSeed))
	assert.False(t, r.AtLeast(model.TierGodMode, "PLATINUM"))
}

func TestLookupUnknown(t *testing.T) {
	r, err := NewRegistry(ladder())
	require.NoError(t, err)
	_, err = r.Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownTier)
	got, err := r.Lookup("builder")
	require.NoError(t, err)
	assert.Equal(t, model.TierBuilder, got.ID)
}

func TestNewRegistryValidation(t *testing.T) {
	_, err := NewRegistry(nil)
	assert.Error(t, err)
	_, err = NewRegistry([]model.Tier{{ID: "A", Rank: 1}, {ID: "a", Rank: 2}})
	assert.Error(t, err, "duplicate after normalization")
	_, err = NewRegistry([]model.Tier{{ID: "A", Rank: 1}, {ID: "B", Rank: 1}})
	assert.Error(t, err, "shared rank")
}

func TestAllReturnsCopy(t *testing.T) {
	r, err := NewRegistry(ladder())
	require.NoError(t, err)
	all := r.All()
	all[0].ID = "MUTATED"
	assert.Equal(t, model.TierSeed, r.Lowest().ID)
}

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sekimon/internal/model"
)

func TestWindowLimiterDeniesAtMinuteLimit(t *testing.T) {
	clk := newTestClock()
	m := NewMemoryWindowLimiter(WithWindowClock(clk.Now))
	defer closeLimiter(t, m)

	ctx := context.Background()
	q := Quota{Key: "cluster:alpha", Limits: model.RateLimits{PerMinute: 3, PerHour: 100}}
	for i := range 3 {
		res, err := m.Take(ctx, q)
		require.NoError(t, err)
		require.True(t, res.Allowed, "call %d", i)
	}
	res, err := m.Take(ctx, q)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, Minute, res.Window)
	assert.Equal(t, 3, res.Limit)
	assert.Equal(t, 3, res.Count)
	assert.Equal(t, clk.Now().Add(time.Minute), res.ResetAt)

	clk.Advance(time.Minute)
	res, err = m.Take(ctx, q)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "the previous minute still fills the sliding window")

	// Half of the previous minute still overlaps: 3 * 0.5 counts as 1.
	clk.Advance(30 * time.Second)
	for i := range 2 {
		res, err = m.Take(ctx, q)
		require.NoError(t, err)
		require.True(t, res.Allowed, "call %d", i)
	}
	res, err = m.Take(ctx, q)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 3, res.Count)

	u, err := m.Usage(ctx, q.Key)
	require.NoError(t, err)
	assert.Equal(t, 3, u.Counts[Minute])
	assert.Equal(t, 5, u.Counts[Hour])
}

func TestWindowLimiterForgetsAfterTwoWindows(t *testing.T) {
	clk := newTestClock()
	m := NewMemoryWindowLimiter(WithWindowClock(clk.Now))
	defer closeLimiter(t, m)

	ctx := context.Background()
	q := Quota{Key: "k", Limits: model.RateLimits{PerMinute: 1}}
	res, _ := m.Take(ctx, q)
	require.True(t, res.Allowed)

	clk.Advance(2 * time.Minute)
	res, _ = m.Take(ctx, q)
	assert.True(t, res.Allowed)

	u, err := m.Usage(ctx, q.Key)
	require.NoError(t, err)
	assert.Equal(t, 1, u.Counts[Minute])
	assert.Equal(t, clk.Now().Add(time.Minute), u.ResetAt[Minute])
}

func TestWindowLimiterHourLimitOutlastsMinute(t *testing.T) {
	clk := newTestClock()
	m := NewMemoryWindowLimiter(WithWindowClock(clk.Now))
	defer closeLimiter(t, m)

	ctx := context.Background()
	q := Quota{Key: "k", Limits: model.RateLimits{PerMinute: 10, PerHour: 2}}
	for range 2 {
		res, _ := m.Take(ctx, q)
		require.True(t, res.Allowed)
	}
	clk.Advance(2 * time.Minute)
	res, _ := m.Take(ctx, q)
	assert.False(t, res.Allowed)
	assert.Equal(t, Hour, res.Window)
}

func TestWindowLimiterDenialIncrementsNothing(t *testing.T) {
	m := NewMemoryWindowLimiter()
	defer closeLimiter(t, m)

	ctx := context.Background()
	cluster := Quota{Key: "cluster:a", Limits: model.RateLimits{PerMinute: 100}}
	caller := Quota{Key: "caller:a:bob", Limits: model.RateLimits{PerMinute: 1}}

	res, _ := m.Take(ctx, cluster, caller)
	require.True(t, res.Allowed)
	res, _ = m.Take(ctx, cluster, caller)
	require.False(t, res.Allowed)
	assert.Equal(t, caller.Key, res.Key)

	u, _ := m.Usage(ctx, cluster.Key)
	assert.Equal(t, 1, u.Counts[Minute], "a denied take leaves every counter untouched")
}

func TestWindowLimiterZeroLimitIsUnlimited(t *testing.T) {
	m := NewMemoryWindowLimiter()
	defer closeLimiter(t, m)

	for range 500 {
		res, err := m.Take(context.Background(), Quota{Key: "free"})
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
}

func TestWindowLimiterConcurrentNeverExceeds(t *testing.T) {
	m := NewMemoryWindowLimiter()
	defer closeLimiter(t, m)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := m.Take(context.Background(),
				Quota{Key: "cluster:hot", Limits: model.RateLimits{PerMinute: 25}},
				Quota{Key: fmt.Sprintf("caller:%d", i%7), Limits: model.RateLimits{PerMinute: 1000}},
			)
			if res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(25), allowed.Load())
}

func TestWindowLimiterEvictsIdleKeys(t *testing.T) {
	clk := newTestClock()
	m := NewMemoryWindowLimiter(WithWindowClock(clk.Now))
	defer closeLimiter(t, m)

	_, _ = m.Take(context.Background(), Quota{Key: "idle"})
	clk.Advance(47 * time.Hour)
	m.evictExpired()
	s := &m.shards[shardIndex("idle")]
	s.mu.Lock()
	require.Contains(t, s.keys, "idle", "yesterday still weighs on the day window")
	s.mu.Unlock()

	clk.Advance(2 * time.Hour)
	m.evictExpired()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.NotContains(t, s.keys, "idle")
}

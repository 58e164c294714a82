package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func closeLimiter(t *testing.T, l interface{ Close() error }) {
	t.Helper()
	require.NoError(t, l.Close())
}

func TestMemoryLimiterDenyAfterBurst(t *testing.T) {
	m := NewMemoryLimiter(10, 3)
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := range 3 {
		ok, err := m.Allow(ctx, "caller-1")
		require.NoError(t, err)
		require.True(t, ok, "request %d within burst", i)
	}
	ok, err := m.Allow(ctx, "caller-1")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")
}

func TestMemoryLimiterRefillCapsAtBurst(t *testing.T) {
	clk := newTestClock()
	m := NewMemoryLimiter(1, 2, WithBucketClock(clk.Now))
	defer closeLimiter(t, m)

	ctx := context.Background()
	for range 2 {
		ok, _ := m.Allow(ctx, "k")
		require.True(t, ok)
	}
	ok, _ := m.Allow(ctx, "k")
	require.False(t, ok)

	clk.Advance(time.Second)
	ok, _ = m.Allow(ctx, "k")
	assert.True(t, ok, "one token refilled after one second")

	clk.Advance(time.Hour)
	allowed := 0
	for range 5 {
		if ok, _ := m.Allow(ctx, "k"); ok {
			allowed++
		}
	}
	assert.Equal(t, 2, allowed, "refill never exceeds burst")
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m := NewMemoryLimiter(0, 1)
	defer closeLimiter(t, m)

	ctx := context.Background()
	okA, _ := m.Allow(ctx, "a")
	okB, _ := m.Allow(ctx, "b")
	assert.True(t, okA)
	assert.True(t, okB)
	okA, _ = m.Allow(ctx, "a")
	assert.False(t, okA)
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m := NewMemoryLimiter(0, 50)
	defer closeLimiter(t, m)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.Allow(context.Background(), "shared"); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(50), allowed.Load())
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	clk := newTestClock()
	m := NewMemoryLimiter(10, 5, WithBucketClock(clk.Now))
	defer closeLimiter(t, m)

	_, _ = m.Allow(context.Background(), "stale")
	clk.Advance(staleThreshold + time.Second)
	_, _ = m.Allow(context.Background(), "fresh")
	m.evictStale()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "stale")
	assert.Contains(t, m.buckets, "fresh")
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for range 100 {
		ok, err := l.Allow(context.Background(), "anything")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.NoError(t, l.Close())
}

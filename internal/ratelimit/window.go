package ratelimit

import (
	"context"
	"hash/fnv"
	"slices"
	"sync"
	"time"
)

const windowShards = 32

type counter struct {
	start time.Time // start of the current bucket
	count int
	prev  int // count of the bucket before start
}

// roll moves c to the bucket holding now. The finished bucket is kept as
// prev only when it directly precedes the new one.
func (c *counter) roll(now time.Time, d time.Duration) {
	start := now.Truncate(d)
	if !start.After(c.start) {
		return
	}
	if start.Sub(c.start) == d {
		c.prev = c.count
	} else {
		c.prev = 0
	}
	c.start = start
	c.count = 0
}

type windowCounters struct {
	byWindow map[Window]*counter
	lastSeen time.Time
}

type windowShard struct {
	mu   sync.Mutex
	keys map[string]*windowCounters
}

// MemoryWindowLimiter keeps sliding-window counters in memory, sharded by key.
// State is lost on restart.
type MemoryWindowLimiter struct {
	now    func() time.Time
	shards [windowShards]windowShard

	stopOnce sync.Once
	done     chan struct{}
}

// WindowOption customizes a MemoryWindowLimiter.
type WindowOption func(*MemoryWindowLimiter)

// WithWindowClock replaces time.Now, for tests.
func WithWindowClock(now func() time.Time) WindowOption {
	return func(m *MemoryWindowLimiter) { m.now = now }
}

// NewMemoryWindowLimiter creates the limiter and starts its eviction loop.
func NewMemoryWindowLimiter(opts ...WindowOption) *MemoryWindowLimiter {
	m := &MemoryWindowLimiter{now: time.Now, done: make(chan struct{})}
	for i := range m.shards {
		m.shards[i].keys = make(map[string]*windowCounters)
	}
	for _, o := range opts {
		o(m)
	}
	go m.cleanup()
	return m
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % windowShards)
}

// Take implements WindowLimiter. Shards are locked in ascending index order
// so concurrent multi-quota calls cannot deadlock.
func (m *MemoryWindowLimiter) Take(_ context.Context, quotas ...Quota) (Result, error) {
	idx := make([]int, 0, len(quotas))
	for _, q := range quotas {
		idx = append(idx, shardIndex(q.Key))
	}
	locks := slices.Clone(idx)
	slices.Sort(locks)
	locks = slices.Compact(locks)
	for _, i := range locks {
		m.shards[i].mu.Lock()
	}
	defer func() {
		for _, i := range locks {
			m.shards[i].mu.Unlock()
		}
	}()

	now := m.now()
	live := make([]*windowCounters, len(quotas))
	for qi, q := range quotas {
		wc := m.countersLocked(idx[qi], q.Key, now)
		live[qi] = wc
		for _, w := range Windows {
			limit := limitFor(q.Limits, w)
			c := wc.byWindow[w]
			count := slidingCount(c.prev, c.count, now, c.start, w.Duration())
			if limit > 0 && count+1 > limit {
				return Result{
					Key:     q.Key,
					Window:  w,
					Limit:   limit,
					Count:   count,
					ResetAt: c.start.Add(w.Duration()),
				}, nil
			}
		}
	}
	for _, wc := range live {
		wc.lastSeen = now
		for _, w := range Windows {
			wc.byWindow[w].count++
		}
	}
	return Result{Allowed: true}, nil
}

// countersLocked returns key's counters rolled forward to now.
func (m *MemoryWindowLimiter) countersLocked(shard int, key string, now time.Time) *windowCounters {
	s := &m.shards[shard]
	wc, ok := s.keys[key]
	if !ok {
		wc = &windowCounters{byWindow: make(map[Window]*counter, len(Windows)), lastSeen: now}
		for _, w := range Windows {
			wc.byWindow[w] = &counter{start: now.Truncate(w.Duration())}
		}
		s.keys[key] = wc
		return wc
	}
	for _, w := range Windows {
		wc.byWindow[w].roll(now, w.Duration())
	}
	return wc
}

// Usage implements WindowLimiter.
func (m *MemoryWindowLimiter) Usage(_ context.Context, key string) (Usage, error) {
	i := shardIndex(key)
	s := &m.shards[i]
	s.mu.Lock()
	defer s.mu.Unlock()

	u := Usage{Key: key, Counts: make(map[Window]int, len(Windows)), ResetAt: make(map[Window]time.Time, len(Windows))}
	wc, ok := s.keys[key]
	if !ok {
		for _, w := range Windows {
			u.Counts[w] = 0
		}
		return u, nil
	}
	now := m.now()
	for _, w := range Windows {
		c := *wc.byWindow[w]
		c.roll(now, w.Duration())
		n := slidingCount(c.prev, c.count, now, c.start, w.Duration())
		u.Counts[w] = n
		if n > 0 {
			u.ResetAt[w] = c.start.Add(w.Duration())
		}
	}
	return u, nil
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (m *MemoryWindowLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryWindowLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

// evictExpired drops keys idle long enough that even the day window's
// previous bucket no longer counts.
func (m *MemoryWindowLimiter) evictExpired() {
	cutoff := m.now().Add(-2 * Day.Duration())
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for key, wc := range s.keys {
			if wc.lastSeen.Before(cutoff) {
				delete(s.keys, key)
			}
		}
		s.mu.Unlock()
	}
}

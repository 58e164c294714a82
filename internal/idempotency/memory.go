package idempotency

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const memoryShards = 64

type memoryShard struct {
	mu      sync.Mutex
	records map[string]*Record
}

// MemoryStore keeps records in a sharded in-process map. Expired entries are
// skipped on read and swept periodically.
type MemoryStore struct {
	shards [memoryShards]memoryShard
	now    func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates a store sweeping expired records every sweepEvery.
// A non-positive sweepEvery disables the sweeper and relies on lazy expiry.
func NewMemoryStore(sweepEvery time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{now: time.Now, done: make(chan struct{})}
	for i := range s.shards {
		s.shards[i].records = make(map[string]*Record)
	}
	for _, o := range opts {
		o(s)
	}
	if sweepEvery > 0 {
		go s.sweepLoop(sweepEvery)
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum64()%memoryShards]
}

// liveLocked returns the unexpired record for key, deleting an expired one.
func (sh *memoryShard) liveLocked(key string, now time.Time) *Record {
	rec, ok := sh.records[key]
	if !ok {
		return nil
	}
	if !now.Before(rec.ExpiresAt) {
		delete(sh.records, key)
		return nil
	}
	return rec
}

// Check implements Store.
func (s *MemoryStore) Check(_ context.Context, key, requestHash string, ttl time.Duration) (Lookup, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	if rec := sh.liveLocked(key, now); rec != nil {
		if requestHash != "" && rec.RequestHash != "" && rec.RequestHash != requestHash {
			return Lookup{}, ErrPayloadMismatch
		}
		return Lookup{IsReplay: true, Record: cloneRecord(rec)}, nil
	}
	rec := &Record{Key: key, RequestHash: requestHash, FirstSeenAt: now, ExpiresAt: now.Add(ttl)}
	sh.records[key] = rec
	return Lookup{Record: cloneRecord(rec)}, nil
}

// StoreResponse implements Store.
func (s *MemoryStore) StoreResponse(_ context.Context, key string, resp Response, ttl time.Duration) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	rec := sh.liveLocked(key, now)
	if rec == nil {
		rec = &Record{Key: key, FirstSeenAt: now}
		sh.records[key] = rec
	}
	if rec.Response != nil {
		return nil
	}
	body := make([]byte, len(resp.Body))
	copy(body, resp.Body)
	resp.Body = body
	rec.Response = &resp
	rec.ExpiresAt = now.Add(ttl)
	return nil
}

// GetResponse implements Store.
func (s *MemoryStore) GetResponse(_ context.Context, key string) (*Response, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec := sh.liveLocked(key, s.now())
	if rec == nil || rec.Response == nil {
		return nil, nil
	}
	return cloneRecord(rec).Response, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.records[key]; ok && rec.Response == nil {
		delete(sh.records, key)
	}
	return nil
}

// Len returns the number of live records, for health reporting.
func (s *MemoryStore) Len() int {
	now := s.now()
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, rec := range sh.records {
			if now.Before(rec.ExpiresAt) {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// Close stops the sweeper. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryStore) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() int {
	now := s.now()
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, rec := range sh.records {
			if !now.Before(rec.ExpiresAt) {
				delete(sh.records, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func cloneRecord(r *Record) *Record {
	c := *r
	if r.Response != nil {
		resp := *r.Response
		resp.Body = append([]byte(nil), r.Response.Body...)
		c.Response = &resp
	}
	return &c
}

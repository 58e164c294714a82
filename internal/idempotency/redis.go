package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the reservation only while no response is stored.
var releaseScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 0 then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// seenMarker is the value stored under the reservation key.
type seenMarker struct {
	RequestHash string    `json:"h,omitempty"`
	FirstSeenAt time.Time `json:"t"`
}

// RedisStore keeps records in Redis so every gateway instance shares them.
// Each key uses two entries sharing a hash tag: the reservation marker and
// the stored response.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a store under prefix. The client is owned by the
// caller.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "sekimon:idem:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) seenKey(key string) string { return s.prefix + "{" + key + "}:seen" }
func (s *RedisStore) respKey(key string) string { return s.prefix + "{" + key + "}:resp" }

// Check implements Store. SET NX makes the reservation atomic.
func (s *RedisStore) Check(ctx context.Context, key, requestHash string, ttl time.Duration) (Lookup, error) {
	now := s.now().UTC()
	marker, err := json.Marshal(seenMarker{RequestHash: requestHash, FirstSeenAt: now})
	if err != nil {
		return Lookup{}, fmt.Errorf("idempotency: marshal marker: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.seenKey(key), marker, ttl).Result()
	if err != nil {
		return Lookup{}, fmt.Errorf("idempotency: reserve %s: %w", key, err)
	}
	if ok {
		return Lookup{Record: &Record{Key: key, RequestHash: requestHash, FirstSeenAt: now, ExpiresAt: now.Add(ttl)}}, nil
	}

	vals, err := s.client.MGet(ctx, s.seenKey(key), s.respKey(key)).Result()
	if err != nil {
		return Lookup{}, fmt.Errorf("idempotency: lookup %s: %w", key, err)
	}
	rec := &Record{Key: key}
	if raw, ok := vals[0].(string); ok {
		var m seenMarker
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return Lookup{}, fmt.Errorf("idempotency: decode marker %s: %w", key, err)
		}
		rec.RequestHash = m.RequestHash
		rec.FirstSeenAt = m.FirstSeenAt
	}
	if requestHash != "" && rec.RequestHash != "" && rec.RequestHash != requestHash {
		return Lookup{}, ErrPayloadMismatch
	}
	if raw, ok := vals[1].(string); ok {
		var resp Response
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			return Lookup{}, fmt.Errorf("idempotency: decode response %s: %w", key, err)
		}
		rec.Response = &resp
	}
	return Lookup{IsReplay: true, Record: rec}, nil
}

// StoreResponse implements Store.
func (s *RedisStore) StoreResponse(ctx context.Context, key string, resp Response, ttl time.Duration) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("idempotency: marshal response: %w", err)
	}
	marker, err := json.Marshal(seenMarker{FirstSeenAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("idempotency: marshal marker: %w", err)
	}
	stored, err := s.client.SetNX(ctx, s.respKey(key), raw, ttl).Result()
	if err != nil {
		return fmt.Errorf("idempotency: store response %s: %w", key, err)
	}
	if !stored {
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, s.seenKey(key), marker, ttl)
		pipe.PExpire(ctx, s.seenKey(key), ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("idempotency: store response %s: %w", key, err)
	}
	return nil
}

// GetResponse implements Store.
func (s *RedisStore) GetResponse(ctx context.Context, key string) (*Response, error) {
	raw, err := s.client.Get(ctx, s.respKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: get response %s: %w", key, err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("idempotency: decode response %s: %w", key, err)
	}
	return &resp, nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.seenKey(key), s.respKey(key)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("idempotency: release %s: %w", key, err)
	}
	return nil
}

// Close is a no-op; the client is shared.
func (s *RedisStore) Close() error { return nil }

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript checks every counter first and increments only when none would
// exceed its limit. KEYS holds (current bucket, previous bucket) pairs and
// ARGV holds (limit, previous bucket weight, bucket ttl_ms) triples, one per
// pair.
var takeScript = redis.NewScript(`
local n = #KEYS / 2
for i = 1, n do
  local limit = tonumber(ARGV[3*i-2])
  if limit > 0 then
    local cur = tonumber(redis.call("GET", KEYS[2*i-1]) or "0")
    local prev = tonumber(redis.call("GET", KEYS[2*i]) or "0")
    local count = cur + math.floor(prev * tonumber(ARGV[3*i-1]))
    if count + 1 > limit then
      return {0, i, count}
    end
  end
end
for i = 1, n do
  local current = redis.call("INCR", KEYS[2*i-1])
  if current == 1 then
    redis.call("PEXPIRE", KEYS[2*i-1], ARGV[3*i])
  end
end
return {1}
`)

// RedisWindowLimiter keeps window buckets in Redis so that every gateway
// instance shares them. Buckets are aligned to the window size, so the
// instances' clocks must agree to within a small fraction of a minute. The
// client is owned by the caller.
type RedisWindowLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisWindowLimiter creates a limiter storing counters under prefix.
func NewRedisWindowLimiter(client redis.UniversalClient, prefix string) *RedisWindowLimiter {
	if prefix == "" {
		prefix = "sekimon:rl:"
	}
	return &RedisWindowLimiter{client: client, prefix: prefix, now: time.Now}
}

// bucketKey names the bucket of window w that starts at start.
func (r *RedisWindowLimiter) bucketKey(key string, w Window, start time.Time) string {
	return r.prefix + key + ":" + string(w) + ":" + strconv.FormatInt(start.Unix(), 10)
}

// Take implements WindowLimiter.
func (r *RedisWindowLimiter) Take(ctx context.Context, quotas ...Quota) (Result, error) {
	if len(quotas) == 0 {
		return Result{Allowed: true}, nil
	}
	now := r.now()
	slots := len(quotas) * len(Windows)
	keys := make([]string, 0, 2*slots)
	args := make([]any, 0, 3*slots)
	for _, q := range quotas {
		for _, w := range Windows {
			d := w.Duration()
			start := now.Truncate(d)
			keys = append(keys, r.bucketKey(q.Key, w, start), r.bucketKey(q.Key, w, start.Add(-d)))
			args = append(args,
				limitFor(q.Limits, w),
				strconv.FormatFloat(prevWeight(now, start, d), 'f', -1, 64),
				(2 * d).Milliseconds())
		}
	}

	res, err := takeScript.Run(ctx, r.client, keys, args...).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis take: %w", err)
	}
	vals, ok := res.([]any)
	if !ok || len(vals) == 0 {
		return Result{}, fmt.Errorf("ratelimit: unexpected script result %T", res)
	}
	if allowed, _ := vals[0].(int64); allowed == 1 {
		return Result{Allowed: true}, nil
	}
	if len(vals) < 3 {
		return Result{}, fmt.Errorf("ratelimit: short denial result (%d values)", len(vals))
	}
	slot, _ := vals[1].(int64)
	count, _ := vals[2].(int64)
	if slot < 1 || int(slot) > slots {
		return Result{}, fmt.Errorf("ratelimit: denial slot %d out of range", slot)
	}
	q := quotas[(slot-1)/int64(len(Windows))]
	w := Windows[(slot-1)%int64(len(Windows))]
	return Result{
		Key:     q.Key,
		Window:  w,
		Limit:   limitFor(q.Limits, w),
		Count:   int(count),
		ResetAt: now.Truncate(w.Duration()).Add(w.Duration()),
	}, nil
}

// Usage implements WindowLimiter.
func (r *RedisWindowLimiter) Usage(ctx context.Context, key string) (Usage, error) {
	now := r.now()
	pipe := r.client.Pipeline()
	cur := make(map[Window]*redis.StringCmd, len(Windows))
	prev := make(map[Window]*redis.StringCmd, len(Windows))
	for _, w := range Windows {
		start := now.Truncate(w.Duration())
		cur[w] = pipe.Get(ctx, r.bucketKey(key, w, start))
		prev[w] = pipe.Get(ctx, r.bucketKey(key, w, start.Add(-w.Duration())))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Usage{}, fmt.Errorf("ratelimit: redis usage: %w", err)
	}

	u := Usage{Key: key, Counts: make(map[Window]int, len(Windows)), ResetAt: make(map[Window]time.Time, len(Windows))}
	for _, w := range Windows {
		c, err := bucketCount(cur[w])
		if err != nil {
			return Usage{}, err
		}
		p, err := bucketCount(prev[w])
		if err != nil {
			return Usage{}, err
		}
		start := now.Truncate(w.Duration())
		n := slidingCount(p, c, now, start, w.Duration())
		u.Counts[w] = n
		if n > 0 {
			u.ResetAt[w] = start.Add(w.Duration())
		}
	}
	return u, nil
}

func bucketCount(cmd *redis.StringCmd) (int, error) {
	raw, err := cmd.Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit: redis usage: %w", err)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: bucket %s: %w", cmd.Args()[1], err)
	}
	return n, nil
}

// Close is a no-op; the Redis client is shared and closed by its owner.
func (r *RedisWindowLimiter) Close() error { return nil }

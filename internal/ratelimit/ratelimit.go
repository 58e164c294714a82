// Package ratelimit provides the two limiter shapes used by the gateway:
//
//   - Limiter is a per-key token bucket, used by the per-identity guardrail.
//   - WindowLimiter keeps fixed minute/hour/day counters per key, used by the
//     control core for cluster and per-caller quotas.
//
// Both ship an in-memory implementation; WindowLimiter also has a Redis
// implementation for counters shared across gateway instances.
package ratelimit

import (
	"context"
	"time"

	"github.com/ashita-ai/sekimon/internal/model"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. Returning an error
	// signals a limiter malfunction; callers treat errors as fail-open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// Window names one of the fixed counting windows.
type Window string

const (
	Minute Window = "per_minute"
	Hour   Window = "per_hour"
	Day    Window = "per_day"
)

// Windows lists every window, shortest first. Denials report the first
// window that trips in this order.
var Windows = []Window{Minute, Hour, Day}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	switch w {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

func limitFor(l model.RateLimits, w Window) int {
	switch w {
	case Minute:
		return l.PerMinute
	case Hour:
		return l.PerHour
	default:
		return l.PerDay
	}
}

// slidingCount estimates the hits in the trailing window of size d ending
// at now: the current bucket plus the share of the previous bucket that
// still overlaps the window, rounded down.
func slidingCount(prev, cur int, now, start time.Time, d time.Duration) int {
	return cur + int(float64(prev)*prevWeight(now, start, d))
}

// prevWeight is the fraction of the previous bucket inside the window.
func prevWeight(now, start time.Time, d time.Duration) float64 {
	return float64(d-now.Sub(start)) / float64(d)
}

// Quota is one set of counters to check and increment. A zero limit leaves
// that window unlimited, though it is still counted.
type Quota struct {
	Key    string
	Limits model.RateLimits
}

// Result is the outcome of WindowLimiter.Take. On denial Key, Window, Limit
// and Count describe the counter that tripped.
type Result struct {
	Allowed bool      `json:"allowed"`
	Key     string    `json:"key,omitempty"`
	Window  Window    `json:"window,omitempty"`
	Limit   int       `json:"limit,omitempty"`
	Count   int       `json:"count,omitempty"`
	ResetAt time.Time `json:"reset_at,omitempty"`
}

// Usage is the current count of each window for a key.
type Usage struct {
	Key     string               `json:"key"`
	Counts  map[Window]int       `json:"counts"`
	ResetAt map[Window]time.Time `json:"reset_at"`
}

// WindowLimiter checks and increments sliding-window counters. Each window
// is kept as two fixed buckets aligned to the window size, and a count is
// the current bucket plus the overlapping share of the previous one.
type WindowLimiter interface {
	// Take checks every window of every quota and, only if none would be
	// exceeded, increments all of them. The check and the increments are
	// one atomic step with respect to other Take calls on the same keys.
	Take(ctx context.Context, quotas ...Quota) (Result, error)

	// Usage reports the live counts for key without incrementing.
	Usage(ctx context.Context, key string) (Usage, error)

	Close() error
}

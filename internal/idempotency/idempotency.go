// Package idempotency deduplicates retried requests by key within a TTL
// window and replays the stored final response.
//
// Lifecycle of a key:
//
//	Check (first sight)    -> reserved, caller executes
//	Check (again)          -> replay; in progress until a response is stored
//	StoreResponse          -> completed; every later Check replays it verbatim
//	Release (before store) -> forgotten, the client may retry
//
// Expired records are never returned.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/ashita-ai/sekimon/internal/integrity"
)

var (
	// ErrPayloadMismatch is returned when a key is reused with a different
	// request hash.
	ErrPayloadMismatch = errors.New("idempotency key reused with different payload")
	// ErrInProgress is returned by callers that need to refuse a replay of a
	// request whose response has not been stored yet.
	ErrInProgress = errors.New("idempotency key request already in progress")
)

// Response is a cached final response.
type Response struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

// Record is the state kept for one key.
type Record struct {
	Key         string    `json:"key"`
	RequestHash string    `json:"request_hash,omitempty"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Response    *Response `json:"response,omitempty"`
}

// Completed reports whether a final response has been stored.
func (r *Record) Completed() bool { return r != nil && r.Response != nil }

// Lookup is the outcome of Check.
type Lookup struct {
	IsReplay bool
	Record   *Record
}

// InProgress reports whether the lookup is a replay of a request that has no
// stored response yet.
func (l Lookup) InProgress() bool { return l.IsReplay && !l.Record.Completed() }

// Store is the idempotency cache. Implementations must make Check a single
// atomic check-then-set: for a key within its TTL exactly one caller sees
// IsReplay=false.
type Store interface {
	// Check reserves key on first sight. An empty requestHash skips the
	// payload comparison.
	Check(ctx context.Context, key, requestHash string, ttl time.Duration) (Lookup, error)
	// StoreResponse persists the final response for key, creating the record
	// if it does not exist, and restarts its TTL. The first stored response
	// wins; later calls for a completed key are no-ops.
	StoreResponse(ctx context.Context, key string, resp Response, ttl time.Duration) error
	// GetResponse returns the stored response, or nil if none is stored or
	// the record expired.
	GetResponse(ctx context.Context, key string) (*Response, error)
	// Release forgets an in-progress reservation. Completed records are kept.
	Release(ctx context.Context, key string) error
	Close() error
}

// HashRequest returns a stable digest of the request identity used for
// payload-mismatch detection.
func HashRequest(method, path string, body []byte) string {
	return integrity.RequestDigest(method, path, body)
}

// ScopedKey namespaces a client-supplied key by caller so different callers
// never collide.
func ScopedKey(callerID, key string) string {
	return callerID + "|" + key
}

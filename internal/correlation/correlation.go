// Package correlation resolves the per-request trace context and threads it
// through the request context.
package correlation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Inbound headers that carry a caller-supplied trace id, in preference order.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderTraceID   = "X-Trace-ID"
)

// maxInboundLen bounds caller-supplied ids; longer values are replaced.
const maxInboundLen = 128

// TraceContext identifies one logical request and the span within it.
// It is immutable and passed by value.
type TraceContext struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// Resolve reuses an inbound trace header when present and well-formed,
// otherwise it issues a new UUIDv7, which combines a millisecond timestamp
// with random bits.
func Resolve(h http.Header) TraceContext {
	for _, name := range []string{HeaderRequestID, HeaderTraceID} {
		if v := strings.TrimSpace(h.Get(name)); usable(v) {
			return TraceContext{TraceID: v, SpanID: newSpanID()}
		}
	}
	return TraceContext{TraceID: NewTraceID(), SpanID: newSpanID()}
}

// NewTraceID returns a fresh time-ordered identifier.
func NewTraceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Child derives a new span under the same trace.
func (t TraceContext) Child() TraceContext {
	return TraceContext{TraceID: t.TraceID, SpanID: newSpanID(), ParentSpanID: t.SpanID}
}

func newSpanID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func usable(v string) bool {
	if v == "" || len(v) > maxInboundLen {
		return false
	}
	for i := 0; i < len(v); i++ {
		if v[i] < 0x21 || v[i] > 0x7e {
			return false
		}
	}
	return true
}

type contextKey struct{}

// WithTrace stores the trace context in ctx.
func WithTrace(ctx context.Context, t TraceContext) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext returns the trace context stored in ctx. A context without one
// gets a freshly issued trace so callers never see an empty id.
func FromContext(ctx context.Context) TraceContext {
	if t, ok := ctx.Value(contextKey{}).(TraceContext); ok {
		return t
	}
	return TraceContext{TraceID: NewTraceID(), SpanID: newSpanID()}
}

// TraceID is shorthand for FromContext(ctx).TraceID when ctx carries a trace,
// and "" when it does not.
func TraceID(ctx context.Context) string {
	if t, ok := ctx.Value(contextKey{}).(TraceContext); ok {
		return t.TraceID
	}
	return ""
}

package correlation

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveReusesInboundHeader(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderRequestID, "req-123")
	tc := Resolve(h)
	assert.Equal(t, "req-123", tc.TraceID)
	assert.Len(t, tc.SpanID, 16)
	assert.Empty(t, tc.ParentSpanID)
}

func TestResolveFallsBackToTraceHeader(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderTraceID, "trace-abc")
	assert.Equal(t, "trace-abc", Resolve(h).TraceID)
}

func TestResolveGeneratesWhenMissingOrMalformed(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderRequestID, "has space")
	tc := Resolve(h)
	assert.NotEqual(t, "has space", tc.TraceID)
	assert.Len(t, tc.TraceID, 36)

	h.Set(HeaderRequestID, strings.Repeat("a", maxInboundLen+1))
	assert.Len(t, Resolve(h).TraceID, 36)
}

func TestResolveGeneratesUniqueIDs(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for range 1000 {
		id := Resolve(http.Header{}).TraceID
		require.False(t, seen[id], "duplicate trace id %s", id)
		seen[id] = true
	}
}

func TestChildKeepsTraceID(t *testing.T) {
	parent := Resolve(http.Header{})
	child := parent.Child()
	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.SpanID, child.ParentSpanID)
	assert.NotEqual(t, parent.SpanID, child.SpanID)
}

func TestContextRoundTrip(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
	assert.NotEmpty(t, FromContext(context.Background()).TraceID)

	tc := TraceContext{TraceID: "t1", SpanID: "s1"}
	ctx := WithTrace(context.Background(), tc)
	assert.Equal(t, tc, FromContext(ctx))
	assert.Equal(t, "t1", TraceID(ctx))
}

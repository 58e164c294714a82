package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sekimon/internal/correlation"
	"github.com/ashita-ai/sekimon/internal/identity"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/passport"
	"github.com/ashita-ai/sekimon/internal/ratelimit"
	"github.com/ashita-ai/sekimon/internal/tier"
)

var (
	seedTier    = model.Tier{ID: model.TierSeed, Rank: 0, Features: []string{model.FeatureProxy}}
	builderTier = model.Tier{ID: model.TierBuilder, Rank: 1, Features: []string{model.FeatureProxy, model.FeatureEventStream}}
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// serveAs runs h with the given identity already resolved, behind the trace
// middleware so error envelopes carry a request id.
func serveAs(h http.Handler, id *model.CallerIdentity) *httptest.ResponseRecorder {
	wrapped := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id != nil {
			r = r.WithContext(identity.NewContext(r.Context(), *id))
		}
		h.ServeHTTP(w, r)
	})
	rec := httptest.NewRecorder()
	traceMiddleware(wrapped).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/resource", nil))
	return rec
}

func responseCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error.Code
}

func TestRequireElevated(t *testing.T) {
	h := requireElevated(okHandler())

	rec := serveAs(h, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, model.ErrCodeElevatedCallerRequired, responseCode(t, rec))

	rec = serveAs(h, &model.CallerIdentity{CallerID: "key_1", TierID: model.TierBuilder, Source: model.SourceAPIKey})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serveAs(h, &model.CallerIdentity{CallerID: "key_2", TierID: model.TierBuilder, Source: model.SourceAPIKey, IsElevated: true})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireFeature(t *testing.T) {
	tiers, err := tier.NewRegistry([]model.Tier{seedTier, builderTier})
	require.NoError(t, err)
	audit := passport.NewMemoryAudit(0)
	gate := passport.NewGate(tiers, audit, nil, testLogger())
	h := requireFeature(gate, model.FeatureEventStream)(okHandler())

	tests := []struct {
		name     string
		id       model.CallerIdentity
		wantCode int
		wantErr  string
	}{
		{
			name:     "anonymous caller",
			id:       model.CallerIdentity{CallerID: model.AnonymousCallerID, TierID: model.TierSeed, Tier: seedTier, Source: model.SourceDefault},
			wantCode: http.StatusUnauthorized,
			wantErr:  model.ErrCodePassportRequired,
		},
		{
			name:     "tier without the feature",
			id:       model.CallerIdentity{CallerID: "key_seed", TierID: model.TierSeed, Tier: seedTier, Source: model.SourceAPIKey},
			wantCode: http.StatusForbidden,
			wantErr:  model.ErrCodeFeatureNotAvailable,
		},
		{
			name:     "tier with the feature",
			id:       model.CallerIdentity{CallerID: "key_builder", TierID: model.TierBuilder, Tier: builderTier, Source: model.SourceAPIKey},
			wantCode: http.StatusOK,
		},
		{
			name:     "elevated caller bypasses the feature check",
			id:       model.CallerIdentity{CallerID: "key_admin", TierID: model.TierSeed, Tier: seedTier, Source: model.SourceAPIKey, IsElevated: true},
			wantCode: http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveAs(h, &tt.id)
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantErr != "" {
				assert.Equal(t, tt.wantErr, responseCode(t, rec))
			}
		})
	}
}

func TestRateLimitPerCaller(t *testing.T) {
	// rate=1 token/sec with burst=2: the first two rapid requests pass and
	// the third is rejected until tokens refill.
	limiter := ratelimit.NewMemoryLimiter(1, 2)
	defer func() { _ = limiter.Close() }()
	h := rateLimit(limiter, "passport", callerKeyFunc, testLogger())(okHandler())

	alice := &model.CallerIdentity{CallerID: "key_alice", TierID: model.TierSeed, Source: model.SourceAPIKey}
	for i := range 3 {
		rec := serveAs(h, alice)
		if i < 2 {
			assert.Equal(t, http.StatusOK, rec.Code, "request %d is within burst", i+1)
			continue
		}
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))
		assert.Equal(t, model.ErrCodeOperationBlocked, responseCode(t, rec))
		assert.Contains(t, rec.Body.String(), model.ReasonRateLimited)
	}

	// Another caller has its own bucket.
	bob := &model.CallerIdentity{CallerID: "key_bob", TierID: model.TierSeed, Source: model.SourceAPIKey}
	assert.Equal(t, http.StatusOK, serveAs(h, bob).Code)

	// Elevated callers are never limited.
	admin := &model.CallerIdentity{CallerID: "key_admin", TierID: model.TierSeed, Source: model.SourceAPIKey, IsElevated: true}
	for range 5 {
		assert.Equal(t, http.StatusOK, serveAs(h, admin).Code)
	}
}

func TestRateLimitNilLimiterPassesThrough(t *testing.T) {
	h := rateLimit(nil, "passport", callerKeyFunc, testLogger())(okHandler())
	for range 10 {
		assert.Equal(t, http.StatusOK, serveAs(h, nil).Code)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	panicky := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	rec := serveAs(recoveryMiddleware(testLogger(), panicky), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, model.ErrCodeInternalError, responseCode(t, rec))
}

func TestRecoveryMiddlewareRepanicsAbort(t *testing.T) {
	aborting := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	})
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		serveAs(recoveryMiddleware(testLogger(), aborting), nil)
	})
}

func TestTraceMiddleware(t *testing.T) {
	var seen string
	h := traceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = correlation.TraceID(r.Context())
	}))

	t.Run("inbound request id is reused", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(correlation.HeaderRequestID, "req-abc-123")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "req-abc-123", seen)
		assert.Equal(t, "req-abc-123", rec.Header().Get(correlation.HeaderRequestID))
		assert.Equal(t, "req-abc-123", rec.Header().Get(correlation.HeaderTraceID))
	})

	t.Run("missing id is generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(correlation.HeaderRequestID))
	})
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

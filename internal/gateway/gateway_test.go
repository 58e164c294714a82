package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sekimon/internal/billing"
	"github.com/ashita-ai/sekimon/internal/breaker"
	"github.com/ashita-ai/sekimon/internal/config"
	"github.com/ashita-ai/sekimon/internal/control"
	"github.com/ashita-ai/sekimon/internal/correlation"
	"github.com/ashita-ai/sekimon/internal/guardrail"
	"github.com/ashita-ai/sekimon/internal/identity"
	"github.com/ashita-ai/sekimon/internal/idempotency"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/passport"
	"github.com/ashita-ai/sekimon/internal/ratelimit"
	"github.com/ashita-ai/sekimon/internal/tier"
)

const (
	seedKey    = "seed-key-0001"
	builderKey = "builder-key-0001"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// upstream is a fake cluster. It echoes what it received and answers with
// the configured status.
type upstream struct {
	srv     *httptest.Server
	calls   atomic.Int32
	status  atomic.Int32
	entered chan struct{}
	unblock chan struct{}
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{entered: make(chan struct{}, 1), unblock: make(chan struct{})}
	u.status.Store(http.StatusOK)
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := u.calls.Add(1)
		if strings.HasSuffix(r.URL.Path, "/slow") {
			u.entered <- struct{}{}
			<-u.unblock
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(u.status.Load()))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"n":       n,
			"path":    r.URL.Path,
			"body":    string(body),
			"caller":  r.Header.Get(HeaderUpstreamCaller),
			"api_key": r.Header.Get(identity.HeaderAPIKey),
		})
	}))
	t.Cleanup(u.srv.Close)
	return u
}

type harness struct {
	handler  http.Handler
	upstream *upstream
	core     *control.Core
	guards   *guardrail.Engine
	charges  atomic.Int32
	failNext atomic.Bool
}

func testPolicy() config.Policy {
	return config.Policy{
		Tiers: []model.Tier{
			{ID: model.TierSeed, Rank: 0, Features: []string{model.FeatureProxy}},
			{ID: model.TierBuilder, Rank: 1, Features: []string{model.FeatureProxy, model.FeatureBillable}},
		},
		Routes: []config.RoutePolicy{
			{Cluster: "*", Operation: "charge/*", RequiredTier: model.TierBuilder, Feature: model.FeatureBillable, Price: 5, Currency: "USD"},
			{Cluster: "*", Operation: "secure", RequirePassport: true},
			{Cluster: "*", Operation: "*", RequiredTier: model.TierSeed, Feature: model.FeatureProxy},
		},
	}
}

type harnessOption func(*Deps)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{upstream: newUpstream(t)}
	logger := testLogger()
	policy := testPolicy()

	tiers, err := tier.NewRegistry(policy.Tiers)
	require.NoError(t, err)
	resolver, err := identity.NewResolver(identity.Config{
		APIKeys:     map[string]model.TierID{seedKey: model.TierSeed, builderKey: model.TierBuilder},
		DefaultTier: model.TierSeed,
	}, tiers, logger)
	require.NoError(t, err)

	lim := ratelimit.NewMemoryWindowLimiter()
	t.Cleanup(func() { _ = lim.Close() })
	h.core = control.New(control.Config{
		Breaker: breaker.Config{Threshold: 2, ResetTimeout: time.Minute},
	}, tiers, lim, logger)

	store := idempotency.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = store.Close() })

	charger := billing.ChargerFunc(func(context.Context, model.BillableAction) error {
		if h.failNext.Swap(false) {
			return errors.New("card declined")
		}
		h.charges.Add(1)
		return nil
	})
	h.guards = guardrail.New(logger, nil, nil)

	deps := Deps{
		Clusters:       map[string]string{"alpha": h.upstream.srv.URL + "/base"},
		Policy:         policy,
		Resolver:       resolver,
		Control:        h.core,
		Gate:           passport.NewGate(tiers, passport.NewMemoryAudit(0), nil, logger),
		Guardrails:     h.guards,
		Billing:        billing.NewCoordinator(charger, logger, billing.WithResponseStore(store, time.Hour)),
		Idempotency:    store,
		IdempotencyTTL: time.Hour,
		Currency:       "USD",
		Logger:         logger,
	}
	for _, o := range opts {
		o(&deps)
	}
	gw, err := New(deps)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/v1/clusters/{cluster_id}/{operation...}", gw)
	h.handler = mux
	return h
}

type call struct {
	method string
	path   string
	body   string
	apiKey string
	idem   string
}

func (h *harness) do(c call) *httptest.ResponseRecorder {
	method := c.method
	if method == "" {
		method = http.MethodPost
	}
	req := httptest.NewRequest(method, c.path, strings.NewReader(c.body))
	if c.apiKey != "" {
		req.Header.Set(identity.HeaderAPIKey, c.apiKey)
	}
	if c.idem != "" {
		req.Header.Set(HeaderIdempotencyKey, c.idem)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var env model.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	assert.Equal(t, w.Header().Get("X-Request-ID"), env.Meta.RequestID, "errors carry the trace id")
	return env.Error.Code
}

func TestProxyRelaysAdmittedRequest(t *testing.T) {
	h := newHarness(t)

	w := h.do(call{method: http.MethodGet, path: "/v1/clusters/alpha/jobs/list", apiKey: seedKey})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "allowed", w.Header().Get(HeaderControl))
	assert.Equal(t, "alpha", w.Header().Get(HeaderCluster))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, w.Header().Get("X-Request-ID"), w.Header().Get("X-Trace-ID"))
	assert.Empty(t, w.Header().Get(HeaderTier), "debug headers are off by default")

	out := decodeBody(t, w)
	assert.Equal(t, "/base/jobs/list", out["path"])
	assert.Empty(t, out["api_key"], "credentials are not forwarded upstream")
	assert.True(t, strings.HasPrefix(out["caller"].(string), "key_"))
}

func TestInboundTraceIDIsReused(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/clusters/alpha/ping", nil)
	req.Header.Set("X-Request-ID", "trace-from-client")
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	assert.Equal(t, "trace-from-client", w.Header().Get("X-Request-ID"))
}

func TestTraceFromContextWins(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/clusters/alpha/ping", nil)
	req.Header.Set("X-Request-ID", "trace-from-client")
	req = req.WithContext(correlation.WithTrace(req.Context(), correlation.TraceContext{TraceID: "trace-from-middleware"}))
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	assert.Equal(t, "trace-from-middleware", w.Header().Get("X-Request-ID"))
}

func TestDebugHeaders(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.DebugHeaders = true })
	w := h.do(call{method: http.MethodGet, path: "/v1/clusters/alpha/ping", apiKey: builderKey})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "BUILDER", w.Header().Get(HeaderTier))
	assert.Equal(t, "false", w.Header().Get(HeaderElevated))
}

func TestIdempotentReplayIsVerbatim(t *testing.T) {
	h := newHarness(t)
	first := h.do(call{path: "/v1/clusters/alpha/jobs", body: `{"a":1}`, apiKey: seedKey, idem: "k1"})
	require.Equal(t, http.StatusOK, first.Code)

	second := h.do(call{path: "/v1/clusters/alpha/jobs", body: `{"a":1}`, apiKey: seedKey, idem: "k1"})
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get(HeaderReplay))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, int32(1), h.upstream.calls.Load())

	mismatch := h.do(call{path: "/v1/clusters/alpha/jobs", body: `{"a":2}`, apiKey: seedKey, idem: "k1"})
	assert.Equal(t, http.StatusConflict, mismatch.Code)
	assert.Equal(t, model.ErrCodeIdempotencyKeyMismatch, errorCode(t, mismatch))

	other := h.do(call{path: "/v1/clusters/alpha/jobs", body: `{"a":1}`, apiKey: builderKey, idem: "k1"})
	require.Equal(t, http.StatusOK, other.Code)
	assert.Empty(t, other.Header().Get(HeaderReplay), "keys are scoped per caller")
	assert.Equal(t, int32(2), h.upstream.calls.Load())
}

func TestDuplicateWhileInProgress(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	var first *httptest.ResponseRecorder
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = h.do(call{path: "/v1/clusters/alpha/slow", apiKey: seedKey, idem: "k-slow"})
	}()
	<-h.upstream.entered

	dup := h.do(call{path: "/v1/clusters/alpha/slow", apiKey: seedKey, idem: "k-slow"})
	assert.Equal(t, http.StatusConflict, dup.Code)
	assert.Equal(t, model.ErrCodeDuplicateRequest, errorCode(t, dup))

	close(h.upstream.unblock)
	wg.Wait()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, int32(1), h.upstream.calls.Load())
}

func TestBillableRequiresIdempotencyKey(t *testing.T) {
	h := newHarness(t)
	w := h.do(call{path: "/v1/clusters/alpha/charge/render", apiKey: builderKey})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, model.ErrCodeIdempotencyKeyRequired, errorCode(t, w))
	assert.Zero(t, h.upstream.calls.Load())
}

func TestBillableChargesExactlyOnce(t *testing.T) {
	h := newHarness(t)
	c := call{path: "/v1/clusters/alpha/charge/render", body: "job", apiKey: builderKey, idem: "bill-1"}

	first := h.do(c)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.Equal(t, int32(1), h.charges.Load())

	for range 3 {
		replay := h.do(c)
		require.Equal(t, http.StatusOK, replay.Code)
		assert.Equal(t, "true", replay.Header().Get(HeaderReplay))
		assert.Equal(t, first.Body.String(), replay.Body.String())
	}
	assert.Equal(t, int32(1), h.charges.Load())
	assert.Equal(t, int32(1), h.upstream.calls.Load())
}

func TestChargeFailureIsReportedAndKeyReleased(t *testing.T) {
	h := newHarness(t)
	h.failNext.Store(true)
	c := call{path: "/v1/clusters/alpha/charge/render", body: "job", apiKey: builderKey, idem: "bill-2"}

	w := h.do(c)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, model.ErrCodeChargeFailed, errorCode(t, w))
	assert.Zero(t, h.charges.Load())

	// The failed action is terminal; a client retry is a new action.
	retry := h.do(c)
	require.Equal(t, http.StatusOK, retry.Code, retry.Body.String())
	assert.Empty(t, retry.Header().Get(HeaderReplay))
	assert.Equal(t, int32(1), h.charges.Load())
	assert.Equal(t, int32(2), h.upstream.calls.Load())
}

// panicTransport panics on its next round trip once armed.
type panicTransport struct {
	armed atomic.Bool
}

func (p *panicTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if p.armed.Swap(false) {
		panic("transport bug")
	}
	return http.DefaultTransport.RoundTrip(r)
}

func TestPanicReleasesKeyAndAction(t *testing.T) {
	pt := &panicTransport{}
	pt.armed.Store(true)
	h := newHarness(t, func(d *Deps) { d.Transport = pt })
	c := call{path: "/v1/clusters/alpha/charge/render", body: "job", apiKey: builderKey, idem: "bill-panic"}

	assert.Panics(t, func() { h.do(c) }, "the panic reaches the recovery middleware")
	assert.Zero(t, h.charges.Load())

	retry := h.do(c)
	require.Equal(t, http.StatusOK, retry.Code, retry.Body.String())
	assert.Empty(t, retry.Header().Get(HeaderReplay))
	assert.Equal(t, int32(1), h.charges.Load())
}

func TestBillableUpstreamErrorIsNotCharged(t *testing.T) {
	h := newHarness(t)
	h.upstream.status.Store(http.StatusUnprocessableEntity)

	w := h.do(call{path: "/v1/clusters/alpha/charge/render", apiKey: builderKey, idem: "bill-3"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Zero(t, h.charges.Load())
}

func TestPassportGate(t *testing.T) {
	h := newHarness(t)

	w := h.do(call{path: "/v1/clusters/alpha/charge/render", apiKey: seedKey, idem: "k"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	var env model.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, model.ErrCodeInsufficientTier, env.Error.Code)
	details := env.Error.Details.(map[string]any)
	assert.Equal(t, "SEED", details["caller_tier"])
	assert.Equal(t, "BUILDER", details["required_tier"])

	w = h.do(call{path: "/v1/clusters/alpha/secure"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, model.ErrCodePassportRequired, errorCode(t, w))

	w = h.do(call{path: "/v1/clusters/alpha/secure", apiKey: seedKey})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int32(1), h.upstream.calls.Load())
}

func TestDeniedKeyCanBeRetried(t *testing.T) {
	h := newHarness(t)
	w := h.do(call{path: "/v1/clusters/alpha/charge/render", apiKey: seedKey, idem: "retry-me"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(call{path: "/v1/clusters/alpha/charge/render", apiKey: seedKey, idem: "retry-me"})
	assert.Equal(t, http.StatusForbidden, w.Code, "a denial releases the key instead of replaying as in progress")
}

func TestKillSwitchBlocks(t *testing.T) {
	h := newHarness(t)
	h.core.SetClusterKillSwitch(context.Background(), "alpha", true, "maintenance", "ops")

	w := h.do(call{path: "/v1/clusters/alpha/jobs", apiKey: seedKey})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "blocked", w.Header().Get(HeaderControl))
	var env model.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, model.ErrCodeOperationBlocked, env.Error.Code)
	assert.Equal(t, model.ReasonClusterDisabled, env.Error.Details.(map[string]any)["reason"])
	assert.Zero(t, h.upstream.calls.Load())
}

func TestUpstreamFailuresTripBreaker(t *testing.T) {
	h := newHarness(t)
	h.upstream.status.Store(http.StatusInternalServerError)

	for range 2 {
		w := h.do(call{path: "/v1/clusters/alpha/jobs", apiKey: seedKey, idem: "k-fail"})
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Empty(t, w.Header().Get(HeaderReplay), "server errors are not cached")
	}

	w := h.do(call{path: "/v1/clusters/alpha/jobs", apiKey: seedKey})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var env model.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, model.ReasonCircuitOpen, env.Error.Details.(map[string]any)["reason"])
	assert.Equal(t, int32(2), h.upstream.calls.Load())
}

func TestUpstreamUnavailable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	h := newHarness(t, func(d *Deps) { d.Clusters["down"] = deadURL })

	w := h.do(call{path: "/v1/clusters/down/jobs", apiKey: seedKey})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, model.ErrCodeUpstreamUnavailable, errorCode(t, w))

	st, err := h.core.ClusterStatus(context.Background(), "down")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Breaker.Failures)
}

func TestGuardrails(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.guards.Register(guardrail.Rule{
		ID: "no_forbidden", Type: guardrail.Input, Blocking: true,
		Check: func(_ context.Context, in guardrail.Context) (guardrail.Result, error) {
			if strings.Contains(string(in.Payload), "forbidden") {
				return guardrail.Deny("payload contains a forbidden word"), nil
			}
			return guardrail.Allow(), nil
		},
	}))
	require.NoError(t, h.guards.Register(guardrail.Rule{
		ID: "explodes", Type: guardrail.Input, Blocking: true, Priority: 1,
		Check: func(_ context.Context, in guardrail.Context) (guardrail.Result, error) {
			if strings.Contains(string(in.Payload), "boom") {
				return guardrail.Result{}, errors.New("lookup failed")
			}
			return guardrail.Allow(), nil
		},
	}))
	require.NoError(t, h.guards.Register(guardrail.Rule{
		ID: "no_leaks", Type: guardrail.Output, Blocking: true,
		Check: func(_ context.Context, in guardrail.Context) (guardrail.Result, error) {
			if strings.Contains(string(in.Payload), "secret") {
				return guardrail.Deny("response leaks a secret"), nil
			}
			return guardrail.Allow(), nil
		},
	}))

	w := h.do(call{path: "/v1/clusters/alpha/jobs", body: "forbidden", apiKey: seedKey})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, model.ErrCodeGuardrailBlocked, errorCode(t, w))

	w = h.do(call{path: "/v1/clusters/alpha/jobs", body: "boom", apiKey: seedKey})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, model.ErrCodeGuardrailError, errorCode(t, w))
	assert.Zero(t, h.upstream.calls.Load(), "input denials never reach the upstream")

	// The upstream echoes the body, so the output rule sees "secret".
	w = h.do(call{path: "/v1/clusters/alpha/jobs", body: "secret", apiKey: seedKey, idem: "k-out"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, int32(1), h.upstream.calls.Load())
	w = h.do(call{path: "/v1/clusters/alpha/jobs", body: "secret", apiKey: seedKey, idem: "k-out"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, int32(2), h.upstream.calls.Load(), "an output denial releases the key")
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.MaxBodyBytes = 8 })

	w := h.do(call{path: "/v1/clusters/beta/jobs", apiKey: seedKey})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, model.ErrCodeUnknownCluster, errorCode(t, w))

	w = h.do(call{path: "/v1/clusters/bad%21id/jobs", apiKey: seedKey})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(call{path: "/v1/clusters/alpha/jobs", body: "this body is too long", apiKey: seedKey})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = h.do(call{path: "/v1/clusters/alpha/jobs", apiKey: seedKey, idem: "bad\x01key"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, h.upstream.calls.Load())
}

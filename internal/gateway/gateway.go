// Package gateway runs the governance pipeline for proxied cluster
// operations and relays admitted requests to the cluster's upstream.
//
// Stages, in order: trace, idempotency, identity, control core, passport
// gate, input guardrails, billing reservation, upstream call, output
// guardrails, billing charge. A denial at any stage stops the request; a
// stage after the control core releases the breaker trial it may hold.
//
// For billable routes the billing coordinator stores the final response in
// the idempotency cache after a successful charge, so it must be configured
// with the same store as the gateway.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sekimon/internal/billing"
	"github.com/ashita-ai/sekimon/internal/config"
	"github.com/ashita-ai/sekimon/internal/control"
	"github.com/ashita-ai/sekimon/internal/correlation"
	"github.com/ashita-ai/sekimon/internal/guardrail"
	"github.com/ashita-ai/sekimon/internal/identity"
	"github.com/ashita-ai/sekimon/internal/idempotency"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/passport"
)

// Response headers.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplay         = "Idempotent-Replay"
	HeaderControl        = "X-Sekimon-Control"
	HeaderCluster        = "X-Sekimon-Cluster"
	HeaderTier           = "X-Sekimon-Tier"
	HeaderElevated       = "X-Sekimon-Elevated"
)

// Upstream request headers describing the admitted caller.
const (
	HeaderUpstreamCaller = "X-Sekimon-Caller"
	HeaderUpstreamTier   = "X-Sekimon-Caller-Tier"
)

const defaultMaxBodyBytes = 16 * 1024 * 1024

// credentialHeaders are stripped before a request reaches an upstream.
var credentialHeaders = []string{
	identity.HeaderAuthorization,
	identity.HeaderAPIKey,
	identity.HeaderWalletAddress,
	identity.HeaderWalletSignature,
	identity.HeaderWalletTimestamp,
}

// Deps holds all dependencies for constructing a Gateway.
// Optional (nil-safe): Transport.
type Deps struct {
	Clusters       map[string]string // Cluster ID -> upstream base URL.
	Policy         config.Policy
	Resolver       *identity.Resolver
	Control        *control.Core
	Gate           *passport.Gate
	Guardrails     *guardrail.Engine
	Billing        *billing.Coordinator
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration
	MaxBodyBytes   int64
	DebugHeaders   bool
	Currency       string
	Transport      http.RoundTripper
	Logger         *slog.Logger
}

// Gateway is an http.Handler for /v1/clusters/{cluster_id}/{operation...}.
type Gateway struct {
	proxies      map[string]*httputil.ReverseProxy
	policy       config.Policy
	resolver     *identity.Resolver
	control      *control.Core
	gate         *passport.Gate
	guardrails   *guardrail.Engine
	billing      *billing.Coordinator
	idem         idempotency.Store
	ttl          time.Duration
	maxBodyBytes int64
	debugHeaders bool
	currency     string
	logger       *slog.Logger
}

// New creates a gateway with one reverse proxy per cluster.
func New(d Deps) (*Gateway, error) {
	g := &Gateway{
		proxies:      make(map[string]*httputil.ReverseProxy, len(d.Clusters)),
		policy:       d.Policy,
		resolver:     d.Resolver,
		control:      d.Control,
		gate:         d.Gate,
		guardrails:   d.Guardrails,
		billing:      d.Billing,
		idem:         d.Idempotency,
		ttl:          d.IdempotencyTTL,
		maxBodyBytes: d.MaxBodyBytes,
		debugHeaders: d.DebugHeaders,
		currency:     d.Currency,
		logger:       d.Logger,
	}
	if g.maxBodyBytes <= 0 {
		g.maxBodyBytes = defaultMaxBodyBytes
	}
	for id, raw := range d.Clusters {
		target, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("gateway: cluster %s upstream: %w", id, err)
		}
		g.proxies[id] = g.newProxy(target, d.Transport)
	}
	return g, nil
}

func (g *Gateway) newProxy(target *url.URL, transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = strings.TrimSuffix(target.Path, "/") + "/" + pr.In.PathValue("operation")
			pr.Out.URL.RawPath = ""
			pr.SetXForwarded()
			for _, h := range credentialHeaders {
				pr.Out.Header.Del(h)
			}
			tc := correlation.FromContext(pr.In.Context())
			pr.Out.Header.Set(correlation.HeaderRequestID, tc.TraceID)
			if id, ok := identity.FromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(HeaderUpstreamCaller, id.CallerID)
				pr.Out.Header.Set(HeaderUpstreamTier, string(id.TierID))
			}
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			if c, ok := w.(*capture); ok {
				c.err = err
			}
		},
	}
}

// operation is the state threaded through the stages of one request.
type operation struct {
	trace     correlation.TraceContext
	caller    model.CallerIdentity
	clusterID string
	name      string
	route     config.RoutePolicy
	body      []byte
	idemKey   string // scoped key; empty when the request carries none
	actionID  uuid.UUID
}

func (o *operation) resource() string { return o.clusterID + "/" + o.name }

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var tc correlation.TraceContext
	if correlation.TraceID(ctx) != "" {
		tc = correlation.FromContext(ctx)
	} else {
		tc = correlation.Resolve(r.Header)
		ctx = correlation.WithTrace(ctx, tc)
	}
	w.Header().Set(correlation.HeaderRequestID, tc.TraceID)
	w.Header().Set(correlation.HeaderTraceID, tc.TraceID)

	op := &operation{
		trace:     tc,
		clusterID: r.PathValue("cluster_id"),
		name:      r.PathValue("operation"),
	}
	w.Header().Set(HeaderCluster, op.clusterID)
	if err := model.ValidateClusterID(op.clusterID); err != nil {
		WriteError(w, r.WithContext(ctx), http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if op.name == "" || len(op.name) > model.MaxOperationLen {
		WriteError(w, r.WithContext(ctx), http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("operation must be 1-%d characters", model.MaxOperationLen))
		return
	}

	caller, ok := identity.FromContext(ctx)
	if !ok {
		caller = g.resolver.Resolve(ctx, r.Header)
		ctx = identity.NewContext(ctx, caller)
	}
	op.caller = caller
	r = r.WithContext(ctx)
	if g.debugHeaders {
		w.Header().Set(HeaderTier, string(caller.TierID))
		w.Header().Set(HeaderElevated, strconv.FormatBool(caller.IsElevated))
	}

	proxy, ok := g.proxies[op.clusterID]
	if !ok {
		WriteError(w, r, http.StatusNotFound, model.ErrCodeUnknownCluster,
			fmt.Sprintf("cluster %s is not configured", op.clusterID))
		return
	}
	op.route, ok = g.policy.Match(op.clusterID, op.name)
	if !ok {
		WriteError(w, r, http.StatusNotFound, model.ErrCodeNotFound,
			fmt.Sprintf("no route policy covers %s", op.resource()))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			WriteError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "failed to read request body")
		return
	}
	op.body = body

	if !g.beginIdempotent(w, r, op) {
		return
	}

	d := g.control.CheckOperation(ctx, control.Request{
		ClusterID:      op.clusterID,
		Operation:      op.name,
		TraceID:        tc.TraceID,
		IdempotencyKey: op.idemKey,
		CallerID:       caller.CallerID,
		CallerTierID:   caller.TierID,
		Elevated:       caller.IsElevated,
	})
	if !d.Allowed {
		w.Header().Set(HeaderControl, "blocked")
		g.release(ctx, op)
		details := map[string]any{"reason": d.Reason}
		for k, v := range d.Details {
			details[k] = v
		}
		WriteErrorDetails(w, r, http.StatusServiceUnavailable, model.ErrCodeOperationBlocked,
			"operation blocked: "+d.Reason, details)
		return
	}
	w.Header().Set(HeaderControl, "allowed")
	defer func() {
		// A panic past this point must not leave the breaker trial held, the
		// key in progress or a reserved action open. The panic continues to
		// the recovery middleware.
		if p := recover(); p != nil {
			g.control.Abandon(op.clusterID, d.Ticket)
			g.abort(ctx, op, "request aborted")
			g.release(ctx, op)
			panic(p)
		}
	}()

	if !g.authorize(w, r, op) || !g.checkInput(w, r, op) || !g.reserve(w, r, op) {
		g.control.Abandon(op.clusterID, d.Ticket)
		g.release(ctx, op)
		return
	}

	rec := newCapture()
	out := r.Clone(ctx)
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.GetBody = nil
	proxy.ServeHTTP(rec, out)

	if rec.failed() {
		g.control.ReportFailure(op.clusterID, d.Ticket)
	} else {
		g.control.ReportSuccess(op.clusterID, d.Ticket)
	}
	if rec.err != nil {
		g.logger.Warn("gateway: upstream unavailable",
			"cluster_id", op.clusterID, "request_id", tc.TraceID, "error", rec.err)
		g.abort(ctx, op, "upstream unavailable")
		g.release(ctx, op)
		WriteError(w, r, http.StatusBadGateway, model.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("cluster %s upstream is unavailable", op.clusterID))
		return
	}

	if !g.checkOutput(w, r, op, rec) {
		g.abort(ctx, op, "output guardrail denied")
		g.release(ctx, op)
		return
	}

	resp := idempotency.Response{
		StatusCode:  rec.status,
		ContentType: rec.header.Get("Content-Type"),
		Body:        rec.body.Bytes(),
	}
	switch {
	case rec.status >= http.StatusInternalServerError:
		g.abort(ctx, op, fmt.Sprintf("upstream status %d", rec.status))
		g.release(ctx, op)
	case op.route.Billable() && rec.status >= http.StatusBadRequest:
		g.abort(ctx, op, fmt.Sprintf("upstream status %d", rec.status))
		g.release(ctx, op)
	case op.route.Billable():
		if _, err := g.billing.ConfirmAndCharge(ctx, op.actionID, resp); err != nil {
			g.release(ctx, op)
			WriteErrorDetails(w, r, http.StatusPaymentRequired, model.ErrCodeChargeFailed,
				"the operation completed but the charge failed; it will not be retried",
				map[string]any{"action_id": op.actionID})
			return
		}
	default:
		g.complete(ctx, op, resp)
	}
	rec.flush(w)
}

// beginIdempotent checks the request's idempotency key. It returns false
// when the response has already been written: a replay, a conflict or an
// error.
func (g *Gateway) beginIdempotent(w http.ResponseWriter, r *http.Request, op *operation) bool {
	raw := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if raw == "" {
		if op.route.Billable() {
			WriteError(w, r, http.StatusBadRequest, model.ErrCodeIdempotencyKeyRequired,
				"Idempotency-Key header is required for billable operations")
			return false
		}
		return true
	}
	if err := model.ValidateIdempotencyKey(raw); err != nil {
		WriteError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return false
	}

	key := idempotency.ScopedKey(op.caller.CallerID, raw)
	hash := idempotency.HashRequest(r.Method, r.URL.RequestURI(), op.body)
	lookup, err := g.idem.Check(r.Context(), key, hash, g.ttl)
	switch {
	case errors.Is(err, idempotency.ErrPayloadMismatch):
		WriteError(w, r, http.StatusConflict, model.ErrCodeIdempotencyKeyMismatch,
			"idempotency key reused with a different request")
		return false
	case err != nil:
		g.logger.Error("gateway: idempotency check failed", "request_id", op.trace.TraceID, "error", err)
		WriteError(w, r, http.StatusInternalServerError, model.ErrCodeIdempotencyInternal,
			"idempotency lookup failed")
		return false
	case lookup.InProgress():
		WriteError(w, r, http.StatusConflict, model.ErrCodeDuplicateRequest,
			"a request with this idempotency key is still in progress")
		return false
	case lookup.IsReplay:
		replay(w, *lookup.Record.Response)
		return false
	}
	op.idemKey = key
	return true
}

// replay writes a stored response verbatim.
func replay(w http.ResponseWriter, resp idempotency.Response) {
	w.Header().Set(HeaderReplay, "true")
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// complete stores the final response for the request's key. Storing runs
// detached from the request so a client disconnect cannot leave the key in
// progress.
func (g *Gateway) complete(ctx context.Context, op *operation, resp idempotency.Response) {
	if op.idemKey == "" {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if lastErr = g.idem.StoreResponse(writeCtx, op.idemKey, resp, g.ttl); lastErr == nil {
			return
		}
		g.logger.Warn("gateway: idempotency store attempt failed",
			"attempt", attempt, "request_id", op.trace.TraceID, "error", lastErr)
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
			g.logger.Error("gateway: idempotency store abandoned", "request_id", op.trace.TraceID, "error", lastErr)
			return
		}
	}
	g.logger.Error("gateway: failed to store idempotent response", "request_id", op.trace.TraceID, "error", lastErr)
}

// release forgets an in-progress key so the client may retry.
func (g *Gateway) release(ctx context.Context, op *operation) {
	if op.idemKey == "" {
		return
	}
	if err := g.idem.Release(context.WithoutCancel(ctx), op.idemKey); err != nil {
		g.logger.Error("gateway: idempotency release failed", "request_id", op.trace.TraceID, "error", err)
	}
}

// authorize runs the passport gate for the route.
func (g *Gateway) authorize(w http.ResponseWriter, r *http.Request, op *operation) bool {
	ctx := r.Context()
	checks := make([]func() passport.Decision, 0, 3)
	if op.route.RequirePassport {
		checks = append(checks, func() passport.Decision {
			return g.gate.RequireIdentity(ctx, op.caller, op.resource())
		})
	}
	if op.route.RequiredTier != "" {
		checks = append(checks, func() passport.Decision {
			return g.gate.RequireTier(ctx, op.caller, op.route.RequiredTier, op.resource())
		})
	}
	if op.route.Feature != "" {
		checks = append(checks, func() passport.Decision {
			return g.gate.RequireFeature(ctx, op.caller, op.route.Feature, op.resource())
		})
	}
	for _, check := range checks {
		if d := check(); !d.Allowed {
			status := http.StatusForbidden
			if d.Code == model.ErrCodePassportRequired {
				status = http.StatusUnauthorized
			}
			WriteErrorDetails(w, r, status, d.Code, d.Reason, d)
			return false
		}
	}
	return true
}

func (g *Gateway) guardrailContext(op *operation, r *http.Request) guardrail.Context {
	return guardrail.Context{
		TraceID:       op.trace.TraceID,
		Identity:      op.caller,
		ClusterID:     op.clusterID,
		Operation:     op.name,
		Payload:       op.body,
		EstimatedCost: op.route.Price,
		Currency:      g.routeCurrency(op.route),
		Metadata:      map[string]any{"method": r.Method},
	}
}

func (g *Gateway) checkInput(w http.ResponseWriter, r *http.Request, op *operation) bool {
	ev := g.guardrails.Evaluate(r.Context(), g.guardrailContext(op, r), guardrail.Input)
	if !ev.Allowed {
		writeGuardrailDenial(w, r, ev)
		return false
	}
	return true
}

func (g *Gateway) checkOutput(w http.ResponseWriter, r *http.Request, op *operation, rec *capture) bool {
	in := g.guardrailContext(op, r)
	in.Payload = rec.body.Bytes()
	in.StatusCode = rec.status
	ev := g.guardrails.Evaluate(r.Context(), in, guardrail.Output)
	if !ev.Allowed {
		writeGuardrailDenial(w, r, ev)
		return false
	}
	return true
}

func writeGuardrailDenial(w http.ResponseWriter, r *http.Request, ev guardrail.Evaluation) {
	details := map[string]any{"rule_id": ev.RuleID}
	if ev.Failed {
		WriteErrorDetails(w, r, http.StatusInternalServerError, model.ErrCodeGuardrailError, ev.Reason, details)
		return
	}
	WriteErrorDetails(w, r, http.StatusForbidden, model.ErrCodeGuardrailBlocked, ev.Reason, details)
}

// reserve is billing phase one for billable routes.
func (g *Gateway) reserve(w http.ResponseWriter, r *http.Request, op *operation) bool {
	if !op.route.Billable() {
		return true
	}
	res, err := g.billing.ReserveCharge(r.Context(), billing.ReserveRequest{
		IdempotencyKey: op.idemKey,
		CallerID:       op.caller.CallerID,
		Action:         op.resource(),
		Amount:         op.route.Price,
		Currency:       g.routeCurrency(op.route),
		TraceID:        op.trace.TraceID,
	})
	switch {
	case errors.Is(err, billing.ErrDigestMismatch):
		WriteError(w, r, http.StatusConflict, model.ErrCodeIdempotencyKeyMismatch,
			"idempotency key already reserved a different charge")
		return false
	case err != nil:
		g.logger.Error("gateway: reserve charge", "request_id", op.trace.TraceID, "error", err)
		WriteError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to reserve charge")
		return false
	case res.Replay && res.Reserved:
		WriteErrorDetails(w, r, http.StatusConflict, model.ErrCodeChargeAlreadyProcessed,
			"this billable action was already processed", map[string]any{"action_id": res.ActionID})
		return false
	case res.Replay:
		WriteErrorDetails(w, r, http.StatusConflict, model.ErrCodeDuplicateRequest,
			"this billable action is still in progress", map[string]any{"action_id": res.ActionID})
		return false
	}
	op.actionID = res.ActionID
	return true
}

// abort fails a pending reservation whose response will not be delivered.
func (g *Gateway) abort(ctx context.Context, op *operation, reason string) {
	if op.actionID == uuid.Nil {
		return
	}
	if err := g.billing.Abort(context.WithoutCancel(ctx), op.actionID, reason); err != nil {
		g.logger.Error("gateway: abort charge", "action_id", op.actionID, "error", err)
	}
}

func (g *Gateway) routeCurrency(r config.RoutePolicy) string {
	if r.Currency != "" {
		return r.Currency
	}
	return g.currency
}

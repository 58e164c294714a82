package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/sekimon/internal/auth"
	"github.com/ashita-ai/sekimon/internal/billing"
	"github.com/ashita-ai/sekimon/internal/breaker"
	"github.com/ashita-ai/sekimon/internal/bus"
	"github.com/ashita-ai/sekimon/internal/capability"
	"github.com/ashita-ai/sekimon/internal/control"
	"github.com/ashita-ai/sekimon/internal/identity"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/passport"
)

// AuditReader lists recent passport grants. Both the in-memory ring and the
// Postgres audit table implement it.
type AuditReader interface {
	RecentAccess(ctx context.Context, limit int) ([]model.AccessAudit, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	control             *control.Core
	gate                *passport.Gate
	passports           *auth.JWTManager
	registry            *capability.Registry
	billing             *billing.Coordinator
	bus                 *bus.Bus
	broker              *Broker
	audit               AuditReader
	clusters            map[string]bool
	idempotencyBackend  string
	idempotencyPinger   Pinger
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Passports, Broker, Audit, IdempotencyPinger.
type HandlersDeps struct {
	Control             *control.Core
	Gate                *passport.Gate
	Passports           *auth.JWTManager
	Registry            *capability.Registry
	Billing             *billing.Coordinator
	Bus                 *bus.Bus
	Broker              *Broker
	Audit               AuditReader
	Clusters            []string
	IdempotencyBackend  string
	IdempotencyPinger   Pinger
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	clusters := make(map[string]bool, len(d.Clusters))
	for _, id := range d.Clusters {
		clusters[id] = true
	}
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		control:             d.Control,
		gate:                d.Gate,
		passports:           d.Passports,
		registry:            d.Registry,
		billing:             d.Billing,
		bus:                 d.Bus,
		broker:              d.Broker,
		audit:               d.Audit,
		clusters:            clusters,
		idempotencyBackend:  d.IdempotencyBackend,
		idempotencyPinger:   d.IdempotencyPinger,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	idem := h.idempotencyBackend
	if h.idempotencyPinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.idempotencyPinger.Ping(ctx)
		cancel()
		if err != nil {
			idem += ":unreachable"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	busCircuit := h.bus.Breaker().State()
	if busCircuit != breaker.Closed && status == "healthy" {
		status = "degraded"
	}
	global := h.control.GlobalKillSwitch()
	if global.Enabled && status == "healthy" {
		status = "degraded"
	}

	resp := model.HealthResponse{
		Status:           status,
		Version:          h.version,
		GlobalKillSwitch: global.Enabled,
		BusCircuit:       busCircuit.String(),
		Idempotency:      idem,
		Uptime:           int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.EventSubscribers = h.broker.Subscribers()
	}
	writeJSON(w, r, httpStatus, resp)
}

// HandlePassport handles POST /v1/passport. The caller proves itself with
// an API key or wallet signature and receives a signed passport carrying
// its resolved identity.
func (h *Handlers) HandlePassport(w http.ResponseWriter, r *http.Request) {
	if h.passports == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "passport issuance is not configured")
		return
	}
	id, _ := identity.FromContext(r.Context())
	if d := h.gate.RequireIdentity(r.Context(), id, "passport"); !d.Allowed {
		writeErrorDetails(w, r, http.StatusUnauthorized, d.Code, d.Reason, d)
		return
	}
	token, expiresAt, err := h.passports.IssuePassport(id)
	if err != nil {
		h.logger.Error("passport issuance failed", "caller_id", id.CallerID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue passport")
		return
	}
	writeJSON(w, r, http.StatusOK, model.PassportResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		CallerID:  id.CallerID,
		TierID:    id.TierID,
	})
}

// HandleEvents handles GET /v1/events (SSE). The optional types query
// parameter is an event type pattern such as "Billing.*".
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event stream not available")
		return
	}
	pattern := strings.TrimSpace(r.URL.Query().Get("types"))
	if pattern == "" {
		pattern = bus.Wildcard
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("event stream: flush unsupported", "error", err)
		return
	}

	// Disable the server's WriteTimeout for this long-lived connection.
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(pattern)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// --- Shared helpers ---

// actor names the caller in kill-switch changes and audit logs.
func actor(r *http.Request) string {
	if id, ok := identity.FromContext(r.Context()); ok {
		return id.CallerID
	}
	return model.AnonymousCallerID
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// clusterParam validates the cluster_id path value against the configured
// clusters. It writes the error response and returns false on failure.
func (h *Handlers) clusterParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("cluster_id")
	if err := model.ValidateClusterID(id); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return "", false
	}
	if !h.clusters[id] {
		writeError(w, r, http.StatusNotFound, model.ErrCodeUnknownCluster, "cluster "+id+" is not configured")
		return "", false
	}
	return id, true
}

func isNotFound(err error) bool {
	return errors.Is(err, capability.ErrNotFound) || errors.Is(err, billing.ErrUnknownAction)
}

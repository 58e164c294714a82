package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/sekimon/internal/auth"
	"github.com/ashita-ai/sekimon/internal/billing"
	"github.com/ashita-ai/sekimon/internal/bus"
	"github.com/ashita-ai/sekimon/internal/capability"
	"github.com/ashita-ai/sekimon/internal/control"
	"github.com/ashita-ai/sekimon/internal/identity"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/passport"
	"github.com/ashita-ai/sekimon/internal/ratelimit"
)

// Server is the Sekimon HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Gateway, Passports, Broker, Audit, MCPServer,
// PassportLimiter, IdempotencyPinger, ExtraRoutes, Middlewares.
type ServerConfig struct {
	// Required dependencies.
	Resolver *identity.Resolver
	Gate     *passport.Gate
	Control  *control.Core
	Registry *capability.Registry
	Billing  *billing.Coordinator
	Bus      *bus.Bus
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Gateway           http.Handler
	Passports         *auth.JWTManager
	Broker            *Broker
	Audit             AuditReader
	MCPServer         *mcpserver.MCPServer
	PassportLimiter   ratelimit.Limiter
	IdempotencyPinger Pinger

	// Extension points. ExtraRoutes receive the mux after the built-in
	// routes and the elevated-caller guard. Middlewares wrap the whole
	// chain; the first is outermost.
	ExtraRoutes []func(mux *http.ServeMux, requireElevated func(http.Handler) http.Handler)
	Middlewares []func(http.Handler) http.Handler

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	Clusters            []string
	IdempotencyBackend  string
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Control:             cfg.Control,
		Gate:                cfg.Gate,
		Passports:           cfg.Passports,
		Registry:            cfg.Registry,
		Billing:             cfg.Billing,
		Bus:                 cfg.Bus,
		Broker:              cfg.Broker,
		Audit:               cfg.Audit,
		Clusters:            cfg.Clusters,
		IdempotencyBackend:  cfg.IdempotencyBackend,
		IdempotencyPinger:   cfg.IdempotencyPinger,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	passportRL := rateLimit(cfg.PassportLimiter, "passport", callerKeyFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Passport issuance (credential required, rate limited per caller).
	mux.Handle("POST /v1/passport", passportRL(http.HandlerFunc(h.HandlePassport)))

	// Governed proxy: the full pipeline runs inside the gateway.
	if cfg.Gateway != nil {
		mux.Handle("/v1/clusters/{cluster_id}/{operation...}", cfg.Gateway)
	}

	// Capability directory (anyone may read and check; elevated callers manage).
	mux.HandleFunc("GET /v1/capabilities", h.HandleListCapabilities)
	mux.HandleFunc("POST /v1/capabilities/{server_id}/check", h.HandleCheckCapability)
	mux.Handle("POST /v1/capabilities", requireElevated(http.HandlerFunc(h.HandleRegisterCapability)))
	mux.Handle("DELETE /v1/capabilities/{server_id}", requireElevated(http.HandlerFunc(h.HandleUnregisterCapability)))

	// Event stream (long-lived, tier feature gated).
	eventStream := requireFeature(cfg.Gate, model.FeatureEventStream)
	mux.Handle("GET /v1/events", eventStream(http.HandlerFunc(h.HandleEvents)))

	// Admin API (elevated callers only).
	mux.Handle("GET /admin/killswitch", requireElevated(http.HandlerFunc(h.HandleGetKillSwitch)))
	mux.Handle("PUT /admin/killswitch", requireElevated(http.HandlerFunc(h.HandleSetKillSwitch)))
	mux.Handle("GET /admin/clusters", requireElevated(http.HandlerFunc(h.HandleListClusters)))
	mux.Handle("GET /admin/clusters/{cluster_id}", requireElevated(http.HandlerFunc(h.HandleGetCluster)))
	mux.Handle("PUT /admin/clusters/{cluster_id}/killswitch", requireElevated(http.HandlerFunc(h.HandleSetClusterKillSwitch)))
	mux.Handle("POST /admin/clusters/{cluster_id}/breaker/reset", requireElevated(http.HandlerFunc(h.HandleResetBreaker)))
	mux.Handle("POST /admin/bus/breaker/reset", requireElevated(http.HandlerFunc(h.HandleResetBusBreaker)))
	mux.Handle("GET /admin/audit", requireElevated(http.HandlerFunc(h.HandleListAudit)))
	mux.Handle("GET /admin/actions/{action_id}", requireElevated(http.HandlerFunc(h.HandleGetAction)))

	// MCP StreamableHTTP transport (tier feature gated). The resolved
	// identity is carried into tool handlers through the request context.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer,
			mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
				if id, ok := identity.FromContext(r.Context()); ok {
					return identity.NewContext(ctx, id)
				}
				return ctx
			}),
		)
		mux.Handle("/mcp", requireFeature(cfg.Gate, model.FeatureMCP)(mcpHTTP))
	}

	// Health (no credential, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	for _, register := range cfg.ExtraRoutes {
		register(mux, requireElevated)
	}

	// Middleware chain (outermost executes first):
	// trace → security headers → identity → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = identityMiddleware(cfg.Resolver, handler)
	handler = securityHeadersMiddleware(handler)
	handler = traceMiddleware(handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

package sekimon

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
type resolvedOptions struct {
	port            int
	databaseURL     string
	policyFile      string
	logger          *slog.Logger
	version         string
	charger         Charger
	balances        BalanceService
	wallets         WalletDirectory
	eventHooks      []EventHook
	guardrails      []Guardrail
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
}

// WithPort overrides the TCP port from config (SEKIMON_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres connection string (DATABASE_URL).
// Postgres enables the durable passport audit and cross-instance
// kill-switch sync.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithPolicyFile overrides the TOML tier and route policy (SEKIMON_POLICY_FILE).
func WithPolicyFile(path string) Option {
	return func(o *resolvedOptions) { o.policyFile = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithCharger replaces the logging charger. Only the last call wins.
func WithCharger(c Charger) Option {
	return func(o *resolvedOptions) { o.charger = c }
}

// WithBalanceService enables the cost gate guardrail. Only the last call wins.
func WithBalanceService(b BalanceService) Option {
	return func(o *resolvedOptions) { o.balances = b }
}

// WithWalletDirectory enables per-wallet tiers. Only the last call wins.
func WithWalletDirectory(d WalletDirectory) Option {
	return func(o *resolvedOptions) { o.wallets = d }
}

// WithEventHook registers a hook that receives every bus event.
func WithEventHook(hook EventHook) Option {
	return func(o *resolvedOptions) { o.eventHooks = append(o.eventHooks, hook) }
}

// WithGuardrail registers a custom blocking guardrail.
func WithGuardrail(g Guardrail) Option {
	return func(o *resolvedOptions) { o.guardrails = append(o.guardrails, g) }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Registrars are called in registration order after the built-in routes.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an outermost HTTP middleware.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

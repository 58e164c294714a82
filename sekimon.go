// Package sekimon is the public API for embedding the Sekimon request
// governance gateway.
//
// Operators import this package to construct and extend the gateway without
// forking it:
//
//	app, err := sekimon.New(
//	    sekimon.WithVersion(version),
//	    sekimon.WithLogger(logger),
//	    sekimon.WithCharger(stripeCharger{}),
//	    sekimon.WithEventHook(auditHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the other way around. Public
// types (Charge, Event, GuardrailInput) carry no internal types; the
// adapters at the bottom of this file convert at the boundary.
package sekimon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/sekimon/internal/auth"
	"github.com/ashita-ai/sekimon/internal/billing"
	"github.com/ashita-ai/sekimon/internal/breaker"
	"github.com/ashita-ai/sekimon/internal/bus"
	"github.com/ashita-ai/sekimon/internal/capability"
	"github.com/ashita-ai/sekimon/internal/config"
	"github.com/ashita-ai/sekimon/internal/control"
	"github.com/ashita-ai/sekimon/internal/gateway"
	"github.com/ashita-ai/sekimon/internal/guardrail"
	"github.com/ashita-ai/sekimon/internal/identity"
	"github.com/ashita-ai/sekimon/internal/idempotency"
	"github.com/ashita-ai/sekimon/internal/mcp"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/passport"
	"github.com/ashita-ai/sekimon/internal/ratelimit"
	"github.com/ashita-ai/sekimon/internal/server"
	"github.com/ashita-ai/sekimon/internal/storage"
	"github.com/ashita-ai/sekimon/internal/telemetry"
	"github.com/ashita-ai/sekimon/internal/tier"
	"github.com/ashita-ai/sekimon/migrations"
)

// Built-in guardrail priorities. Custom guardrails without a priority run
// after all of them.
const (
	priorityPayloadSize   = 10
	priorityIdentityLimit = 20
	priorityCostGate      = 30
	priorityObserver      = 90
	priorityCustomDefault = 100
)

// App is the Sekimon server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	srv          *server.Server
	db           *storage.DB   // nil without DATABASE_URL
	redis        *redis.Client // nil unless a redis backend is configured
	sync         *control.Sync // nil without a notify connection
	kafka        *bus.KafkaForwarder
	broker       *server.Broker
	ledger       *billing.SQLiteLedger
	closers      []func() error
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New wires every subsystem and returns a ready-to-run App. It connects to
// the configured backing stores and runs migrations but does not start any
// goroutines or accept HTTP connections; call Run.
func New(opts ...Option) (app *App, err error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	if o.policyFile != "" {
		if err := os.Setenv("SEKIMON_POLICY_FILE", o.policyFile); err != nil {
			return nil, fmt.Errorf("policy file: %w", err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
		cfg.NotifyURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("sekimon starting", "version", version, "port", cfg.Port, "clusters", len(cfg.Clusters))

	a := &App{cfg: cfg, logger: logger, version: version}
	// Release whatever was opened if a later step fails.
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.otelShutdown = otelShutdown
	metrics := telemetry.NewInstruments()

	// Postgres: shared idempotency keys, durable audit and kill-switch sync.
	if cfg.DatabaseURL != "" {
		a.db, err = storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := a.db.RunMigrations(context.Background(), migrations.FS); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
	}

	// Redis: shared idempotency keys and rate-limit windows.
	if cfg.IdempotencyBackend == "redis" || cfg.RateLimitBackend == "redis" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse REDIS_URL: %w", err)
		}
		a.redis = redis.NewClient(redisOpts)
		if err := a.redis.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis: ping: %w", err)
		}
	}

	tiers, err := tier.NewRegistry(cfg.Policy.Tiers)
	if err != nil {
		return nil, fmt.Errorf("tiers: %w", err)
	}

	passports, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.PassportTTL)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	if cfg.JWTPrivateKeyPath == "" {
		logger.Warn("passports: using an ephemeral signing key; passports will not survive a restart")
	}

	resolverOpts := []identity.Option{identity.WithPassports(passports)}
	if o.wallets != nil {
		resolverOpts = append(resolverOpts, identity.WithWalletDirectory(walletAdapter{d: o.wallets}))
	}
	resolver, err := identity.NewResolver(identity.Config{
		APIKeys:       cfg.APIKeys,
		AdminKeys:     cfg.AdminAPIKeys,
		Pepper:        cfg.KeyPepper,
		DefaultTier:   cfg.DefaultTier,
		WalletTier:    cfg.WalletTier,
		WalletMaxSkew: cfg.WalletMaxSkew,
	}, tiers, logger, resolverOpts...)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	// Event bus and its subscribers.
	events := bus.New(logger, breaker.Config{
		Threshold:    cfg.BusBreakerThreshold,
		ResetTimeout: cfg.BusBreakerReset,
	}, bus.WithInstruments(metrics))
	for _, h := range o.eventHooks {
		events.Subscribe(bus.Wildcard, hookAdapter{hook: h}.handle)
	}
	if len(cfg.KafkaBrokers) > 0 {
		a.kafka, err = bus.NewKafkaForwarder(bus.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic}, logger)
		if err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		events.Subscribe(bus.Wildcard, a.kafka.Handle)
		logger.Info("event bus: forwarding to kafka", "topic", cfg.KafkaTopic)
	}
	a.broker = server.NewBroker(events, logger)

	// Control core.
	var windows ratelimit.WindowLimiter
	if cfg.RateLimitBackend == "redis" {
		windows = ratelimit.NewRedisWindowLimiter(a.redis, "sekimon:rl:")
	} else {
		windows = ratelimit.NewMemoryWindowLimiter()
	}
	a.closers = append(a.closers, windows.Close)
	core := control.New(control.Config{
		ClusterLimits: cfg.ClusterLimits,
		Breaker:       breaker.Config{Threshold: cfg.BreakerThreshold, ResetTimeout: cfg.BreakerReset},
	}, tiers, windows, logger, control.WithPublisher(events), control.WithInstruments(metrics))
	if a.db != nil && cfg.NotifyURL != "" {
		a.sync = control.NewSync(core, a.db, storage.ChannelControl, logger)
	}

	// Idempotency store.
	var store idempotency.Store
	var pinger server.Pinger
	switch cfg.IdempotencyBackend {
	case "redis":
		store = idempotency.NewRedisStore(a.redis, "sekimon:idem:")
		pinger = redisPinger{c: a.redis}
	case "postgres":
		store = a.db.Idempotency()
		pinger = a.db
	default:
		store = idempotency.NewMemoryStore(time.Minute)
	}
	a.closers = append(a.closers, store.Close)

	// Passport gate with a durable audit when Postgres is available.
	var audit interface {
		passport.AuditSink
		server.AuditReader
	} = passport.NewMemoryAudit(0)
	if a.db != nil {
		audit = a.db
	}
	gate := passport.NewGate(tiers, audit, events, logger)

	// Guardrails.
	guards := guardrail.New(logger, events, metrics)
	identityLimiter := ratelimit.NewMemoryLimiter(cfg.IdentityRateLimitRPS, cfg.IdentityRateLimitBurst)
	a.closers = append(a.closers, identityLimiter.Close)
	rules := []guardrail.Rule{
		guardrail.PayloadSize(priorityPayloadSize),
		guardrail.IdentityRateLimit(identityLimiter, priorityIdentityLimit),
		guardrail.ElevatedObserver(priorityObserver),
		guardrail.UpstreamStatus(priorityObserver),
	}
	if o.balances != nil {
		rules = append(rules, guardrail.CostGate(o.balances, priorityCostGate, logger))
	}
	for _, g := range o.guardrails {
		rules = append(rules, customRule(g))
	}
	for _, r := range rules {
		if err := guards.Register(r); err != nil {
			return nil, fmt.Errorf("guardrail %s: %w", r.ID, err)
		}
	}

	// Two-phase billing.
	var charger billing.Charger = billing.LogCharger{Logger: logger}
	if o.charger != nil {
		charger = chargerAdapter{c: o.charger}
	}
	billingOpts := []billing.Option{
		billing.WithResponseStore(store, cfg.IdempotencyTTL),
		billing.WithPublisher(events),
		billing.WithInstruments(metrics),
	}
	if cfg.LedgerPath != "" {
		a.ledger, err = billing.OpenSQLiteLedger(cfg.LedgerPath)
		if err != nil {
			return nil, fmt.Errorf("billing ledger: %w", err)
		}
		billingOpts = append(billingOpts, billing.WithLedger(a.ledger))
	}
	coordinator := billing.NewCoordinator(charger, logger, billingOpts...)

	registry := capability.NewRegistry(logger, events)

	gw, err := gateway.New(gateway.Deps{
		Clusters:       cfg.Clusters,
		Policy:         cfg.Policy,
		Resolver:       resolver,
		Control:        core,
		Gate:           gate,
		Guardrails:     guards,
		Billing:        coordinator,
		Idempotency:    store,
		IdempotencyTTL: cfg.IdempotencyTTL,
		MaxBodyBytes:   cfg.MaxRequestBodyBytes,
		DebugHeaders:   cfg.DebugHeaders,
		Currency:       cfg.Currency,
		Transport:      otelhttp.NewTransport(http.DefaultTransport),
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	clusterIDs := make([]string, 0, len(cfg.Clusters))
	for id := range cfg.Clusters {
		clusterIDs = append(clusterIDs, id)
	}

	var extraRoutes []func(*http.ServeMux, func(http.Handler) http.Handler)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, fn)
	}
	passportLimiter := ratelimit.NewMemoryLimiter(1, 5)
	a.closers = append(a.closers, passportLimiter.Close)

	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	a.srv = server.New(server.ServerConfig{
		Resolver:            resolver,
		Gate:                gate,
		Control:             core,
		Registry:            registry,
		Billing:             coordinator,
		Bus:                 events,
		Logger:              logger,
		Gateway:             gw,
		Passports:           passports,
		Broker:              a.broker,
		Audit:               audit,
		MCPServer:           mcp.New(registry, core, logger, version).MCPServer(),
		PassportLimiter:     passportLimiter,
		IdempotencyPinger:   pinger,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Clusters:            clusterIDs,
		IdempotencyBackend:  cfg.IdempotencyBackend,
	})
	return a, nil
}

// Run starts the HTTP server and background workers, then blocks until ctx
// is cancelled or one of them fails. It drains in-flight requests and
// releases every resource before returning.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.broker.Close()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}
		return nil
	})
	if a.sync != nil {
		g.Go(func() error { return a.sync.Run(gctx) })
	}
	if a.kafka != nil {
		g.Go(func() error {
			a.kafka.Run(gctx)
			return nil
		})
	}
	if a.cfg.IdempotencyBackend == "postgres" {
		g.Go(func() error {
			a.idempotencyCleanupLoop(gctx)
			return nil
		})
	}

	err := g.Wait()
	a.close(context.Background())
	return err
}

func (a *App) close(ctx context.Context) {
	a.logger.Info("sekimon shutting down")
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Warn("kafka forwarder close", "error", err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	if a.ledger != nil {
		_ = a.ledger.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		a.db.Close(ctx)
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(ctx)
	}
	a.logger.Info("sekimon stopped")
}

func (a *App) idempotencyCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.db.CleanupIdempotencyKeys(opCtx)
			cancel()
			if err != nil {
				a.logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("idempotency cleanup deleted rows", "deleted", deleted)
			}
		}
	}
}

// ── Adapters (defined here because this file imports both sides) ───────────────

type redisPinger struct{ c *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.c.Ping(ctx).Err() }

type walletAdapter struct{ d WalletDirectory }

func (a walletAdapter) TierForWallet(ctx context.Context, address string) (model.TierID, bool, error) {
	t, ok, err := a.d.TierForWallet(ctx, address)
	return model.TierID(t), ok, err
}

type chargerAdapter struct{ c Charger }

func (a chargerAdapter) Charge(ctx context.Context, action model.BillableAction) error {
	return a.c.Charge(ctx, Charge{
		ActionID:       action.ID,
		TraceID:        action.TraceID,
		IdempotencyKey: action.IdempotencyKey,
		CallerID:       action.CallerID,
		Action:         action.Action,
		Amount:         action.Amount,
		Currency:       action.Currency,
	})
}

type hookAdapter struct{ hook EventHook }

func (a hookAdapter) handle(ctx context.Context, env model.EventEnvelope) error {
	return a.hook.OnEvent(ctx, toPublicEvent(env))
}

func toPublicEvent(env model.EventEnvelope) Event {
	e := Event{
		Type:          env.EventType,
		ID:            env.EventID,
		CorrelationID: env.CorrelationID,
		Source:        env.Source,
		Severity:      env.Severity,
		ActorID:       env.Actor.ID,
		TargetType:    env.Target.Type,
		TargetID:      env.Target.ID,
		Timestamp:     env.Timestamp,
	}
	if env.Payload != nil {
		if raw, err := json.Marshal(env.Payload); err == nil {
			e.Payload = raw
		}
	}
	return e
}

func customRule(g Guardrail) guardrail.Rule {
	stage := guardrail.Input
	if g.Stage == StageOutput {
		stage = guardrail.Output
	}
	priority := priorityCustomDefault
	if g.Priority != nil {
		priority = *g.Priority
	}
	check := g.Check
	return guardrail.Rule{
		ID:       g.ID,
		Type:     stage,
		Blocking: !g.Observe,
		Priority: priority,
		Check: func(ctx context.Context, in guardrail.Context) (guardrail.Result, error) {
			if check == nil {
				return guardrail.Allow(), nil
			}
			allowed, reason, err := check(ctx, GuardrailInput{
				TraceID:    in.TraceID,
				ClusterID:  in.ClusterID,
				Operation:  in.Operation,
				CallerID:   in.Identity.CallerID,
				TierID:     string(in.Identity.TierID),
				Elevated:   in.Identity.IsElevated,
				Payload:    in.Payload,
				StatusCode: in.StatusCode,
			})
			if err != nil {
				return guardrail.Result{}, err
			}
			if !allowed {
				return guardrail.Deny("%s", reason), nil
			}
			return guardrail.Allow(), nil
		},
	}
}

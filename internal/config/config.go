// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/sekimon/internal/model"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
	DebugHeaders        bool // Expose resolved tier and elevation in response headers.

	// Identity settings.
	APIKeys           map[string]model.TierID // Raw API key -> tier.
	AdminAPIKeys      []string                // Keys that resolve to an elevated identity.
	KeyPepper         string                  // Secret mixed into API key digests.
	DefaultTier       model.TierID
	WalletTier        model.TierID // Tier for verified wallets the directory does not know.
	WalletMaxSkew     time.Duration
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	PassportTTL       time.Duration

	// Idempotency settings.
	IdempotencyBackend string // "memory", "redis" or "postgres".
	IdempotencyTTL     time.Duration
	RedisURL           string
	DatabaseURL        string
	NotifyURL          string // Direct connection for LISTEN/NOTIFY; defaults to DatabaseURL.

	// Control core settings.
	RateLimitBackend string // "memory" or "redis".
	ClusterLimits    model.RateLimits
	BreakerThreshold int
	BreakerReset     time.Duration

	// Guardrail settings.
	IdentityRateLimitRPS   float64
	IdentityRateLimitBurst int

	// Event bus settings.
	BusBreakerThreshold int
	BusBreakerReset     time.Duration
	KafkaBrokers        []string
	KafkaTopic          string

	// Billing settings.
	Currency   string
	LedgerPath string // SQLite DSN for the billing ledger; empty disables it.

	// Gateway settings.
	Clusters   map[string]string // Cluster ID -> upstream base URL.
	PolicyFile string
	Policy     Policy

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	cfg := Config{
		JWTPrivateKeyPath:  envStr("SEKIMON_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:   envStr("SEKIMON_JWT_PUBLIC_KEY", ""),
		KeyPepper:          envStr("SEKIMON_KEY_PEPPER", ""),
		DefaultTier:        model.TierID(envStr("SEKIMON_DEFAULT_TIER", string(model.TierSeed))),
		WalletTier:         model.TierID(envStr("SEKIMON_WALLET_TIER", string(model.TierBuilder))),
		IdempotencyBackend: envStr("SEKIMON_IDEMPOTENCY_BACKEND", "memory"),
		RedisURL:           envStr("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL:        envStr("DATABASE_URL", ""),
		NotifyURL:          envStr("NOTIFY_URL", ""),
		RateLimitBackend:   envStr("SEKIMON_RATE_LIMIT_BACKEND", "memory"),
		KafkaTopic:         envStr("SEKIMON_KAFKA_TOPIC", "sekimon.events"),
		Currency:           envStr("SEKIMON_CURRENCY", "USD"),
		LedgerPath:         envStr("SEKIMON_LEDGER_PATH", ""),
		PolicyFile:         envStr("SEKIMON_POLICY_FILE", ""),
		OTELEndpoint:       envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:        envStr("OTEL_SERVICE_NAME", "sekimon"),
		LogLevel:           envStr("SEKIMON_LOG_LEVEL", "info"),
		AdminAPIKeys:       envList("SEKIMON_ADMIN_API_KEYS"),
		KafkaBrokers:       envList("KAFKA_BROKERS"),
	}

	var err error
	cfg.Port, err = envInt("SEKIMON_PORT", 8080)
	collect(err)
	cfg.ReadTimeout, err = envDuration("SEKIMON_READ_TIMEOUT", 30*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("SEKIMON_WRITE_TIMEOUT", 60*time.Second)
	collect(err)
	maxBody, err := envInt("SEKIMON_MAX_REQUEST_BODY_BYTES", 16*1024*1024)
	collect(err)
	cfg.MaxRequestBodyBytes = int64(maxBody)
	cfg.DebugHeaders, err = envBool("SEKIMON_DEBUG_HEADERS", false)
	collect(err)
	cfg.WalletMaxSkew, err = envDuration("SEKIMON_WALLET_MAX_SKEW", 5*time.Minute)
	collect(err)
	cfg.PassportTTL, err = envDuration("SEKIMON_PASSPORT_TTL", 15*time.Minute)
	collect(err)
	cfg.IdempotencyTTL, err = envDuration("SEKIMON_IDEMPOTENCY_TTL", 24*time.Hour)
	collect(err)
	cfg.ClusterLimits.PerMinute, err = envInt("SEKIMON_CLUSTER_PER_MINUTE", 6000)
	collect(err)
	cfg.ClusterLimits.PerHour, err = envInt("SEKIMON_CLUSTER_PER_HOUR", 200000)
	collect(err)
	cfg.ClusterLimits.PerDay, err = envInt("SEKIMON_CLUSTER_PER_DAY", 2000000)
	collect(err)
	cfg.BreakerThreshold, err = envInt("SEKIMON_BREAKER_THRESHOLD", 5)
	collect(err)
	cfg.BreakerReset, err = envDuration("SEKIMON_BREAKER_RESET", 30*time.Second)
	collect(err)
	cfg.IdentityRateLimitRPS, err = envFloat("SEKIMON_IDENTITY_RPS", 20)
	collect(err)
	cfg.IdentityRateLimitBurst, err = envInt("SEKIMON_IDENTITY_BURST", 40)
	collect(err)
	cfg.BusBreakerThreshold, err = envInt("SEKIMON_BUS_BREAKER_THRESHOLD", 5)
	collect(err)
	cfg.BusBreakerReset, err = envDuration("SEKIMON_BUS_BREAKER_RESET", 10*time.Second)
	collect(err)
	cfg.OTELInsecure, err = envBool("OTEL_EXPORTER_OTLP_INSECURE", false)
	collect(err)
	cfg.APIKeys, err = parseAPIKeys(os.Getenv("SEKIMON_API_KEYS"))
	collect(err)
	cfg.Clusters, err = parseClusters(os.Getenv("SEKIMON_CLUSTERS"))
	collect(err)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	if cfg.NotifyURL == "" {
		cfg.NotifyURL = cfg.DatabaseURL
	}

	cfg.Policy = DefaultPolicy()
	if cfg.PolicyFile != "" {
		p, err := LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Policy = p
	}
	billable, err := parseBillable(os.Getenv("SEKIMON_BILLABLE_OPERATIONS"), cfg.Currency)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.Policy.Routes = append(billable, cfg.Policy.Routes...)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: SEKIMON_PORT must be between 1 and 65535")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: SEKIMON_MAX_REQUEST_BODY_BYTES must be positive")
	}
	switch c.IdempotencyBackend {
	case "memory", "redis":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required when SEKIMON_IDEMPOTENCY_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("config: SEKIMON_IDEMPOTENCY_BACKEND must be memory, redis or postgres (got %q)", c.IdempotencyBackend)
	}
	switch c.RateLimitBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: SEKIMON_RATE_LIMIT_BACKEND must be memory or redis (got %q)", c.RateLimitBackend)
	}
	if c.IdempotencyTTL <= 0 {
		return fmt.Errorf("config: SEKIMON_IDEMPOTENCY_TTL must be positive")
	}
	if c.BreakerThreshold <= 0 || c.BusBreakerThreshold <= 0 {
		return fmt.Errorf("config: breaker thresholds must be positive")
	}
	if c.BreakerReset <= 0 || c.BusBreakerReset <= 0 {
		return fmt.Errorf("config: breaker reset timeouts must be positive")
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	known := make(map[model.TierID]bool, len(c.Policy.Tiers))
	for _, t := range c.Policy.Tiers {
		known[t.ID] = true
	}
	if !known[c.DefaultTier] {
		return fmt.Errorf("config: SEKIMON_DEFAULT_TIER %q is not a configured tier", c.DefaultTier)
	}
	if !known[c.WalletTier] {
		return fmt.Errorf("config: SEKIMON_WALLET_TIER %q is not a configured tier", c.WalletTier)
	}
	for key, tier := range c.APIKeys {
		if !known[tier] {
			return fmt.Errorf("config: SEKIMON_API_KEYS maps key %s... to unknown tier %q", redactKey(key), tier)
		}
	}
	for id := range c.Clusters {
		if err := model.ValidateClusterID(id); err != nil {
			return fmt.Errorf("config: SEKIMON_CLUSTERS: %w", err)
		}
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseAPIKeys parses "key=TIER,key2=TIER2".
func parseAPIKeys(raw string) (map[string]model.TierID, error) {
	keys := make(map[string]model.TierID)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, tier, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" || strings.TrimSpace(tier) == "" {
			return nil, fmt.Errorf("SEKIMON_API_KEYS entry %q must look like key=TIER", redactKey(pair))
		}
		keys[strings.TrimSpace(k)] = model.TierID(strings.ToUpper(strings.TrimSpace(tier)))
	}
	return keys, nil
}

// parseClusters parses "cluster=https://upstream,cluster2=http://other".
func parseClusters(raw string) (map[string]string, error) {
	clusters := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, upstream, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("SEKIMON_CLUSTERS entry %q must look like id=url", pair)
		}
		u, err := url.Parse(strings.TrimSpace(upstream))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("SEKIMON_CLUSTERS entry %q has an invalid upstream URL", pair)
		}
		clusters[strings.TrimSpace(id)] = u.String()
	}
	return clusters, nil
}

// parseBillable parses "operation=amount,..." into billable route policies.
func parseBillable(raw, currency string) ([]RoutePolicy, error) {
	var routes []RoutePolicy
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		op, amount, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("SEKIMON_BILLABLE_OPERATIONS entry %q must look like operation=amount", pair)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(amount), 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("SEKIMON_BILLABLE_OPERATIONS entry %q has an invalid amount", pair)
		}
		routes = append(routes, RoutePolicy{
			Cluster:      "*",
			Operation:    strings.TrimSpace(op),
			RequiredTier: model.TierBuilder,
			Feature:      model.FeatureBillable,
			Price:        n,
			Currency:     currency,
		})
	}
	return routes, nil
}

func redactKey(k string) string {
	if len(k) <= 4 {
		return "****"
	}
	return k[:4]
}

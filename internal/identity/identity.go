// Package identity turns request credentials into a CallerIdentity.
//
// Credentials are tried in order: passport bearer token, API key, wallet
// signature. The first valid one wins. Invalid or absent credentials never
// produce an error; the caller resolves to the default tier and the gates
// downstream decide whether that is enough.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/sekimon/internal/auth"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/tier"
)

// Credential headers.
const (
	HeaderAuthorization   = "Authorization"
	HeaderAPIKey          = "X-API-Key"
	HeaderWalletAddress   = "X-Wallet-Address"
	HeaderWalletSignature = "X-Wallet-Signature"
	HeaderWalletTimestamp = "X-Wallet-Timestamp"
)

// WalletDirectory maps verified wallet addresses to tiers. ok=false means
// the wallet is unknown and gets the configured wallet tier.
type WalletDirectory interface {
	TierForWallet(ctx context.Context, address string) (tierID model.TierID, ok bool, err error)
}

// Config holds the static credential table.
type Config struct {
	APIKeys       map[string]model.TierID
	AdminKeys     []string
	Pepper        string
	DefaultTier   model.TierID
	WalletTier    model.TierID
	WalletMaxSkew time.Duration
}

type keyEntry struct {
	digest   string
	callerID string
	tierID   model.TierID
	elevated bool
}

// Resolver is immutable after construction and safe for concurrent use.
type Resolver struct {
	tiers      *tier.Registry
	digester   *auth.KeyDigester
	keys       []keyEntry
	passports  *auth.JWTManager
	wallets    WalletDirectory
	fallback   model.CallerIdentity
	walletTier model.TierID
	maxSkew    time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithPassports enables passport bearer tokens.
func WithPassports(m *auth.JWTManager) Option { return func(r *Resolver) { r.passports = m } }

// WithWalletDirectory enables per-wallet tiers.
func WithWalletDirectory(d WalletDirectory) Option { return func(r *Resolver) { r.wallets = d } }

// WithClock replaces time.Now for wallet timestamp checks.
func WithClock(now func() time.Time) Option { return func(r *Resolver) { r.now = now } }

// NewResolver digests the configured keys and checks every referenced tier
// exists. Raw keys are not retained.
func NewResolver(cfg Config, tiers *tier.Registry, logger *slog.Logger, opts ...Option) (*Resolver, error) {
	digester, err := auth.NewKeyDigester(cfg.Pepper)
	if err != nil {
		return nil, err
	}
	def, err := tiers.Lookup(cfg.DefaultTier)
	if err != nil {
		return nil, fmt.Errorf("identity: default tier: %w", err)
	}
	walletTier := cfg.WalletTier
	if walletTier == "" {
		walletTier = def.ID
	}
	if _, err := tiers.Lookup(walletTier); err != nil {
		return nil, fmt.Errorf("identity: wallet tier: %w", err)
	}
	maxSkew := cfg.WalletMaxSkew
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}

	r := &Resolver{
		tiers:    tiers,
		digester: digester,
		fallback: model.CallerIdentity{
			CallerID: model.AnonymousCallerID,
			TierID:   def.ID,
			Tier:     def,
			Source:   model.SourceDefault,
		},
		walletTier: walletTier,
		maxSkew:    maxSkew,
		now:        time.Now,
		logger:     logger,
	}
	for key, tierID := range cfg.APIKeys {
		t, err := tiers.Lookup(tierID)
		if err != nil {
			return nil, fmt.Errorf("identity: api key %s: %w", digester.Fingerprint(key), err)
		}
		r.keys = append(r.keys, keyEntry{digest: digester.Digest(key), callerID: digester.Fingerprint(key), tierID: t.ID})
	}
	top := tiers.Highest()
	for _, key := range cfg.AdminKeys {
		r.keys = append(r.keys, keyEntry{digest: digester.Digest(key), callerID: digester.Fingerprint(key), tierID: top.ID, elevated: true})
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Default returns the identity assigned when no credential resolves.
func (r *Resolver) Default() model.CallerIdentity { return r.fallback }

// Resolve returns the caller identity for the request headers.
func (r *Resolver) Resolve(ctx context.Context, h http.Header) model.CallerIdentity {
	if token, ok := bearer(h.Get(HeaderAuthorization)); ok {
		if id, ok := r.fromPassport(token); ok {
			return id
		}
	}
	if key := strings.TrimSpace(h.Get(HeaderAPIKey)); key != "" {
		if id, ok := r.fromAPIKey(key); ok {
			return id
		}
	}
	if addr := strings.TrimSpace(h.Get(HeaderWalletAddress)); addr != "" {
		if id, ok := r.fromWallet(ctx, addr, h.Get(HeaderWalletSignature), h.Get(HeaderWalletTimestamp)); ok {
			return id
		}
	}
	return r.fallback
}

func bearer(v string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(v), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (r *Resolver) fromPassport(token string) (model.CallerIdentity, bool) {
	if r.passports == nil {
		return model.CallerIdentity{}, false
	}
	claims, err := r.passports.ValidatePassport(token)
	if err != nil {
		r.logger.Debug("identity: passport rejected", "error", err)
		return model.CallerIdentity{}, false
	}
	t, err := r.tiers.Lookup(claims.TierID)
	if err != nil {
		r.logger.Warn("identity: passport names unknown tier", "caller_id", claims.CallerID, "tier_id", claims.TierID)
		return model.CallerIdentity{}, false
	}
	return model.CallerIdentity{
		CallerID:   claims.CallerID,
		TierID:     t.ID,
		Tier:       t,
		Source:     model.SourcePassport,
		IsElevated: claims.Elevated,
	}, true
}

// fromAPIKey compares against every configured digest so timing does not
// depend on which key matched.
func (r *Resolver) fromAPIKey(key string) (model.CallerIdentity, bool) {
	digest := r.digester.Digest(key)
	match := -1
	for i, e := range r.keys {
		if auth.Equal(digest, e.digest) && match < 0 {
			match = i
		}
	}
	if match < 0 {
		r.logger.Debug("identity: unknown api key", "fingerprint", r.digester.Fingerprint(key))
		return model.CallerIdentity{}, false
	}
	e := r.keys[match]
	t, _ := r.tiers.Lookup(e.tierID)
	return model.CallerIdentity{
		CallerID:   e.callerID,
		TierID:     t.ID,
		Tier:       t,
		Source:     model.SourceAPIKey,
		IsElevated: e.elevated,
	}, true
}

func (r *Resolver) fromWallet(ctx context.Context, address, signature, timestamp string) (model.CallerIdentity, bool) {
	if err := auth.VerifyWallet(address, signature, timestamp, r.now(), r.maxSkew); err != nil {
		r.logger.Debug("identity: wallet rejected", "error", err)
		return model.CallerIdentity{}, false
	}
	addr := auth.NormalizeWallet(address)
	tierID := r.walletTier
	if r.wallets != nil {
		switch found, ok, err := r.wallets.TierForWallet(ctx, addr); {
		case err != nil:
			r.logger.Warn("identity: wallet directory lookup failed", "wallet", addr, "error", err)
		case ok:
			tierID = found
		}
	}
	t, err := r.tiers.Lookup(tierID)
	if err != nil {
		r.logger.Warn("identity: wallet directory returned unknown tier", "wallet", addr, "tier_id", tierID)
		if t, err = r.tiers.Lookup(r.walletTier); err != nil {
			return model.CallerIdentity{}, false
		}
	}
	return model.CallerIdentity{
		CallerID: "wallet_" + addr,
		TierID:   t.ID,
		Tier:     t,
		Source:   model.SourceWallet,
	}, true
}

type contextKey struct{}

// NewContext stores id in ctx.
func NewContext(ctx context.Context, id model.CallerIdentity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored in ctx.
func FromContext(ctx context.Context) (model.CallerIdentity, bool) {
	id, ok := ctx.Value(contextKey{}).(model.CallerIdentity)
	return id, ok
}

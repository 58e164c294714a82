package sekimon

import (
	"context"
	"net/http"
)

// Charger settles a confirmed billable action with the payment backend.
// When provided via WithCharger, replaces the logging charger. A returned
// error marks the action failed; it is never retried.
type Charger interface {
	Charge(ctx context.Context, c Charge) error
}

// BalanceService reports a caller's remaining balance in minor units of
// currency. When provided via WithBalanceService, the cost gate guardrail
// denies billable operations the caller cannot afford.
type BalanceService interface {
	Balance(ctx context.Context, callerID, currency string) (int64, error)
}

// WalletDirectory maps verified wallet addresses to tier ids. ok=false means
// the wallet is unknown and gets the configured wallet tier.
type WalletDirectory interface {
	TierForWallet(ctx context.Context, address string) (tierID string, ok bool, err error)
}

// EventHook receives every event published on the bus.
// Multiple hooks may be registered via multiple WithEventHook calls.
// A returned error counts as a delivery failure toward the bus breaker.
type EventHook interface {
	OnEvent(ctx context.Context, e Event) error
}

// Guardrail is a custom check run in the given stage. Returning
// allowed=false denies the operation with reason; an error denies it as a
// guardrail failure. Observe rules run after the blocking ones and their
// outcome is only recorded, never enforced.
type Guardrail struct {
	ID      string
	Stage   string // StageInput or StageOutput
	Observe bool
	// Priority orders rules within their group, lower first. Nil runs
	// after the built-in rules.
	Priority *int
	Check    func(ctx context.Context, in GuardrailInput) (allowed bool, reason string, err error)
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// requireElevated wraps a handler so only elevated callers reach it.
type RouteRegistrar func(mux *http.ServeMux, requireElevated func(http.Handler) http.Handler)

// Middleware wraps the root HTTP handler. Applied outermost, so it sees all
// requests including /health. The first-registered middleware is outermost.
type Middleware func(http.Handler) http.Handler

package guardrail

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/sekimon/internal/ratelimit"
)

// Built-in rule ids.
const (
	RuleCostGate          = "cost_gate"
	RuleIdentityRateLimit = "identity_rate_limit"
	RulePayloadSize       = "payload_size"
	RuleElevatedObserver  = "elevated_observer"
	RuleUpstreamStatus    = "upstream_status"
)

// BalanceService answers balance queries for the cost gate. Amounts are in
// minor currency units.
type BalanceService interface {
	Balance(ctx context.Context, callerID, currency string) (int64, error)
}

// CostGate denies input when the caller's balance is below the estimated
// cost. Unlike every other blocking rule it fails open: a balance lookup
// error allows the operation and is reported as a warning, so a balance
// service outage does not stop all traffic. Concurrent lookups for the same
// caller share one call.
func CostGate(balances BalanceService, priority int, logger *slog.Logger) Rule {
	var group singleflight.Group
	return Rule{
		ID:       RuleCostGate,
		Type:     Input,
		Blocking: true,
		Priority: priority,
		Check: func(ctx context.Context, in Context) (Result, error) {
			if in.EstimatedCost <= 0 {
				return Allow(), nil
			}
			key := in.Identity.CallerID + "|" + in.Currency
			v, err, _ := group.Do(key, func() (any, error) {
				return balances.Balance(ctx, in.Identity.CallerID, in.Currency)
			})
			if err != nil {
				logger.Warn("guardrail: balance lookup failed, allowing",
					"caller_id", in.Identity.CallerID, "error", err)
				return Result{Allowed: true, Reason: "balance unavailable; cost gate skipped"}, nil
			}
			if balance := v.(int64); balance < in.EstimatedCost {
				return Deny("insufficient balance: %d %s available, %d required",
					balance, in.Currency, in.EstimatedCost), nil
			}
			return Allow(), nil
		},
	}
}

// IdentityRateLimit throttles each caller independently of the cluster
// quotas kept by the control core. Elevated callers are exempt.
func IdentityRateLimit(limiter ratelimit.Limiter, priority int) Rule {
	return Rule{
		ID:       RuleIdentityRateLimit,
		Type:     Input,
		Blocking: true,
		Priority: priority,
		Check: func(ctx context.Context, in Context) (Result, error) {
			if in.Identity.IsElevated {
				return Allow(), nil
			}
			ok, err := limiter.Allow(ctx, "identity:"+in.Identity.CallerID)
			if err != nil {
				return Result{}, fmt.Errorf("identity rate limit: %w", err)
			}
			if !ok {
				return Deny("identity %s exceeded its request rate", in.Identity.CallerID), nil
			}
			return Allow(), nil
		},
	}
}

// PayloadSize denies input larger than the caller tier's payload ceiling.
// A zero ceiling is unlimited.
func PayloadSize(priority int) Rule {
	return Rule{
		ID:       RulePayloadSize,
		Type:     Input,
		Blocking: true,
		Priority: priority,
		Check: func(_ context.Context, in Context) (Result, error) {
			limit := in.Identity.Tier.MaxPayloadBytes
			if limit > 0 && int64(len(in.Payload)) > limit {
				return Deny("payload of %d bytes exceeds the %d byte limit of tier %s",
					len(in.Payload), limit, in.Identity.TierID), nil
			}
			return Allow(), nil
		},
	}
}

// ElevatedObserver flags every operation performed by an elevated caller.
func ElevatedObserver(priority int) Rule {
	return Rule{
		ID:       RuleElevatedObserver,
		Type:     Input,
		Priority: priority,
		Check: func(_ context.Context, in Context) (Result, error) {
			if in.Identity.IsElevated {
				return Deny("elevated caller %s invoked %s/%s", in.Identity.CallerID, in.ClusterID, in.Operation), nil
			}
			return Allow(), nil
		},
	}
}

// UpstreamStatus flags upstream server errors in the output stage.
func UpstreamStatus(priority int) Rule {
	return Rule{
		ID:       RuleUpstreamStatus,
		Type:     Output,
		Priority: priority,
		Check: func(_ context.Context, in Context) (Result, error) {
			if in.StatusCode >= http.StatusInternalServerError {
				return Deny("upstream returned %d", in.StatusCode), nil
			}
			return Allow(), nil
		},
	}
}

package model

import (
	"fmt"
	"time"
)

// Field length limits for identifiers that arrive in URL paths and headers.
const (
	MaxClusterIDLen      = 128
	MaxOperationLen      = 256
	MaxIdempotencyKeyLen = 255
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
// RequestID is the resolved trace id so callers can quote it when reporting failures.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput           = "invalid_input"
	ErrCodeNotFound               = "not_found"
	ErrCodeConflict               = "conflict"
	ErrCodeInternalError          = "internal_error"
	ErrCodeOperationBlocked       = "operation_blocked"
	ErrCodeInsufficientTier       = "insufficient_tier"
	ErrCodeFeatureNotAvailable    = "feature_not_available"
	ErrCodePassportRequired       = "passport_required"
	ErrCodeIdempotencyKeyRequired = "idempotency_key_required"
	ErrCodeIdempotencyKeyMismatch = "idempotency_key_mismatch"
	ErrCodeDuplicateRequest       = "duplicate_request"
	ErrCodeChargeAlreadyProcessed = "charge_already_processed"
	ErrCodeChargeFailed           = "charge_failed"
	ErrCodeIdempotencyInternal    = "idempotency_internal_error"
	ErrCodeGuardrailError         = "guardrail_error"
	ErrCodeGuardrailBlocked       = "guardrail_blocked"
	ErrCodeUnknownCluster         = "unknown_cluster"
	ErrCodeUpstreamUnavailable    = "upstream_unavailable"
	ErrCodeCapabilityNotFound     = "capability_not_found"
	ErrCodeCapabilityDenied       = "capability_denied"
	ErrCodeElevatedCallerRequired = "elevated_caller_required"
)

// KillSwitchRequest is the request body for PUT /admin/killswitch and
// PUT /admin/clusters/{cluster_id}/killswitch.
type KillSwitchRequest struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason,omitempty"`
}

// CheckPermissionRequest is the request body for POST /v1/capabilities/{server_id}/check.
type CheckPermissionRequest struct {
	AgentID    string  `json:"agent_id"`
	IdentityID string  `json:"identity_id,omitempty"`
	TierID     *TierID `json:"tier_id,omitempty"`
}

// PassportResponse is the response for POST /v1/passport.
type PassportResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	CallerID  string    `json:"caller_id"`
	TierID    TierID    `json:"tier_id"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status           string `json:"status"`
	Version          string `json:"version"`
	GlobalKillSwitch bool   `json:"global_kill_switch"`
	BusCircuit       string `json:"bus_circuit"`
	Idempotency      string `json:"idempotency"` // Backend name, suffixed with ":unreachable" when its ping fails.
	EventSubscribers int    `json:"event_subscribers"`
	Uptime           int64  `json:"uptime_seconds"`
}

// ValidateClusterID checks that a cluster ID conforms to the allowed format.
// Cluster IDs must be 1-128 ASCII characters: alphanumeric, dots, hyphens
// and underscores.
func ValidateClusterID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("cluster_id is required")
	}
	if len(id) > MaxClusterIDLen {
		return fmt.Errorf("cluster_id must be at most %d characters", MaxClusterIDLen)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' {
			return fmt.Errorf("cluster_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// ValidateIdempotencyKey rejects keys that are too long or contain control characters.
func ValidateIdempotencyKey(key string) error {
	if len(key) > MaxIdempotencyKeyLen {
		return fmt.Errorf("idempotency key must be at most %d characters", MaxIdempotencyKeyLen)
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x20 || key[i] == 0x7f {
			return fmt.Errorf("idempotency key contains a control character at position %d", i)
		}
	}
	return nil
}

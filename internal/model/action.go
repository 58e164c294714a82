package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActionStatus is the lifecycle state of a BillableAction. Transitions only
// move forward: pending -> confirmed -> charged|failed, or pending -> failed.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionConfirmed ActionStatus = "confirmed"
	ActionCharged   ActionStatus = "charged"
	ActionFailed    ActionStatus = "failed"
)

// BillableAction is one reserved charge. Amount is in minor currency units.
// Actions are never deleted; they form the billing audit trail.
type BillableAction struct {
	ID             uuid.UUID       `json:"id"`
	TraceID        string          `json:"trace_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	CallerID       string          `json:"caller_id,omitempty"`
	Action         string          `json:"action"`
	Amount         int64           `json:"amount"`
	Currency       string          `json:"currency"`
	Digest         string          `json:"digest"`
	Status         ActionStatus    `json:"status"`
	FailureReason  string          `json:"failure_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ConfirmedAt    *time.Time      `json:"confirmed_at,omitempty"`
	ChargedAt      *time.Time      `json:"charged_at,omitempty"`
	Response       json.RawMessage `json:"response,omitempty"`
}

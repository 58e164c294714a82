package model

import (
	"time"

	"github.com/google/uuid"
)

// AccessAudit records a granted tier or feature check.
type AccessAudit struct {
	ID           uuid.UUID `json:"id"`
	TraceID      string    `json:"trace_id,omitempty"`
	Resource     string    `json:"resource"`
	IdentityID   string    `json:"identity_id"`
	TierID       TierID    `json:"tier_id"`
	RequiredTier TierID    `json:"required_tier,omitempty"`
	Feature      string    `json:"feature,omitempty"`
	Source       string    `json:"source"`
	CreatedAt    time.Time `json:"created_at"`
}

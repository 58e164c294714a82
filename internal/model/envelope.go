package model

import "time"

// Severity levels for event envelopes.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Event types published by the control plane.
const (
	EventControlBlocked           = "Control.Blocked"
	EventControlKillSwitchChanged = "Control.KillSwitchChanged"
	EventControlCircuitOpened     = "Control.CircuitOpened"
	EventControlCircuitClosed     = "Control.CircuitClosed"
	EventGuardrailPassed          = "Guardrail.Passed"
	EventGuardrailBlocked         = "Guardrail.Blocked"
	EventPassportGranted          = "Passport.Granted"
	EventPassportDenied           = "Passport.Denied"
	EventBillingReserved          = "Billing.Reserved"
	EventBillingCharged           = "Billing.Charged"
	EventBillingFailed            = "Billing.Failed"
	EventCapabilityRegistered     = "Capability.Registered"
	EventCapabilityUnregistered   = "Capability.Unregistered"
)

// EventActor identifies who caused an event.
type EventActor struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	IsSystem bool   `json:"is_system"`
}

// EventTarget identifies what an event is about.
type EventTarget struct {
	Type string `json:"type,omitempty"`
	ID   string `json:"id,omitempty"`
}

// EventRouting carries optional delivery hints for downstream forwarders.
type EventRouting struct {
	Topic        string `json:"topic,omitempty"`
	PartitionKey string `json:"partition_key,omitempty"`
}

// EventEnvelope is the immutable record published on the event bus. It is the
// only contract shared with subscriber subsystems.
type EventEnvelope struct {
	EventType     string         `json:"event_type"`
	EventID       string         `json:"event_id"`
	CorrelationID string         `json:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source"`
	Actor         EventActor     `json:"actor"`
	Target        EventTarget    `json:"target"`
	Severity      string         `json:"severity"`
	Payload       any            `json:"payload"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Routing       *EventRouting  `json:"routing,omitempty"`
}

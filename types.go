package sekimon

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Charge is the public view of a billable action handed to a Charger.
// Amount is in minor currency units.
type Charge struct {
	ActionID       uuid.UUID
	TraceID        string
	IdempotencyKey string
	CallerID       string
	Action         string
	Amount         int64
	Currency       string
}

// Event is the public view of an event bus envelope handed to an EventHook.
type Event struct {
	Type          string
	ID            string
	CorrelationID string
	Source        string
	Severity      string
	ActorID       string
	TargetType    string
	TargetID      string
	Timestamp     time.Time
	// Payload is the envelope payload encoded as JSON.
	Payload json.RawMessage
}

// Guardrail stages.
const (
	StageInput  = "input"
	StageOutput = "output"
)

// GuardrailInput is what a Guardrail sees for one operation. In the input
// stage Payload is the request body; in the output stage it is the upstream
// response body and StatusCode is set.
type GuardrailInput struct {
	TraceID    string
	ClusterID  string
	Operation  string
	CallerID   string
	TierID     string
	Elevated   bool
	Payload    []byte
	StatusCode int
}

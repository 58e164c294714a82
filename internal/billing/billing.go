// Package billing coordinates two-phase charging of billable operations.
//
// Phase one (ReserveCharge) creates a pending action for an idempotency key,
// or replays the live action already holding that key. Phase two
// (ConfirmAndCharge) confirms that the response exists, takes the charge
// and, only when the charge succeeded, stores the response for idempotent
// replay. For a given key at most one action ever reaches charged.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/sekimon/internal/correlation"
	"github.com/ashita-ai/sekimon/internal/idempotency"
	"github.com/ashita-ai/sekimon/internal/integrity"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/telemetry"
)

// Sentinel errors.
var (
	ErrKeyRequired    = errors.New("billing: idempotency key required")
	ErrUnknownAction  = errors.New("billing: unknown action")
	ErrActionFailed   = errors.New("billing: action already failed")
	ErrAlreadyCharged = errors.New("billing: action already charged")
	ErrChargeFailed   = errors.New("billing: charge failed")
	ErrDigestMismatch = errors.New("billing: idempotency key reused for a different charge")
)

// ResponseStore persists the final response for idempotent replay.
type ResponseStore interface {
	StoreResponse(ctx context.Context, key string, resp idempotency.Response, ttl time.Duration) error
}

// Publisher receives billing events.
type Publisher interface {
	Publish(ctx context.Context, env model.EventEnvelope) error
}

// ReserveRequest is the input to ReserveCharge. IdempotencyKey should
// already be scoped to the caller.
type ReserveRequest struct {
	IdempotencyKey string
	CallerID       string
	Action         string
	Amount         int64
	Currency       string
	TraceID        string
}

// Reservation is the outcome of ReserveCharge. A fresh action has
// Replay=false and Reserved=true. A replay has Replay=true and Reserved
// reports whether the earlier action was confirmed or charged.
type Reservation struct {
	ActionID uuid.UUID          `json:"action_id"`
	Reserved bool               `json:"reserved"`
	Replay   bool               `json:"replay"`
	Status   model.ActionStatus `json:"status"`
}

// ChargeResult is the outcome of ConfirmAndCharge.
type ChargeResult struct {
	Charged bool               `json:"charged"`
	Status  model.ActionStatus `json:"status"`
}

type entry struct {
	// phase2 serializes ConfirmAndCharge and Abort for one action so the
	// charge is attempted at most once. Never held together with
	// Coordinator.mu for longer than a status read.
	phase2 sync.Mutex
	action model.BillableAction // guarded by Coordinator.mu
}

// Coordinator is safe for concurrent use. Action state lives in memory for
// the life of the process; the ledger keeps the transition history.
type Coordinator struct {
	charger   Charger
	ledger    Ledger
	responses ResponseStore
	ttl       time.Duration
	logger    *slog.Logger
	events    Publisher
	metrics   *telemetry.Instruments
	now       func() time.Time

	mu      sync.Mutex
	actions map[uuid.UUID]*entry
	byKey   map[string]uuid.UUID // idempotency key -> latest action
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithLedger records every transition.
func WithLedger(l Ledger) Option { return func(c *Coordinator) { c.ledger = l } }

// WithResponseStore stores responses of charged actions for ttl.
func WithResponseStore(s ResponseStore, ttl time.Duration) Option {
	return func(c *Coordinator) { c.responses, c.ttl = s, ttl }
}

// WithPublisher emits Billing.* events.
func WithPublisher(p Publisher) Option { return func(c *Coordinator) { c.events = p } }

// WithInstruments records charge outcomes.
func WithInstruments(m *telemetry.Instruments) Option { return func(c *Coordinator) { c.metrics = m } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

// NewCoordinator creates a coordinator. A nil charger falls back to LogCharger.
func NewCoordinator(charger Charger, logger *slog.Logger, opts ...Option) *Coordinator {
	if charger == nil {
		charger = LogCharger{Logger: logger}
	}
	c := &Coordinator{
		charger: charger,
		logger:  logger,
		now:     time.Now,
		actions: make(map[uuid.UUID]*entry),
		byKey:   make(map[string]uuid.UUID),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Digest is the content digest of a charge.
func Digest(idempotencyKey, action string, amount int64) string {
	return integrity.ChargeDigest(idempotencyKey, action, amount)
}

// ReserveCharge is phase one. If a non-failed action already holds the key
// it is returned as a replay and nothing new is reserved; a failed action
// frees the key for a new reservation.
func (c *Coordinator) ReserveCharge(ctx context.Context, req ReserveRequest) (Reservation, error) {
	if req.IdempotencyKey == "" {
		return Reservation{}, ErrKeyRequired
	}
	if req.Amount < 0 {
		return Reservation{}, fmt.Errorf("billing: negative amount %d", req.Amount)
	}
	digest := Digest(req.IdempotencyKey, req.Action, req.Amount)

	c.mu.Lock()
	if id, ok := c.byKey[req.IdempotencyKey]; ok {
		prior := c.actions[id].action
		if prior.Status != model.ActionFailed {
			c.mu.Unlock()
			if !integrity.Verify(prior.Digest, digest) {
				return Reservation{}, fmt.Errorf("%w: action %s", ErrDigestMismatch, prior.ID)
			}
			return Reservation{
				ActionID: prior.ID,
				Reserved: prior.Status == model.ActionCharged || prior.Status == model.ActionConfirmed,
				Replay:   true,
				Status:   prior.Status,
			}, nil
		}
	}
	a := model.BillableAction{
		ID:             uuid.New(),
		TraceID:        req.TraceID,
		IdempotencyKey: req.IdempotencyKey,
		CallerID:       req.CallerID,
		Action:         req.Action,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Digest:         digest,
		Status:         model.ActionPending,
		CreatedAt:      c.now().UTC(),
	}
	c.actions[a.ID] = &entry{action: a}
	c.byKey[req.IdempotencyKey] = a.ID
	c.mu.Unlock()

	c.appendLedger(ctx, a)
	c.publish(ctx, model.EventBillingReserved, a, model.SeverityLow)
	return Reservation{ActionID: a.ID, Reserved: true, Status: a.Status}, nil
}

// ConfirmAndCharge is phase two. An already charged action reports success
// without charging again; a failed action returns ErrActionFailed. A charger
// error fails the action permanently and returns ErrChargeFailed.
func (c *Coordinator) ConfirmAndCharge(ctx context.Context, actionID uuid.UUID, resp idempotency.Response) (ChargeResult, error) {
	e, err := c.entry(actionID)
	if err != nil {
		return ChargeResult{}, err
	}
	e.phase2.Lock()
	defer e.phase2.Unlock()

	c.mu.Lock()
	switch e.action.Status {
	case model.ActionCharged:
		c.mu.Unlock()
		return ChargeResult{Charged: true, Status: model.ActionCharged}, nil
	case model.ActionFailed:
		c.mu.Unlock()
		return ChargeResult{Status: model.ActionFailed}, fmt.Errorf("%w: %s", ErrActionFailed, actionID)
	}
	confirmedAt := c.now().UTC()
	e.action.Status = model.ActionConfirmed
	e.action.ConfirmedAt = &confirmedAt
	e.action.Response = responseJSON(resp.Body)
	confirmed := e.action
	c.mu.Unlock()
	c.appendLedger(ctx, confirmed)

	if chargeErr := c.charge(ctx, confirmed); chargeErr != nil {
		failed := c.transition(actionID, func(a *model.BillableAction) {
			a.Status = model.ActionFailed
			a.FailureReason = chargeErr.Error()
		})
		c.appendLedger(ctx, failed)
		c.record(ctx, model.ActionFailed)
		c.publish(ctx, model.EventBillingFailed, failed, model.SeverityHigh)
		c.logger.Error("billing: charge failed", "action_id", actionID, "error", chargeErr)
		return ChargeResult{Status: model.ActionFailed}, fmt.Errorf("%w: %v", ErrChargeFailed, chargeErr)
	}

	charged := c.transition(actionID, func(a *model.BillableAction) {
		chargedAt := c.now().UTC()
		a.Status = model.ActionCharged
		a.ChargedAt = &chargedAt
	})
	c.appendLedger(ctx, charged)
	c.record(ctx, model.ActionCharged)
	c.publish(ctx, model.EventBillingCharged, charged, model.SeverityLow)

	if c.responses != nil {
		if err := c.responses.StoreResponse(ctx, charged.IdempotencyKey, resp, c.ttl); err != nil {
			// The charge stands; replays will see the key as in progress
			// until it expires.
			c.logger.Error("billing: store response after charge", "action_id", actionID, "error", err)
		}
	}
	return ChargeResult{Charged: true, Status: model.ActionCharged}, nil
}

// charge calls the charger, turning a panic into an error so a confirmed
// action is always resolved to charged or failed.
func (c *Coordinator) charge(ctx context.Context, a model.BillableAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("charger panicked: %v", r)
		}
	}()
	return c.charger.Charge(ctx, a)
}

// Abort fails a pending action whose response was never produced, freeing
// its key for a later reservation. Aborting a failed action is a no-op.
func (c *Coordinator) Abort(ctx context.Context, actionID uuid.UUID, reason string) error {
	e, err := c.entry(actionID)
	if err != nil {
		return err
	}
	e.phase2.Lock()
	defer e.phase2.Unlock()

	c.mu.Lock()
	switch e.action.Status {
	case model.ActionFailed:
		c.mu.Unlock()
		return nil
	case model.ActionCharged, model.ActionConfirmed:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyCharged, actionID)
	}
	e.action.Status = model.ActionFailed
	e.action.FailureReason = reason
	failed := e.action
	c.mu.Unlock()

	c.appendLedger(ctx, failed)
	c.record(ctx, model.ActionFailed)
	c.publish(ctx, model.EventBillingFailed, failed, model.SeverityMedium)
	return nil
}

// Get returns a copy of the action.
func (c *Coordinator) Get(actionID uuid.UUID) (model.BillableAction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.actions[actionID]
	if !ok {
		return model.BillableAction{}, false
	}
	return e.action, true
}

// History returns the ledger rows of an action, or nil without a ledger.
func (c *Coordinator) History(ctx context.Context, actionID uuid.UUID) ([]model.BillableAction, error) {
	if c.ledger == nil {
		return nil, nil
	}
	return c.ledger.History(ctx, actionID)
}

func (c *Coordinator) entry(id uuid.UUID) (*entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.actions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, id)
	}
	return e, nil
}

func (c *Coordinator) transition(id uuid.UUID, fn func(a *model.BillableAction)) model.BillableAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.actions[id]
	fn(&e.action)
	return e.action
}

// responseJSON keeps JSON bodies as-is and wraps anything else as a string.
func responseJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(append([]byte(nil), body...))
	}
	b, _ := json.Marshal(string(body))
	return b
}

func (c *Coordinator) appendLedger(ctx context.Context, a model.BillableAction) {
	if c.ledger == nil {
		return
	}
	if err := c.ledger.Append(context.WithoutCancel(ctx), a); err != nil {
		c.logger.Error("billing: ledger append failed", "action_id", a.ID, "status", a.Status, "error", err)
	}
}

func (c *Coordinator) record(ctx context.Context, status model.ActionStatus) {
	if c.metrics == nil {
		return
	}
	c.metrics.Charges.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (c *Coordinator) publish(ctx context.Context, eventType string, a model.BillableAction, severity string) {
	if c.events == nil {
		return
	}
	a.Response = nil
	env := model.EventEnvelope{
		EventType:     eventType,
		EventID:       uuid.NewString(),
		CorrelationID: a.TraceID,
		Timestamp:     c.now().UTC(),
		Source:        "billing",
		Actor:         model.EventActor{ID: a.CallerID, Type: "caller"},
		Target:        model.EventTarget{Type: "billable_action", ID: a.ID.String()},
		Severity:      severity,
		Payload:       a,
	}
	if env.CorrelationID == "" {
		env.CorrelationID = correlation.FromContext(ctx).TraceID
	}
	if err := c.events.Publish(ctx, env); err != nil {
		c.logger.Debug("billing: event publish failed", "event_type", eventType, "error", err)
	}
}

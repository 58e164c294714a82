package billing

import (
	"context"
	"log/slog"

	"github.com/ashita-ai/sekimon/internal/model"
)

// Charger takes the actual payment for a confirmed action. It may be slow.
// A returned error is terminal for the action.
type Charger interface {
	Charge(ctx context.Context, action model.BillableAction) error
}

// ChargerFunc adapts a function to Charger.
type ChargerFunc func(ctx context.Context, action model.BillableAction) error

// Charge calls f.
func (f ChargerFunc) Charge(ctx context.Context, action model.BillableAction) error { return f(ctx, action) }

// LogCharger records charges in the log only. It is the default when no
// payment backend is wired in.
type LogCharger struct {
	Logger *slog.Logger
}

// Charge implements Charger.
func (c LogCharger) Charge(_ context.Context, a model.BillableAction) error {
	c.Logger.Info("billing: charge",
		"action_id", a.ID,
		"caller_id", a.CallerID,
		"action", a.Action,
		"amount", a.Amount,
		"currency", a.Currency,
		"trace_id", a.TraceID)
	return nil
}

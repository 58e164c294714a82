// Package guardrail runs priority-ordered rule pipelines before and after
// governed operations.
//
// Blocking rules run first, in order, and the first denial ends the
// evaluation. A blocking rule that errors or panics denies the whole
// evaluation with reason guardrail_error (fail closed). Non-blocking rules
// then run for observation only: their denials become warnings and their
// errors are logged and dropped (fail open). The cost gate is the one
// blocking rule that fails open, see CostGate.
package guardrail

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/sekimon/internal/correlation"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/telemetry"
)

// Type selects the stage a rule runs at.
type Type string

const (
	Input  Type = "input"
	Output Type = "output"
)

// Context is what rules inspect. Output rules additionally see the
// upstream status code and response body in Payload.
type Context struct {
	TraceID       string
	Identity      model.CallerIdentity
	ClusterID     string
	Operation     string
	Payload       []byte
	StatusCode    int
	EstimatedCost int64
	Currency      string
	Metadata      map[string]any
}

// Result is a single rule outcome. A passing result may carry a Reason,
// which is surfaced as a warning.
type Result struct {
	Allowed bool
	Reason  string
}

// Allow is the passing result.
func Allow() Result { return Result{Allowed: true} }

// Deny returns a failing result.
func Deny(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// CheckFunc evaluates one rule.
type CheckFunc func(ctx context.Context, in Context) (Result, error)

// Rule is registered once at startup and never mutated.
type Rule struct {
	ID       string
	Type     Type
	Blocking bool
	Priority int // lower runs first; ties run in registration order
	Check    CheckFunc
}

// Warning is a non-blocking finding.
type Warning struct {
	RuleID string `json:"rule_id"`
	Reason string `json:"reason"`
}

// Evaluation is the outcome of Engine.Evaluate.
type Evaluation struct {
	Allowed   bool      `json:"allowed"`
	Failed    bool      `json:"failed,omitempty"` // a blocking rule errored
	Reason    string    `json:"reason,omitempty"`
	RuleID    string    `json:"rule_id,omitempty"`
	Evaluated []string  `json:"rules_evaluated"`
	Warnings  []Warning `json:"warnings,omitempty"`
}

// Publisher receives evaluation events.
type Publisher interface {
	Publish(ctx context.Context, env model.EventEnvelope) error
}

var (
	ErrDuplicateRule = errors.New("guardrail: duplicate rule id")
	ErrInvalidRule   = errors.New("guardrail: invalid rule")
)

type registered struct {
	Rule
	seq int
}

// Engine is safe for concurrent use.
type Engine struct {
	logger  *slog.Logger
	events  Publisher
	metrics *telemetry.Instruments
	now     func() time.Time

	mu    sync.RWMutex
	seq   int
	ids   map[string]bool
	rules []registered // sorted by (Priority, seq)
}

// New creates an engine. events and metrics may be nil.
func New(logger *slog.Logger, events Publisher, metrics *telemetry.Instruments) *Engine {
	return &Engine{logger: logger, events: events, metrics: metrics, now: time.Now, ids: make(map[string]bool)}
}

// Register adds a rule.
func (e *Engine) Register(r Rule) error {
	if r.ID == "" || r.Check == nil || (r.Type != Input && r.Type != Output) {
		return fmt.Errorf("%w: id=%q type=%q", ErrInvalidRule, r.ID, r.Type)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ids[r.ID] {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, r.ID)
	}
	e.ids[r.ID] = true
	e.seq++
	e.rules = append(e.rules, registered{Rule: r, seq: e.seq})
	slices.SortStableFunc(e.rules, func(a, b registered) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return nil
}

// Rules returns the ids of rules of type t in evaluation order, blocking first.
func (e *Engine) Rules(t Type) []string {
	blocking, observing := e.partition(t)
	ids := make([]string, 0, len(blocking)+len(observing))
	for _, r := range blocking {
		ids = append(ids, r.ID)
	}
	for _, r := range observing {
		ids = append(ids, r.ID)
	}
	return ids
}

func (e *Engine) partition(t Type) (blocking, observing []Rule) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if r.Type != t {
			continue
		}
		if r.Blocking {
			blocking = append(blocking, r.Rule)
		} else {
			observing = append(observing, r.Rule)
		}
	}
	return blocking, observing
}

// Evaluate runs every rule of type t against in.
func (e *Engine) Evaluate(ctx context.Context, in Context, t Type) Evaluation {
	blocking, observing := e.partition(t)
	ev := Evaluation{Allowed: true, Evaluated: make([]string, 0, len(blocking)+len(observing))}

	for _, r := range blocking {
		ev.Evaluated = append(ev.Evaluated, r.ID)
		res, err := run(ctx, r, in)
		if err != nil {
			e.logger.Error("guardrail: blocking rule failed",
				"rule_id", r.ID, "caller_id", in.Identity.CallerID, "error", err)
			ev.Allowed = false
			ev.Failed = true
			ev.RuleID = r.ID
			ev.Reason = fmt.Sprintf("%s: rule %s: %v", model.ErrCodeGuardrailError, r.ID, err)
			e.finish(ctx, in, t, ev)
			return ev
		}
		if !res.Allowed {
			ev.Allowed = false
			ev.RuleID = r.ID
			ev.Reason = res.Reason
			e.finish(ctx, in, t, ev)
			return ev
		}
		if res.Reason != "" {
			ev.Warnings = append(ev.Warnings, Warning{RuleID: r.ID, Reason: res.Reason})
		}
	}

	for _, r := range observing {
		ev.Evaluated = append(ev.Evaluated, r.ID)
		res, err := run(ctx, r, in)
		if err != nil {
			e.logger.Warn("guardrail: observing rule failed", "rule_id", r.ID, "error", err)
			continue
		}
		if !res.Allowed || res.Reason != "" {
			ev.Warnings = append(ev.Warnings, Warning{RuleID: r.ID, Reason: res.Reason})
		}
	}
	e.finish(ctx, in, t, ev)
	return ev
}

// run invokes the rule, turning a panic into an error.
func run(ctx context.Context, r Rule, in Context) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.Check(ctx, in)
}

func (e *Engine) finish(ctx context.Context, in Context, t Type, ev Evaluation) {
	if e.metrics != nil {
		e.metrics.Evaluations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(t)),
			attribute.Bool("allowed", ev.Allowed),
		))
	}
	if e.events == nil {
		return
	}

	env := model.EventEnvelope{
		EventID:       uuid.NewString(),
		CorrelationID: in.TraceID,
		Timestamp:     e.now().UTC(),
		Source:        "guardrail",
		Actor:         model.EventActor{ID: in.Identity.CallerID, Type: string(in.Identity.Source)},
		Target:        model.EventTarget{Type: "operation", ID: in.ClusterID + "/" + in.Operation},
	}
	if env.CorrelationID == "" {
		env.CorrelationID = correlation.FromContext(ctx).TraceID
	}
	if ev.Allowed {
		env.EventType = model.EventGuardrailPassed
		env.Severity = model.SeverityLow
		env.Payload = map[string]any{
			"type":            string(t),
			"rules_evaluated": ev.Evaluated,
			"warnings":        ev.Warnings,
		}
	} else {
		env.EventType = model.EventGuardrailBlocked
		env.Severity = model.SeverityHigh
		env.Payload = map[string]any{
			"type":    string(t),
			"rule_id": ev.RuleID,
			"reason":  ev.Reason,
		}
	}
	if err := e.events.Publish(ctx, env); err != nil {
		e.logger.Debug("guardrail: event publish failed", "event_type", env.EventType, "error", err)
	}
}

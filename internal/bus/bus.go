// Package bus is the in-process publish/subscribe event bus. Every publish
// runs under one shared circuit breaker so that repeatedly failing
// subscribers stop being invoked until the breaker's reset timeout elapses.
package bus

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/sekimon/internal/breaker"
	"github.com/ashita-ai/sekimon/internal/model"
	"github.com/ashita-ai/sekimon/internal/telemetry"
)

// ErrCircuitOpen is returned by Publish while the shared breaker rejects calls.
var ErrCircuitOpen = errors.New("event bus circuit open")

// Wildcard subscribes to every event type. A pattern ending in ".*"
// subscribes to every type under that prefix, e.g. "Billing.*".
const Wildcard = "*"

// MetadataCorrelationID is the metadata key CreateEnvelope reuses as the
// correlation id.
const MetadataCorrelationID = "correlation_id"

// Handler receives published envelopes. A returned error or a panic counts
// as a breaker failure.
type Handler func(ctx context.Context, env model.EventEnvelope) error

type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Bus is safe for concurrent use.
type Bus struct {
	logger  *slog.Logger
	breaker *breaker.Breaker
	metrics *telemetry.Instruments
	now     func() time.Time

	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]*subscription // pattern -> subscriptions in order
}

type options struct {
	breakerOpts []breaker.Option
	metrics     *telemetry.Instruments
	now         func() time.Time
}

// Option customizes a Bus.
type Option func(*options)

// WithBreakerOptions forwards options to the shared breaker.
func WithBreakerOptions(opts ...breaker.Option) Option {
	return func(o *options) { o.breakerOpts = append(o.breakerOpts, opts...) }
}

// WithInstruments records publish outcomes.
func WithInstruments(m *telemetry.Instruments) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces time.Now for envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a bus whose shared breaker uses cfg.
func New(logger *slog.Logger, cfg breaker.Config, opts ...Option) *Bus {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return &Bus{
		logger:  logger,
		breaker: breaker.New("event-bus", cfg, o.breakerOpts...),
		metrics: o.metrics,
		now:     o.now,
		subs:    make(map[string][]*subscription),
	}
}

// Subscribe registers h for eventType, which may be an exact type, a
// "Prefix.*" pattern or Wildcard. The returned function unsubscribes and is
// safe to call more than once.
func (b *Bus) Subscribe(eventType string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, pattern: eventType, handler: h}
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.subs[eventType] = slices.DeleteFunc(b.subs[eventType], func(s *subscription) bool {
				return s.id == sub.id
			})
			if len(b.subs[eventType]) == 0 {
				delete(b.subs, eventType)
			}
		})
	}
}

// SubscriberCount returns the number of subscriptions matching eventType.
func (b *Bus) SubscriberCount(eventType string) int {
	return len(b.match(eventType))
}

// match returns the subscriptions for eventType in subscription order.
func (b *Bus) match(eventType string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*subscription
	for pattern, subs := range b.subs {
		if matches(pattern, eventType) {
			out = append(out, subs...)
		}
	}
	slices.SortFunc(out, func(a, c *subscription) int { return cmp.Compare(a.id, c.id) })
	return out
}

func matches(pattern, eventType string) bool {
	switch {
	case pattern == Wildcard:
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == eventType
	}
}

// Publish delivers env to every matching handler in subscription order.
//
// The shared breaker admits the publish once. Each handler error or panic
// is recorded as a failure; delivery stops as soon as the breaker opens.
// A publish in which every handler succeeded records a success. Publish
// returns ErrCircuitOpen without invoking any handler while the breaker is
// open, and otherwise the joined handler errors.
func (b *Bus) Publish(ctx context.Context, env model.EventEnvelope) error {
	subs := b.match(env.EventType)
	if len(subs) == 0 {
		return nil
	}
	ticket, err := b.breaker.Allow()
	if err != nil {
		b.record(ctx, env.EventType, "circuit_open")
		return fmt.Errorf("bus: publish %s: %w", env.EventType, ErrCircuitOpen)
	}

	var errs []error
	for _, s := range subs {
		err := b.invoke(ctx, s, env)
		if err == nil {
			continue
		}
		errs = append(errs, err)
		b.breaker.Failure(ticket)
		if b.breaker.State() == breaker.Open {
			b.logger.Warn("event bus circuit opened",
				"event_type", env.EventType,
				"event_id", env.EventID,
				"pattern", s.pattern)
			break
		}
	}
	if len(errs) == 0 {
		b.breaker.Success(ticket)
		b.record(ctx, env.EventType, "delivered")
		return nil
	}
	b.record(ctx, env.EventType, "handler_error")
	return errors.Join(errs...)
}

// PublishAsync publishes in the background and logs failures. Used by
// components whose outcome must not depend on subscriber health.
func (b *Bus) PublishAsync(ctx context.Context, env model.EventEnvelope) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := b.Publish(ctx, env); err != nil {
			b.logger.Debug("event publish failed", "event_type", env.EventType, "error", err)
		}
	}()
}

func (b *Bus) invoke(ctx context.Context, s *subscription, env model.EventEnvelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bus: handler %q panicked: %v", s.pattern, r)
		}
	}()
	if err := s.handler(ctx, env); err != nil {
		return fmt.Errorf("bus: handler %q: %w", s.pattern, err)
	}
	return nil
}

func (b *Bus) record(ctx context.Context, eventType, outcome string) {
	if b.metrics == nil {
		return
	}
	b.metrics.Published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	))
}

// Breaker exposes the shared breaker for health reporting and admin resets.
func (b *Bus) Breaker() *breaker.Breaker { return b.breaker }

// CreateEnvelope builds an envelope with defaults filled in: a fresh event
// id, the correlation id from metadata or a fresh one, the current UTC time,
// low severity and a non-system actor.
func (b *Bus) CreateEnvelope(eventType, source string, payload any, metadata map[string]any) model.EventEnvelope {
	return newEnvelope(b.now().UTC(), eventType, source, payload, metadata)
}

// CreateEnvelope is the package-level form of Bus.CreateEnvelope using the
// wall clock.
func CreateEnvelope(eventType, source string, payload any, metadata map[string]any) model.EventEnvelope {
	return newEnvelope(time.Now().UTC(), eventType, source, payload, metadata)
}

func newEnvelope(now time.Time, eventType, source string, payload any, metadata map[string]any) model.EventEnvelope {
	correlationID, _ := metadata[MetadataCorrelationID].(string)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return model.EventEnvelope{
		EventType:     eventType,
		EventID:       uuid.NewString(),
		CorrelationID: correlationID,
		Timestamp:     now,
		Source:        source,
		Actor:         model.EventActor{ID: model.AnonymousCallerID, Type: "caller"},
		Severity:      model.SeverityLow,
		Payload:       payload,
		Metadata:      metadata,
	}
}

// Package breaker implements the three-state circuit breaker shared by the
// control core (one per cluster) and the event bus (one per bus).
//
//	CLOSED    -> OPEN       after Threshold consecutive failures
//	OPEN      -> HALF_OPEN  on the first Allow after ResetTimeout
//	HALF_OPEN -> CLOSED     when the single trial call succeeds
//	HALF_OPEN -> OPEN       when the trial call fails
//
// Every admission carries a Ticket. Outcomes are only applied for tickets of
// the current generation, and a trial left unreported for ResetTimeout is
// handed to the next caller.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "CLOSED":
		*s = Closed
	case "OPEN":
		*s = Open
	case "HALF_OPEN":
		*s = HalfOpen
	default:
		return fmt.Errorf("breaker: unknown state %q", b)
	}
	return nil
}

// Config configures a breaker.
type Config struct {
	Threshold    int           // Consecutive failures that trip the breaker.
	ResetTimeout time.Duration // Time spent OPEN before a trial is allowed, and the trial's deadline.
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{Threshold: 5, ResetTimeout: 30 * time.Second}
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a callback invoked after every transition. The
// callback runs outside the breaker lock.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Ticket identifies one admission by Allow. Outcomes reported with a ticket
// from an earlier generation are ignored, so a late report cannot close,
// reopen or free the slot of a trial it does not own. The zero Ticket is
// never current.
type Ticket struct {
	gen uint64
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name     string
	cfg      Config
	now      func() time.Time
	onChange func(name string, from, to State)

	mu          sync.Mutex
	state       State
	generation  uint64
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	trial       bool      // A HALF_OPEN trial call is in flight.
	trialAt     time.Time // When the in-flight trial was admitted.
}

// New creates a CLOSED breaker. Non-positive config values fall back to
// DefaultConfig.
func New(name string, cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	b := &Breaker{name: name, cfg: cfg, now: time.Now, generation: 1}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed and returns the ticket its
// outcome must be reported with. When the reset timeout has elapsed while
// OPEN it moves to HALF_OPEN and admits exactly one trial; concurrent
// callers are rejected until that trial is reported or released. A trial
// that stays unreported for ResetTimeout is forfeited and the slot goes to
// the next caller.
func (b *Breaker) Allow() (Ticket, error) {
	b.mu.Lock()
	from := b.state
	now := b.now()
	switch b.state {
	case Closed:
		t := Ticket{b.generation}
		b.mu.Unlock()
		return t, nil
	case Open:
		if now.Sub(b.openedAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return Ticket{}, fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.state = HalfOpen
		t := b.startTrial(now)
		b.mu.Unlock()
		b.notify(from, HalfOpen)
		return t, nil
	default: // HalfOpen
		if b.trial && now.Sub(b.trialAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return Ticket{}, fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		t := b.startTrial(now)
		b.mu.Unlock()
		return t, nil
	}
}

// startTrial hands out a fresh HALF_OPEN trial. Must be called with mu held.
func (b *Breaker) startTrial(now time.Time) Ticket {
	b.generation++
	b.trial = true
	b.trialAt = now
	return Ticket{b.generation}
}

// setState moves to a new state and starts a new generation. Must be
// called with mu held.
func (b *Breaker) setState(s State) {
	b.state = s
	b.generation++
	b.trial = false
	if s == Open {
		b.openedAt = b.now()
	}
}

// Success records a successful call. A HALF_OPEN breaker closes; a CLOSED
// breaker clears its consecutive failure count.
func (b *Breaker) Success(t Ticket) {
	b.mu.Lock()
	if t.gen != b.generation {
		b.mu.Unlock()
		return
	}
	from := b.state
	switch b.state {
	case HalfOpen:
		b.failures = 0
		b.setState(Closed)
	case Closed:
		b.failures = 0
	}
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
}

// Failure records a failed call, tripping the breaker at the threshold or
// reopening it when the trial call failed.
func (b *Breaker) Failure(t Ticket) {
	b.mu.Lock()
	if t.gen != b.generation {
		b.mu.Unlock()
		return
	}
	from := b.state
	now := b.now()
	switch b.state {
	case HalfOpen:
		b.failures++
		b.lastFailure = now
		b.setState(Open)
	case Closed:
		b.failures++
		b.lastFailure = now
		if b.failures >= b.cfg.Threshold {
			b.setState(Open)
		}
	}
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.notify(from, to)
	}
}

// Release returns an unused HALF_OPEN trial slot, for callers that were
// admitted by Allow but then denied by a later check without calling the
// protected target. Tickets that do not hold the current trial are ignored.
func (b *Breaker) Release(t Ticket) {
	b.mu.Lock()
	if t.gen == b.generation && b.state == HalfOpen {
		b.trial = false
	}
	b.mu.Unlock()
}

// Execute runs fn under the breaker, recording its outcome.
func (b *Breaker) Execute(fn func() error) error {
	t, err := b.Allow()
	if err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure(t)
		return err
	}
	b.Success(t)
	return nil
}

// State returns the current state without transitioning.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name          string     `json:"name"`
	State         State      `json:"state"`
	Failures      int        `json:"failure_count"`
	Threshold     int        `json:"threshold"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
	OpenedAt      *time.Time `json:"opened_at,omitempty"`
}

// Snapshot returns the breaker's current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{Name: b.name, State: b.state, Failures: b.failures, Threshold: b.cfg.Threshold}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailureAt = &t
	}
	if b.state != Closed && !b.openedAt.IsZero() {
		t := b.openedAt
		s.OpenedAt = &t
	}
	return s
}

// Reset forces the breaker CLOSED and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.setState(Closed)
	b.failures = 0
	b.openedAt = time.Time{}
	b.mu.Unlock()
	if from != Closed {
		b.notify(from, Closed)
	}
}

func (b *Breaker) notify(from, to State) {
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}

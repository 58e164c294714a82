package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ashita-ai/sekimon/internal/bus"
	"github.com/ashita-ai/sekimon/internal/model"
)

// subscriberBuffer bounds how far a slow client may fall behind before its
// events are dropped.
const subscriberBuffer = 64

// Broker fans event bus envelopes out to SSE subscribers. Each subscriber
// owns one bus subscription filtered by its own event type pattern.
type Broker struct {
	bus     *bus.Bus
	logger  *slog.Logger
	dropped atomic.Int64

	mu          sync.Mutex
	subscribers map[chan []byte]*subscriber
}

type subscriber struct {
	unsubscribe func()

	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// NewBroker creates a broker over b.
func NewBroker(b *bus.Bus, logger *slog.Logger) *Broker {
	return &Broker{
		bus:         b,
		logger:      logger,
		subscribers: make(map[chan []byte]*subscriber),
	}
}

// Subscribe returns a channel of SSE-formatted events whose type matches
// pattern (an exact type, "Prefix.*" or bus.Wildcard). The caller must call
// Unsubscribe when done.
func (b *Broker) Subscribe(pattern string) chan []byte {
	s := &subscriber{ch: make(chan []byte, subscriberBuffer)}
	s.unsubscribe = b.bus.Subscribe(pattern, func(_ context.Context, env model.EventEnvelope) error {
		event, err := formatSSE(env)
		if err != nil {
			b.logger.Warn("broker: encode event", "event_type", env.EventType, "error", err)
			return nil
		}
		s.send(event, &b.dropped)
		return nil
	})

	b.mu.Lock()
	b.subscribers[s.ch] = s
	b.mu.Unlock()
	return s.ch
}

// send never blocks the publisher. A full buffer drops the event for this
// subscriber only.
func (s *subscriber) send(event []byte, dropped *atomic.Int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		dropped.Add(1)
	}
}

func (s *subscriber) close() {
	s.unsubscribe()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	s, ok := b.subscribers[ch]
	delete(b.subscribers, ch)
	b.mu.Unlock()
	if ok {
		s.close()
	}
}

// Close disconnects every subscriber.
func (b *Broker) Close() {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for ch, s := range b.subscribers {
		subs = append(subs, s)
		delete(b.subscribers, ch)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

// Subscribers returns the number of connected subscribers.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Dropped returns the number of events dropped for slow subscribers.
func (b *Broker) Dropped() int64 { return b.dropped.Load() }

// formatSSE formats an envelope as a Server-Sent Events message.
func formatSSE(env model.EventEnvelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	// SSE format: "id: <id>\nevent: <type>\ndata: <payload>\n\n"
	out := make([]byte, 0, len(data)+len(env.EventID)+len(env.EventType)+24)
	out = append(out, "id: "...)
	out = append(out, env.EventID...)
	out = append(out, "\nevent: "...)
	out = append(out, env.EventType...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out, nil
}

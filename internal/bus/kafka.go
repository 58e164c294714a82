package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ashita-ai/sekimon/internal/model"
)

// ErrForwarderFull is returned when the forwarder's buffer cannot accept
// another envelope. It counts as a handler failure on the bus.
var ErrForwarderFull = errors.New("kafka forwarder buffer full")

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaForwarder.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Buffer  int // Envelopes queued before Handle starts failing.
}

// KafkaForwarder copies bus envelopes to a Kafka topic. Handle only
// enqueues; a background loop writes batches so subscribers never wait on
// the network.
type KafkaForwarder struct {
	writer kafkaWriter
	topic  string
	logger *slog.Logger
	queue  chan model.EventEnvelope

	running   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// NewKafkaForwarder validates cfg and creates a forwarder with a kafka-go
// writer. Call Run to start delivery.
func NewKafkaForwarder(cfg KafkaConfig, logger *slog.Logger) (*KafkaForwarder, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("bus: kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("bus: kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaForwarder(w, cfg.Topic, cfg.Buffer, logger), nil
}

func newKafkaForwarder(w kafkaWriter, topic string, buffer int, logger *slog.Logger) *KafkaForwarder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &KafkaForwarder{
		writer:  w,
		topic:   topic,
		logger:  logger,
		queue:   make(chan model.EventEnvelope, buffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Handle is a bus Handler.
func (f *KafkaForwarder) Handle(_ context.Context, env model.EventEnvelope) error {
	select {
	case <-f.done:
		return fmt.Errorf("bus: kafka forwarder closed")
	default:
	}
	select {
	case f.queue <- env:
		return nil
	default:
		return ErrForwarderFull
	}
}

// Run writes queued envelopes until ctx is cancelled or Close is called,
// then drains what is left.
func (f *KafkaForwarder) Run(ctx context.Context) {
	if !f.running.CompareAndSwap(false, true) {
		return
	}
	defer close(f.stopped)
	for {
		select {
		case <-ctx.Done():
			f.drain()
			return
		case <-f.done:
			f.drain()
			return
		case env := <-f.queue:
			f.write(ctx, append([]model.EventEnvelope{env}, f.pending(63)...))
		}
	}
}

// pending takes up to n already-queued envelopes without blocking.
func (f *KafkaForwarder) pending(n int) []model.EventEnvelope {
	var out []model.EventEnvelope
	for len(out) < n {
		select {
		case env := <-f.queue:
			out = append(out, env)
		default:
			return out
		}
	}
	return out
}

func (f *KafkaForwarder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for batch := f.pending(64); len(batch) > 0; batch = f.pending(64) {
		f.write(ctx, batch)
	}
}

func (f *KafkaForwarder) write(ctx context.Context, batch []model.EventEnvelope) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, env := range batch {
		msg, err := toMessage(env)
		if err != nil {
			f.logger.Warn("kafka forwarder: encode envelope", "event_id", env.EventID, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return
	}
	if err := f.writer.WriteMessages(ctx, msgs...); err != nil {
		f.logger.Warn("kafka forwarder: write failed", "topic", f.topic, "count", len(msgs), "error", err)
	}
}

// toMessage keys by the routing partition key when present, otherwise by
// correlation id, so one request's events stay ordered.
func toMessage(env model.EventEnvelope) (kafka.Message, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, err
	}
	key := env.CorrelationID
	msg := kafka.Message{
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(env.EventType)},
		},
	}
	if env.Routing != nil {
		if env.Routing.PartitionKey != "" {
			key = env.Routing.PartitionKey
		}
		if env.Routing.Topic != "" {
			msg.Headers = append(msg.Headers, kafka.Header{Key: "routing_topic", Value: []byte(env.Routing.Topic)})
		}
	}
	msg.Key = []byte(key)
	return msg, nil
}

// Close stops Run after draining and closes the writer. Safe to call more
// than once.
func (f *KafkaForwarder) Close() error {
	var err error
	f.closeOnce.Do(func() {
		close(f.done)
		if f.running.Load() {
			<-f.stopped
		}
		err = f.writer.Close()
	})
	return err
}

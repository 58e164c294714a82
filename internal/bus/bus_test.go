package bus

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sekimon/internal/breaker"
	"github.com/ashita-ai/sekimon/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBus(threshold int, reset time.Duration) (*Bus, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	b := New(testLogger(), breaker.Config{Threshold: threshold, ResetTimeout: reset},
		WithBreakerOptions(breaker.WithClock(clk.Now)),
		WithClock(clk.Now))
	return b, clk
}

func TestPublishExactPrefixAndWildcard(t *testing.T) {
	b, _ := newTestBus(5, time.Second)
	var got []string
	record := func(tag string) Handler {
		return func(_ context.Context, env model.EventEnvelope) error {
			got = append(got, tag+":"+env.EventType)
			return nil
		}
	}
	b.Subscribe(model.EventBillingCharged, record("exact"))
	b.Subscribe("Billing.*", record("prefix"))
	b.Subscribe(Wildcard, record("all"))
	b.Subscribe(model.EventGuardrailPassed, record("other"))

	env := b.CreateEnvelope(model.EventBillingCharged, "test", nil, nil)
	require.NoError(t, b.Publish(context.Background(), env))
	assert.Equal(t, []string{
		"exact:Billing.Charged",
		"prefix:Billing.Charged",
		"all:Billing.Charged",
	}, got)
	assert.Equal(t, 3, b.SubscriberCount(model.EventBillingCharged))
}

func TestUnsubscribe(t *testing.T) {
	b, _ := newTestBus(5, time.Second)
	calls := 0
	unsub := b.Subscribe("X", func(context.Context, model.EventEnvelope) error { calls++; return nil })
	require.NoError(t, b.Publish(context.Background(), model.EventEnvelope{EventType: "X"}))
	unsub()
	unsub()
	require.NoError(t, b.Publish(context.Background(), model.EventEnvelope{EventType: "X"}))
	assert.Equal(t, 1, calls)
	assert.Zero(t, b.SubscriberCount("X"))
}

func TestHandlerErrorsAreReturnedAndCounted(t *testing.T) {
	b, _ := newTestBus(3, time.Minute)
	boom := errors.New("boom")
	b.Subscribe("X", func(context.Context, model.EventEnvelope) error { return boom })

	err := b.Publish(context.Background(), model.EventEnvelope{EventType: "X"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, b.Breaker().Snapshot().Failures)
}

func TestPanicCountsAsFailure(t *testing.T) {
	b, _ := newTestBus(1, time.Minute)
	b.Subscribe("X", func(context.Context, model.EventEnvelope) error { panic("subscriber bug") })

	err := b.Publish(context.Background(), model.EventEnvelope{EventType: "X"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, breaker.Open, b.Breaker().State())
}

func TestBreakerOpensFailsFastAndRecovers(t *testing.T) {
	b, clk := newTestBus(2, 10*time.Second)
	fail := true
	calls := 0
	b.Subscribe("X", func(context.Context, model.EventEnvelope) error {
		calls++
		if fail {
			return errors.New("down")
		}
		return nil
	})
	ctx := context.Background()
	env := model.EventEnvelope{EventType: "X"}

	_ = b.Publish(ctx, env)
	_ = b.Publish(ctx, env)
	require.Equal(t, breaker.Open, b.Breaker().State())
	require.Equal(t, 2, calls)

	err := b.Publish(ctx, env)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls, "open breaker must not invoke handlers")

	clk.Advance(10 * time.Second)
	fail = false
	require.NoError(t, b.Publish(ctx, env), "trial publish after reset timeout")
	assert.Equal(t, 3, calls)
	assert.Equal(t, breaker.Closed, b.Breaker().State())
}

func TestTrialFailureReopens(t *testing.T) {
	b, clk := newTestBus(1, time.Second)
	b.Subscribe("X", func(context.Context, model.EventEnvelope) error { return errors.New("still down") })
	ctx := context.Background()
	_ = b.Publish(ctx, model.EventEnvelope{EventType: "X"})
	clk.Advance(time.Second)

	err := b.Publish(ctx, model.EventEnvelope{EventType: "X"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, breaker.Open, b.Breaker().State())
}

func TestDeliveryStopsOnceBreakerOpens(t *testing.T) {
	b, _ := newTestBus(1, time.Minute)
	second := false
	b.Subscribe("X", func(context.Context, model.EventEnvelope) error { return errors.New("first fails") })
	b.Subscribe("X", func(context.Context, model.EventEnvelope) error { second = true; return nil })

	_ = b.Publish(context.Background(), model.EventEnvelope{EventType: "X"})
	assert.False(t, second)
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	b, _ := newTestBus(1, time.Minute)
	tk, err := b.Breaker().Allow()
	require.NoError(t, err)
	b.Breaker().Failure(tk)
	require.Equal(t, breaker.Open, b.Breaker().State())
	assert.NoError(t, b.Publish(context.Background(), model.EventEnvelope{EventType: "nobody.listens"}))
}

func TestCreateEnvelopeDefaults(t *testing.T) {
	b, clk := newTestBus(1, time.Minute)
	env := b.CreateEnvelope("Control.Blocked", "control", map[string]string{"k": "v"}, nil)
	assert.NotEmpty(t, env.EventID)
	assert.NotEmpty(t, env.CorrelationID)
	assert.Equal(t, clk.Now(), env.Timestamp)
	assert.Equal(t, model.SeverityLow, env.Severity)
	assert.False(t, env.Actor.IsSystem)
	assert.Equal(t, "control", env.Source)

	env2 := CreateEnvelope("Control.Blocked", "control", nil, map[string]any{MetadataCorrelationID: "trace-1"})
	assert.Equal(t, "trace-1", env2.CorrelationID)
	assert.NotEqual(t, env.EventID, env2.EventID)
}

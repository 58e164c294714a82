package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sekimon/internal/model"
)

type notification struct{ channel, payload string }

// hub fans every Notify out to all listeners, including the sender, the way
// Postgres does.
type hub struct {
	mu        sync.Mutex
	listeners []chan notification
}

func (h *hub) notifier() *memNotifier {
	ch := make(chan notification, 16)
	h.mu.Lock()
	h.listeners = append(h.listeners, ch)
	h.mu.Unlock()
	return &memNotifier{hub: h, ch: ch}
}

type memNotifier struct {
	hub *hub
	ch  chan notification
}

func (n *memNotifier) Listen(context.Context, string) error { return nil }

func (n *memNotifier) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case msg := <-n.ch:
		return msg.channel, msg.payload, nil
	}
}

func (n *memNotifier) Notify(_ context.Context, channel, payload string) error {
	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()
	for _, l := range n.hub.listeners {
		l <- notification{channel, payload}
	}
	return nil
}

func TestSyncReplicatesKillSwitches(t *testing.T) {
	a := newHarness(t, model.RateLimits{})
	b := newHarness(t, model.RateLimits{})
	h := &hub{}
	sa := NewSync(a.core, h.notifier(), "control", testLogger())
	sb := NewSync(b.core, h.notifier(), "control", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{}, 2)
	for _, s := range []*Sync{sa, sb} {
		go func() {
			_ = s.Run(ctx)
			done <- struct{}{}
		}()
	}

	a.core.SetGlobalKillSwitch(ctx, true, "incident", "ops")
	require.Eventually(t, func() bool { return b.core.GlobalKillSwitch().Enabled }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "incident", b.core.GlobalKillSwitch().Reason)
	assert.Equal(t, "ops", b.core.GlobalKillSwitch().ChangedBy)
	assert.False(t, b.core.CheckOperation(ctx, req("alpha")).Allowed)

	b.core.SetClusterKillSwitch(ctx, "beta", true, "bad deploy", "ops")
	require.Eventually(t, func() bool {
		st, err := a.core.ClusterStatus(ctx, "beta")
		return err == nil && st.KillSwitch.Enabled
	}, time.Second, 5*time.Millisecond)

	// Each instance publishes its own change once and applies the remote one
	// once, without echoing it back.
	assert.Equal(t, 2, a.events.count(model.EventControlKillSwitchChanged))
	assert.Equal(t, 2, b.events.count(model.EventControlKillSwitchChanged))

	cancel()
	<-done
	<-done
}

func TestSyncIgnoresMalformedPayloads(t *testing.T) {
	a := newHarness(t, model.RateLimits{})
	s := NewSync(a.core, (&hub{}).notifier(), "control", testLogger())

	s.apply(context.Background(), "{not json")
	s.apply(context.Background(), `{"origin":"other","kill_switch":{}}`)
	assert.False(t, a.core.GlobalKillSwitch().Enabled)
	assert.Zero(t, a.events.count(model.EventControlKillSwitchChanged))
}

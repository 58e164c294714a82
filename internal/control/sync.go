package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sekimon/internal/model"
)

// Notifier is a pub/sub channel shared by gateway instances. *storage.DB
// implements it with Postgres LISTEN/NOTIFY.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
	Notify(ctx context.Context, channel, payload string) error
}

type syncMessage struct {
	Origin     string           `json:"origin"`
	KillSwitch model.KillSwitch `json:"kill_switch"`
}

// Sync replicates kill-switch changes between instances. Local changes are
// broadcast through the notifier; remote changes are applied to the core
// without being broadcast again.
type Sync struct {
	core    *Core
	n       Notifier
	channel string
	origin  string
	logger  *slog.Logger
}

// NewSync wires s into core so that every local kill-switch change is
// broadcast. Call Run to apply changes from other instances.
func NewSync(core *Core, n Notifier, channel string, logger *slog.Logger) *Sync {
	s := &Sync{
		core:    core,
		n:       n,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger,
	}
	core.OnKillSwitch(s.broadcast)
	return s
}

func (s *Sync) broadcast(ctx context.Context, ks model.KillSwitch) {
	payload, err := json.Marshal(syncMessage{Origin: s.origin, KillSwitch: ks})
	if err != nil {
		s.logger.Error("control: encode kill-switch", "error", err)
		return
	}
	if err := s.n.Notify(context.WithoutCancel(ctx), s.channel, string(payload)); err != nil {
		s.logger.Error("control: broadcast kill-switch", "scope", ks.Scope, "error", err)
	}
}

// Run blocks until ctx is cancelled, applying kill-switch changes made on
// other instances.
func (s *Sync) Run(ctx context.Context) error {
	if err := s.n.Listen(ctx, s.channel); err != nil {
		return err
	}
	s.logger.Info("control: listening for kill-switch changes", "channel", s.channel)

	for {
		channel, payload, err := s.n.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("control: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if channel != s.channel {
			continue
		}
		s.apply(ctx, payload)
	}
}

func (s *Sync) apply(ctx context.Context, payload string) {
	var msg syncMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		s.logger.Warn("control: malformed kill-switch notification", "error", err)
		return
	}
	if msg.Origin == s.origin || msg.KillSwitch.Scope == "" {
		return
	}
	s.core.ApplyKillSwitch(ctx, msg.KillSwitch)
}

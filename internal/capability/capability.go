// Package capability is the directory of tool and resource providers and
// the allowlist check run before a provider may be invoked.
package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/sekimon/internal/correlation"
	"github.com/ashita-ai/sekimon/internal/model"
)

var (
	ErrNotFound     = errors.New("capability: server not found")
	ErrInvalid      = errors.New("capability: invalid server")
	ErrToolConflict = errors.New("capability: tool already provided by another server")
)

// Denial reasons returned by CheckPermission.
const (
	ReasonNotFound         = "server_not_found"
	ReasonApprovalRequired = "requires_approval"
	ReasonAgentNotAllowed  = "agent_not_allowed"
	ReasonIdentityDenied   = "identity_not_allowed"
	ReasonTierNotAllowed   = "tier_not_allowed"
)

// Permission is the outcome of CheckPermission.
type Permission struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Publisher receives registry events.
type Publisher interface {
	Publish(ctx context.Context, env model.EventEnvelope) error
}

// Registry is safe for concurrent use.
type Registry struct {
	logger *slog.Logger
	events Publisher

	mu      sync.RWMutex
	servers map[string]model.CapabilityServer
	tools   map[string]string // tool name -> server id
}

// NewRegistry creates an empty registry. events may be nil.
func NewRegistry(logger *slog.Logger, events Publisher) *Registry {
	return &Registry{
		logger:  logger,
		events:  events,
		servers: make(map[string]model.CapabilityServer),
		tools:   make(map[string]string),
	}
}

// RegisterServer adds or replaces a server. A tool name may belong to only
// one server at a time.
func (r *Registry) RegisterServer(ctx context.Context, s model.CapabilityServer) error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	s = clone(s)

	r.mu.Lock()
	for _, tool := range s.Tools {
		if owner, ok := r.tools[tool]; ok && owner != s.ID {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s is provided by %s", ErrToolConflict, tool, owner)
		}
	}
	if prev, ok := r.servers[s.ID]; ok {
		for _, tool := range prev.Tools {
			delete(r.tools, tool)
		}
	}
	r.servers[s.ID] = s
	for _, tool := range s.Tools {
		r.tools[tool] = s.ID
	}
	r.mu.Unlock()

	r.logger.Info("capability: server registered", "server_id", s.ID, "tools", len(s.Tools), "resources", len(s.Resources))
	r.publish(ctx, model.EventCapabilityRegistered, s)
	return nil
}

// UnregisterServer removes a server.
func (r *Registry) UnregisterServer(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.servers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.servers, id)
	for _, tool := range s.Tools {
		if r.tools[tool] == id {
			delete(r.tools, tool)
		}
	}
	r.mu.Unlock()

	r.logger.Info("capability: server unregistered", "server_id", id)
	r.publish(ctx, model.EventCapabilityUnregistered, s)
	return nil
}

// Server returns the server with id.
func (r *Registry) Server(id string) (model.CapabilityServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[id]
	if !ok {
		return model.CapabilityServer{}, false
	}
	return clone(s), true
}

// ServerByTool returns the server providing the named tool.
func (r *Registry) ServerByTool(name string) (model.CapabilityServer, bool) {
	r.mu.RLock()
	id, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return model.CapabilityServer{}, false
	}
	return r.Server(id)
}

// ServerByResource returns the server with the longest resource prefix
// matching uri. Ties go to the lowest server id.
func (r *Registry) ServerByResource(uri string) (model.CapabilityServer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		best    model.CapabilityServer
		bestLen = -1
	)
	for _, s := range r.servers {
		for _, prefix := range s.Resources {
			if !strings.HasPrefix(uri, prefix) {
				continue
			}
			if len(prefix) > bestLen || (len(prefix) == bestLen && s.ID < best.ID) {
				best, bestLen = s, len(prefix)
			}
		}
	}
	if bestLen < 0 {
		return model.CapabilityServer{}, false
	}
	return clone(best), true
}

// List returns every server sorted by id.
func (r *Registry) List() []model.CapabilityServer {
	r.mu.RLock()
	out := make([]model.CapabilityServer, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, clone(s))
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b model.CapabilityServer) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// CheckPermission decides whether agentID acting for identityID at tierID
// may invoke the server. Checks run in order: manual approval, agent
// allowlist, identity allowlist, tier allowlist. Empty agent and identity
// lists allow everyone; a nil tier list allows every tier. A nil tierID is
// denied by a tier list.
func (r *Registry) CheckPermission(serverID, agentID, identityID string, tierID *model.TierID) Permission {
	s, ok := r.Server(serverID)
	if !ok {
		return Permission{Reason: ReasonNotFound}
	}
	p := s.Permissions
	switch {
	case p.RequiresApproval:
		return Permission{Reason: ReasonApprovalRequired}
	case len(p.AllowedAgents) > 0 && !slices.Contains(p.AllowedAgents, agentID):
		return Permission{Reason: ReasonAgentNotAllowed}
	case len(p.AllowedIdentities) > 0 && !slices.Contains(p.AllowedIdentities, identityID):
		return Permission{Reason: ReasonIdentityDenied}
	case p.AllowedTiers != nil && (tierID == nil || !slices.Contains(p.AllowedTiers, *tierID)):
		return Permission{Reason: ReasonTierNotAllowed}
	}
	return Permission{Allowed: true}
}

func clone(s model.CapabilityServer) model.CapabilityServer {
	s.Tools = slices.Clone(s.Tools)
	s.Resources = slices.Clone(s.Resources)
	s.Permissions.AllowedAgents = slices.Clone(s.Permissions.AllowedAgents)
	s.Permissions.AllowedIdentities = slices.Clone(s.Permissions.AllowedIdentities)
	s.Permissions.AllowedTiers = slices.Clone(s.Permissions.AllowedTiers)
	return s
}

func (r *Registry) publish(ctx context.Context, eventType string, s model.CapabilityServer) {
	if r.events == nil {
		return
	}
	env := model.EventEnvelope{
		EventType:     eventType,
		EventID:       uuid.NewString(),
		CorrelationID: correlation.FromContext(ctx).TraceID,
		Timestamp:     time.Now().UTC(),
		Source:        "capability",
		Actor:         model.EventActor{ID: "capability-registry", Type: "system", IsSystem: true},
		Target:        model.EventTarget{Type: "capability_server", ID: s.ID},
		Severity:      model.SeverityLow,
		Payload: map[string]any{
			"server_id":  s.ID,
			"name":       s.Name,
			"tool_count": len(s.Tools),
		},
	}
	if err := r.events.Publish(ctx, env); err != nil {
		r.logger.Debug("capability: event publish failed", "event_type", eventType, "error", err)
	}
}

package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ashita-ai/sekimon/internal/capability"
	"github.com/ashita-ai/sekimon/internal/identity"
	"github.com/ashita-ai/sekimon/internal/model"
)

type capabilityList struct {
	Servers []model.CapabilityServer `json:"servers"`
	Total   int                      `json:"total"`
}

// HandleListCapabilities handles GET /v1/capabilities. The tool or resource
// query parameter narrows the result to the server providing it.
func (h *Handlers) HandleListCapabilities(w http.ResponseWriter, r *http.Request) {
	var servers []model.CapabilityServer
	switch q := r.URL.Query(); {
	case q.Get("tool") != "":
		if s, ok := h.registry.ServerByTool(q.Get("tool")); ok {
			servers = append(servers, s)
		}
	case q.Get("resource") != "":
		if s, ok := h.registry.ServerByResource(q.Get("resource")); ok {
			servers = append(servers, s)
		}
	default:
		servers = h.registry.List()
	}
	if servers == nil {
		servers = []model.CapabilityServer{}
	}
	writeJSON(w, r, http.StatusOK, capabilityList{Servers: servers, Total: len(servers)})
}

// HandleRegisterCapability handles POST /v1/capabilities. Registering an
// existing id replaces it.
func (h *Handlers) HandleRegisterCapability(w http.ResponseWriter, r *http.Request) {
	var req model.CapabilityServer
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := h.registry.RegisterServer(r.Context(), req); err != nil {
		switch {
		case errors.Is(err, capability.ErrInvalid):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		case errors.Is(err, capability.ErrToolConflict):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		default:
			h.logger.Error("register capability server", "server_id", req.ID, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to register capability server")
		}
		return
	}
	s, _ := h.registry.Server(req.ID)
	writeJSON(w, r, http.StatusCreated, s)
}

// HandleUnregisterCapability handles DELETE /v1/capabilities/{server_id}.
func (h *Handlers) HandleUnregisterCapability(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("server_id")
	if err := h.registry.UnregisterServer(r.Context(), id); err != nil {
		if isNotFound(err) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeCapabilityNotFound, "capability server "+id+" not found")
			return
		}
		h.logger.Error("unregister capability server", "server_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to unregister capability server")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"id": id, "status": "unregistered"})
}

type permissionView struct {
	ServerID string `json:"server_id"`
	AgentID  string `json:"agent_id"`
	capability.Permission
}

// HandleCheckCapability handles POST /v1/capabilities/{server_id}/check.
// Only elevated callers may check on behalf of another identity or tier;
// everyone else is checked as themselves.
func (h *Handlers) HandleCheckCapability(w http.ResponseWriter, r *http.Request) {
	serverID := r.PathValue("server_id")
	var req model.CheckPermissionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	if req.AgentID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_id is required")
		return
	}

	caller, _ := identity.FromContext(r.Context())
	identityID, tierID := caller.CallerID, &caller.TierID
	if caller.IsElevated {
		if req.IdentityID != "" {
			identityID = req.IdentityID
		}
		if req.TierID != nil {
			tierID = req.TierID
		}
	}

	p := h.registry.CheckPermission(serverID, req.AgentID, identityID, tierID)
	if p.Reason == capability.ReasonNotFound {
		writeError(w, r, http.StatusNotFound, model.ErrCodeCapabilityNotFound, "capability server "+serverID+" not found")
		return
	}
	writeJSON(w, r, http.StatusOK, permissionView{ServerID: serverID, AgentID: req.AgentID, Permission: p})
}

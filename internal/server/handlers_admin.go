package server

import (
	"net/http"
	"slices"

	"github.com/google/uuid"

	"github.com/ashita-ai/sekimon/internal/control"
	"github.com/ashita-ai/sekimon/internal/model"
)

// killSwitchView is the response for GET /admin/killswitch.
type killSwitchView struct {
	Global   model.KillSwitch   `json:"global"`
	Clusters []model.KillSwitch `json:"clusters"`
}

// HandleGetKillSwitch handles GET /admin/killswitch. Clusters lists only
// the configured clusters whose kill-switch is engaged.
func (h *Handlers) HandleGetKillSwitch(w http.ResponseWriter, r *http.Request) {
	view := killSwitchView{Global: h.control.GlobalKillSwitch(), Clusters: []model.KillSwitch{}}
	for _, id := range h.clusterIDs() {
		st, err := h.control.ClusterStatus(r.Context(), id)
		if err != nil {
			h.logger.Error("cluster status", "cluster_id", id, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to read cluster status")
			return
		}
		if st.KillSwitch.Enabled {
			view.Clusters = append(view.Clusters, st.KillSwitch)
		}
	}
	writeJSON(w, r, http.StatusOK, view)
}

// HandleSetKillSwitch handles PUT /admin/killswitch.
func (h *Handlers) HandleSetKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req model.KillSwitchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	ks := h.control.SetGlobalKillSwitch(r.Context(), req.Enabled, req.Reason, actor(r))
	writeJSON(w, r, http.StatusOK, ks)
}

// HandleSetClusterKillSwitch handles PUT /admin/clusters/{cluster_id}/killswitch.
func (h *Handlers) HandleSetClusterKillSwitch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.clusterParam(w, r)
	if !ok {
		return
	}
	var req model.KillSwitchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	ks := h.control.SetClusterKillSwitch(r.Context(), id, req.Enabled, req.Reason, actor(r))
	writeJSON(w, r, http.StatusOK, ks)
}

// HandleListClusters handles GET /admin/clusters.
func (h *Handlers) HandleListClusters(w http.ResponseWriter, r *http.Request) {
	out := make([]control.ClusterStatus, 0, len(h.clusters))
	for _, id := range h.clusterIDs() {
		st, err := h.control.ClusterStatus(r.Context(), id)
		if err != nil {
			h.logger.Error("cluster status", "cluster_id", id, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to read cluster status")
			return
		}
		out = append(out, st)
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleGetCluster handles GET /admin/clusters/{cluster_id}.
func (h *Handlers) HandleGetCluster(w http.ResponseWriter, r *http.Request) {
	id, ok := h.clusterParam(w, r)
	if !ok {
		return
	}
	st, err := h.control.ClusterStatus(r.Context(), id)
	if err != nil {
		h.logger.Error("cluster status", "cluster_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to read cluster status")
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

// HandleResetBreaker handles POST /admin/clusters/{cluster_id}/breaker/reset.
func (h *Handlers) HandleResetBreaker(w http.ResponseWriter, r *http.Request) {
	id, ok := h.clusterParam(w, r)
	if !ok {
		return
	}
	h.control.ResetBreaker(id)
	h.logger.Warn("breaker reset", "cluster_id", id, "changed_by", actor(r))
	h.HandleGetCluster(w, r)
}

// HandleResetBusBreaker handles POST /admin/bus/breaker/reset.
func (h *Handlers) HandleResetBusBreaker(w http.ResponseWriter, r *http.Request) {
	h.bus.Breaker().Reset()
	h.logger.Warn("event bus breaker reset", "changed_by", actor(r))
	writeJSON(w, r, http.StatusOK, h.bus.Breaker().Snapshot())
}

// HandleListAudit handles GET /admin/audit.
func (h *Handlers) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeJSON(w, r, http.StatusOK, []model.AccessAudit{})
		return
	}
	entries, err := h.audit.RecentAccess(r.Context(), queryLimit(r, 100))
	if err != nil {
		h.logger.Error("list passport audit", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []model.AccessAudit{}
	}
	writeJSON(w, r, http.StatusOK, entries)
}

// actionView is the response for GET /admin/actions/{action_id}.
type actionView struct {
	Action  model.BillableAction   `json:"action"`
	History []model.BillableAction `json:"history"`
}

// HandleGetAction handles GET /admin/actions/{action_id}.
func (h *Handlers) HandleGetAction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("action_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid action_id")
		return
	}
	action, ok := h.billing.Get(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "billable action not found")
		return
	}
	history, err := h.billing.History(r.Context(), id)
	if err != nil && !isNotFound(err) {
		h.logger.Error("billable action history", "action_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to read action history")
		return
	}
	if history == nil {
		history = []model.BillableAction{}
	}
	writeJSON(w, r, http.StatusOK, actionView{Action: action, History: history})
}

func (h *Handlers) clusterIDs() []string {
	ids := make([]string, 0, len(h.clusters))
	for id := range h.clusters {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

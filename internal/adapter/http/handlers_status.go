package http

import (
	"net/http"
	"strconv"

	"github.com/Strob0t/mesync/internal/domain/actor"
	"github.com/Strob0t/mesync/internal/domain/entity"
	"github.com/Strob0t/mesync/internal/domain/status"
	"github.com/Strob0t/mesync/internal/service"
)

// Recalculate handles POST /api/v1/status/recalculate. Query parameters:
// dry_run=true reports what would change without writing; module_id limits
// the pass to one module subtree.
func (h *Handlers) Recalculate(w http.ResponseWriter, r *http.Request) {
	dryRun, ok := boolQuery(w, r, "dry_run")
	if !ok {
		return
	}
	var moduleID int64
	if raw := r.URL.Query().Get("module_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "module_id must be a positive integer")
			return
		}
		moduleID = id
	}

	report, err := h.Status.RecalculateAll(r.Context(), service.RecalcOptions{
		ModuleID: moduleID,
		DryRun:   dryRun,
		Actor:    actor.FromContext(r.Context()),
	})
	if err != nil {
		writeDomainError(w, err, "module not found")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type nodeResponse struct {
	*entity.Node
	Children []entity.Node `json:"children,omitempty"`
}

// GetNode handles GET /api/v1/status/{type}/{id}: the node's computed
// fields plus its direct children.
func (h *Handlers) GetNode(w http.ResponseWriter, r *http.Request) {
	ref, ok := refParam(w, r)
	if !ok {
		return
	}
	node, err := h.Tree.Node(r.Context(), ref)
	if err != nil {
		writeDomainError(w, err, ref.String()+" not found")
		return
	}
	resp := nodeResponse{Node: node}
	if !ref.Type.IsLeaf() {
		if resp.Children, err = h.Tree.Children(r.Context(), ref); err != nil {
			writeInternalError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatusHistory handles GET /api/v1/status/{type}/{id}/history.
func (h *Handlers) StatusHistory(w http.ResponseWriter, r *http.Request) {
	ref, ok := refParam(w, r)
	if !ok {
		return
	}
	limit, ok := limitQuery(w, r)
	if !ok {
		return
	}
	rows, err := h.Status.History(r.Context(), ref, limit)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(rows))
}

// RecomputeNode handles POST /api/v1/status/{type}/{id}/recompute.
func (h *Handlers) RecomputeNode(w http.ResponseWriter, r *http.Request) {
	ref, ok := refParam(w, r)
	if !ok {
		return
	}
	report, err := h.Status.RecomputeChain(r.Context(), ref, actor.FromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err, ref.String()+" not found")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type overrideRequest struct {
	ManualStatus *status.Status `json:"manual_status"`
}

// SetOverride handles PUT /api/v1/status/{type}/{id}/override. A null
// manual_status clears the override.
func (h *Handlers) SetOverride(w http.ResponseWriter, r *http.Request) {
	ref, ok := refParam(w, r)
	if !ok {
		return
	}
	req, ok := readJSON[overrideRequest](w, r)
	if !ok {
		return
	}
	report, err := h.Status.SetOverride(r.Context(), ref, req.ManualStatus, actor.FromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err, ref.String()+" not found")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

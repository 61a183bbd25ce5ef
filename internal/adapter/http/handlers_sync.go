package http

import (
	"net/http"

	"github.com/Strob0t/mesync/internal/domain/actor"
	"github.com/Strob0t/mesync/internal/domain/conflict"
	"github.com/Strob0t/mesync/internal/domain/syncop"
)

// SyncStats handles GET /api/v1/sync/stats.
func (h *Handlers) SyncStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// ListPendingOperations handles GET /api/v1/sync/operations/pending.
func (h *Handlers) ListPendingOperations(w http.ResponseWriter, r *http.Request) {
	h.listOperations(w, r, syncop.StatusPending)
}

// ListFailedOperations handles GET /api/v1/sync/operations/failed.
func (h *Handlers) ListFailedOperations(w http.ResponseWriter, r *http.Request) {
	h.listOperations(w, r, syncop.StatusFailed)
}

func (h *Handlers) listOperations(w http.ResponseWriter, r *http.Request, st syncop.Status) {
	ref, ok := refQuery(w, r)
	if !ok {
		return
	}
	limit, ok := limitQuery(w, r)
	if !ok {
		return
	}

	var (
		ops []syncop.Operation
		err error
	)
	if st == syncop.StatusFailed {
		ops, err = h.Queue.ListFailed(r.Context(), ref, limit)
	} else {
		ops, err = h.Queue.ListPending(r.Context(), ref, limit)
	}
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(ops))
}

// GetOperation handles GET /api/v1/sync/operations/{id}.
func (h *Handlers) GetOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	op, err := h.Queue.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "operation not found")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// RequeueOperation handles POST /api/v1/sync/operations/{id}/requeue.
func (h *Handlers) RequeueOperation(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.Queue.Requeue(r.Context(), id); err != nil {
		writeDomainError(w, err, "failed operation not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"requeued": id})
}

type drainRequest struct {
	BatchSize int `json:"batch_size"`
}

// DrainNow handles POST /api/v1/sync/drain. A zero batch size uses the
// configured default.
func (h *Handlers) DrainNow(w http.ResponseWriter, r *http.Request) {
	if h.Drain == nil {
		writeError(w, http.StatusServiceUnavailable, "sync worker is disabled")
		return
	}
	req, ok := readJSON[drainRequest](w, r)
	if !ok {
		return
	}
	if req.BatchSize < 0 {
		writeError(w, http.StatusBadRequest, "batch_size must not be negative")
		return
	}
	report, err := h.Drain.Drain(r.Context(), req.BatchSize, actor.FromContext(r.Context()))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListConflicts handles GET /api/v1/sync/conflicts. Only pending conflicts
// are listed unless ?all=true.
func (h *Handlers) ListConflicts(w http.ResponseWriter, r *http.Request) {
	ref, ok := refQuery(w, r)
	if !ok {
		return
	}
	limit, ok := limitQuery(w, r)
	if !ok {
		return
	}
	all, ok := boolQuery(w, r, "all")
	if !ok {
		return
	}
	list, err := h.Conflicts.List(r.Context(), conflict.Filter{Ref: ref, PendingOnly: !all, Limit: limit})
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orEmpty(list))
}

// GetConflict handles GET /api/v1/sync/conflicts/{id}.
func (h *Handlers) GetConflict(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	c, err := h.Conflicts.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "conflict not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type resolveRequest struct {
	Strategy      conflict.Strategy `json:"strategy"`
	ResolvedValue *string           `json:"resolved_value,omitempty"`
}

// ResolveConflict handles POST /api/v1/sync/conflicts/{id}/resolve.
func (h *Handlers) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	req, ok := readJSON[resolveRequest](w, r)
	if !ok {
		return
	}
	if req.Strategy == "" {
		writeError(w, http.StatusBadRequest, "strategy is required")
		return
	}
	c, err := h.Conflicts.Resolve(r.Context(), conflict.ResolveRequest{
		ConflictID:    id,
		Strategy:      req.Strategy,
		ResolvedValue: req.ResolvedValue,
		ResolvedBy:    actor.FromContext(r.Context()),
	})
	if err != nil {
		writeDomainError(w, err, "conflict not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

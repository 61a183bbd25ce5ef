package http

import (
	"context"
	"net/http"

	"github.com/Strob0t/mesync/internal/domain/actor"
	"github.com/Strob0t/mesync/internal/domain/conflict"
	"github.com/Strob0t/mesync/internal/domain/entity"
	"github.com/Strob0t/mesync/internal/domain/status"
	"github.com/Strob0t/mesync/internal/domain/syncop"
	"github.com/Strob0t/mesync/internal/service"
)

// QueueOps is the queue surface the ops API needs.
type QueueOps interface {
	Stats(ctx context.Context) (*syncop.Stats, error)
	ListPending(ctx context.Context, ref *entity.Ref, limit int) ([]syncop.Operation, error)
	ListFailed(ctx context.Context, ref *entity.Ref, limit int) ([]syncop.Operation, error)
	Get(ctx context.Context, id int64) (*syncop.Operation, error)
	Requeue(ctx context.Context, id int64) error
}

// ConflictOps lists and resolves sync conflicts.
type ConflictOps interface {
	List(ctx context.Context, f conflict.Filter) ([]conflict.Conflict, error)
	Get(ctx context.Context, id int64) (*conflict.Conflict, error)
	Resolve(ctx context.Context, req conflict.ResolveRequest) (*conflict.Conflict, error)
}

// StatusOps drives the status calculator.
type StatusOps interface {
	RecalculateAll(ctx context.Context, opts service.RecalcOptions) (*service.RecalcReport, error)
	RecomputeChain(ctx context.Context, ref entity.Ref, by actor.Actor) (*service.RecalcReport, error)
	SetOverride(ctx context.Context, ref entity.Ref, manual *status.Status, by actor.Actor) (*service.RecalcReport, error)
	History(ctx context.Context, ref entity.Ref, limit int) ([]status.History, error)
}

// Drainer runs one queue drain on demand.
type Drainer interface {
	Drain(ctx context.Context, batchSize int, by actor.Actor) (*service.DrainReport, error)
}

// TreeReader reads nodes of the rollup tree.
type TreeReader interface {
	Node(ctx context.Context, ref entity.Ref) (*entity.Node, error)
	Children(ctx context.Context, ref entity.Ref) ([]entity.Node, error)
}

// Handlers holds the HTTP handler dependencies. Drain may be nil when the
// sync worker is disabled.
type Handlers struct {
	Queue     QueueOps
	Conflicts ConflictOps
	Status    StatusOps
	Drain     Drainer
	Tree      TreeReader
	Events    http.Handler
}

// Health reports liveness.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/Strob0t/mesync/internal/domain/actor"
	"github.com/Strob0t/mesync/internal/domain/conflict"
	"github.com/Strob0t/mesync/internal/domain/entity"
	"github.com/Strob0t/mesync/internal/domain/status"
	"github.com/Strob0t/mesync/internal/domain/syncop"
)

// FailRequest records one failed attempt of a claimed operation.
type FailRequest struct {
	ID int64
	// Owner, when set, must match the claim owner of the row.
	Owner   string
	Error   string
	RetryAt time.Time
	// Terminal exhausts the retry budget immediately.
	Terminal bool
}

// QueueStore persists sync_queue rows.
type QueueStore interface {
	EnqueueOperation(ctx context.Context, req *syncop.EnqueueRequest) (int64, error)
	// ClaimOperations moves up to limit due pending rows with budget left to
	// syncing, ordered by (priority, scheduled_at), skipping rows locked by
	// concurrent claimers.
	ClaimOperations(ctx context.Context, limit int, owner string) ([]syncop.Operation, error)
	// CompleteOperation and FailOperation only touch a syncing row still
	// locked by owner; an empty owner skips that check.
	CompleteOperation(ctx context.Context, id int64, owner string) error
	FailOperation(ctx context.Context, req FailRequest) (*syncop.Operation, error)
	// ListStaleOperations returns syncing rows locked before cutoff.
	ListStaleOperations(ctx context.Context, cutoff time.Time) ([]syncop.Operation, error)
	RequeueOperation(ctx context.Context, id int64) error
	GetOperation(ctx context.Context, id int64) (*syncop.Operation, error)
	ListOperations(ctx context.Context, f syncop.Filter) ([]syncop.Operation, error)
	QueueStats(ctx context.Context) (*syncop.Stats, error)
}

// SyncStateStore persists sync_status rows and the sync_log trail.
type SyncStateStore interface {
	GetSyncState(ctx context.Context, ref entity.Ref) (*syncop.State, error)
	UpsertSyncState(ctx context.Context, st *syncop.State) error
	// MarkSyncStateFailed records an error on an existing row only.
	MarkSyncStateFailed(ctx context.Context, ref entity.Ref, errMsg string) error
	AppendSyncLog(ctx context.Context, e *syncop.LogEntry) error
	ListSyncLog(ctx context.Context, ref *entity.Ref, limit int) ([]syncop.LogEntry, error)
}

// ConflictStore persists sync_conflicts and applies field values to entity rows.
type ConflictStore interface {
	// LoadSnapshot returns the tracked fields of an entity as text with their
	// per-field local update times.
	LoadSnapshot(ctx context.Context, ref entity.Ref) (*conflict.Snapshot, error)
	// ApplyRemote writes remote values and records pending conflicts in one
	// transaction. It returns the number of fields written.
	ApplyRemote(ctx context.Context, ref entity.Ref, apply map[string]conflict.FieldState, conflicts []conflict.Conflict) (int, error)
	GetConflict(ctx context.Context, id int64) (*conflict.Conflict, error)
	ListConflicts(ctx context.Context, f conflict.Filter) ([]conflict.Conflict, error)
	// ResolveConflict writes value into the entity field and marks the conflict
	// resolved in one transaction. Resolved conflicts yield ErrAlreadyResolved.
	ResolveConflict(ctx context.Context, id int64, strategy conflict.Strategy, value *string, by actor.Actor) (*conflict.Conflict, error)
}

// HierarchyStore reads the four-level entity tree.
type HierarchyStore interface {
	GetNode(ctx context.Context, ref entity.Ref) (*entity.Node, error)
	ListChildren(ctx context.Context, ref entity.Ref) ([]entity.Node, error)
	ListModules(ctx context.Context) ([]entity.Node, error)
	ListIndicators(ctx context.Context, owner entity.Ref) ([]entity.Indicator, error)
	// ListFlagged returns nodes marked needs_recompute.
	ListFlagged(ctx context.Context, limit int) ([]entity.Ref, error)
}

// StatusStore writes computed fields and the status history trail.
type StatusStore interface {
	// ApplyComputed stores res on the entity and appends a history row when the
	// displayed status changed, atomically. It reports whether status changed.
	ApplyComputed(ctx context.Context, ref entity.Ref, res status.Result, by actor.Actor) (bool, error)
	SetManualStatus(ctx context.Context, ref entity.Ref, manual *status.Status) error
	UpdateAchievement(ctx context.Context, indicatorID int64, achievement float64) error
	SetNeedsRecompute(ctx context.Context, ref entity.Ref, flagged bool) error
	ListStatusHistory(ctx context.Context, ref entity.Ref, limit int) ([]status.History, error)
}

// Store is the port interface for database operations.
type Store interface {
	QueueStore
	SyncStateStore
	ConflictStore
	HierarchyStore
	StatusStore
}

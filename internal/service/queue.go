package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/Strob0t/mesync/internal/config"
	"github.com/Strob0t/mesync/internal/domain"
	"github.com/Strob0t/mesync/internal/domain/entity"
	"github.com/Strob0t/mesync/internal/domain/syncop"
	"github.com/Strob0t/mesync/internal/port/database"
)

// QueueService is the durable, priority-ordered sync queue. It owns retry
// bookkeeping; the orchestrator is the only caller of DequeueBatch and MarkOutcome.
type QueueService struct {
	store database.Store
	cfg   config.Sync
	now   func() time.Time
}

// NewQueueService creates a queue service using the sync section of the config
// for defaults and the retry curve.
func NewQueueService(store database.Store, cfg config.Sync) *QueueService {
	return &QueueService{store: store, cfg: cfg, now: time.Now}
}

// Enqueue appends an operation. Duplicate logical operations are accepted.
func (s *QueueService) Enqueue(ctx context.Context, req *syncop.EnqueueRequest) (int64, error) {
	if req.Priority == 0 {
		req.Priority = s.cfg.DefaultPriority
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = s.cfg.DefaultMaxRetries
	}
	if req.Payload.Schema == 0 {
		req.Payload.Schema = syncop.PayloadSchema
	}
	if err := req.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	id, err := s.store.EnqueueOperation(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", req.Ref, err)
	}
	slog.Debug("sync operation enqueued",
		"operation_id", id,
		"entity_type", req.Ref.Type,
		"entity_id", req.Ref.ID,
		"direction", req.Direction,
		"priority", req.Priority,
	)
	return id, nil
}

// DequeueBatch claims up to limit due operations for owner, ordered by
// (priority, scheduled_at). Claimed rows are in status syncing.
func (s *QueueService) DequeueBatch(ctx context.Context, limit int, owner string) ([]syncop.Operation, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	if owner == "" {
		owner = uuid.NewString()
	}
	ops, err := s.store.ClaimOperations(ctx, limit, owner)
	if err != nil {
		return nil, fmt.Errorf("claim operations: %w", err)
	}
	return ops, nil
}

// Outcome is the result of one attempt at an operation.
type Outcome struct {
	Status syncop.Status
	Err    error
	// Terminal exhausts the retry budget at once.
	Terminal bool
	// Owner, when set, guards against finishing a row another drainer reclaimed.
	Owner string
}

// MarkOutcome finishes an attempt. Failures consume one retry; the operation
// goes back to pending with a backoff delay while budget remains, otherwise
// it stays failed. The returned operation is nil for completions.
func (s *QueueService) MarkOutcome(ctx context.Context, id int64, out Outcome) (*syncop.Operation, error) {
	switch out.Status {
	case syncop.StatusCompleted:
		if err := s.store.CompleteOperation(ctx, id, out.Owner); err != nil {
			return nil, fmt.Errorf("complete operation %d: %w", id, err)
		}
		return nil, nil
	case syncop.StatusFailed:
	default:
		return nil, fmt.Errorf("%w: outcome status %q", domain.ErrValidation, out.Status)
	}

	op, err := s.store.GetOperation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get operation %d: %w", id, err)
	}

	msg := "unknown error"
	if out.Err != nil {
		msg = out.Err.Error()
	}
	failed, err := s.store.FailOperation(ctx, database.FailRequest{
		ID:       id,
		Owner:    out.Owner,
		Error:    msg,
		RetryAt:  s.now().Add(s.RetryDelay(op.RetryCount + 1)),
		Terminal: out.Terminal,
	})
	if err != nil {
		return nil, fmt.Errorf("fail operation %d: %w", id, err)
	}

	if failed.Status == syncop.StatusFailed {
		slog.Warn("sync operation dead-lettered",
			"operation_id", id,
			"entity_type", failed.Ref.Type,
			"entity_id", failed.Ref.ID,
			"retry_count", failed.RetryCount,
			"error", msg,
		)
	}
	return failed, nil
}

// RetryDelay returns the delay before attempt n+1 after the n-th failure:
// base * multiplier^(n-1), capped at the configured maximum. The curve is
// non-decreasing in n.
func (s *QueueService) RetryDelay(n int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.cfg.RetryBaseDelay,
		RandomizationFactor: 0,
		Multiplier:          s.cfg.RetryMultiplier,
		MaxInterval:         s.cfg.RetryMaxDelay,
	}
	b.Reset()

	d := s.cfg.RetryBaseDelay
	for range max(n, 1) {
		d = b.NextBackOff()
		if d == s.cfg.RetryMaxDelay {
			break
		}
	}
	return min(d, s.cfg.RetryMaxDelay)
}

// ReclaimStale treats syncing rows locked longer than the lock timeout as a
// failed attempt of their crashed owner. It returns the number of rows reclaimed.
func (s *QueueService) ReclaimStale(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.LockTimeout)
	stale, err := s.store.ListStaleOperations(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale operations: %w", err)
	}

	reclaimed := 0
	for i := range stale {
		op := &stale[i]
		_, err := s.store.FailOperation(ctx, database.FailRequest{
			ID:      op.ID,
			Owner:   op.LockedBy,
			Error:   fmt.Sprintf("lock expired after %s", s.cfg.LockTimeout),
			RetryAt: s.now().Add(s.RetryDelay(op.RetryCount + 1)),
		})
		if errors.Is(err, domain.ErrNotFound) {
			// finished or reclaimed concurrently
			continue
		}
		if err != nil {
			return reclaimed, fmt.Errorf("reclaim operation %d: %w", op.ID, err)
		}
		reclaimed++
	}
	if reclaimed > 0 {
		slog.Info("stale sync operations reclaimed", "count", reclaimed, "cutoff", cutoff)
	}
	return reclaimed, nil
}

// Requeue gives a failed operation a fresh retry budget.
func (s *QueueService) Requeue(ctx context.Context, id int64) error {
	if err := s.store.RequeueOperation(ctx, id); err != nil {
		return fmt.Errorf("requeue operation %d: %w", id, err)
	}
	slog.Info("sync operation requeued", "operation_id", id)
	return nil
}

// Get returns one operation.
func (s *QueueService) Get(ctx context.Context, id int64) (*syncop.Operation, error) {
	return s.store.GetOperation(ctx, id)
}

// Stats returns queue counts by status.
func (s *QueueService) Stats(ctx context.Context) (*syncop.Stats, error) {
	return s.store.QueueStats(ctx)
}

// ListPending returns pending operations in dequeue order.
func (s *QueueService) ListPending(ctx context.Context, ref *entity.Ref, limit int) ([]syncop.Operation, error) {
	return s.store.ListOperations(ctx, syncop.Filter{Status: syncop.StatusPending, Ref: ref, Limit: limit})
}

// ListFailed returns operations that exhausted their retry budget.
func (s *QueueService) ListFailed(ctx context.Context, ref *entity.Ref, limit int) ([]syncop.Operation, error) {
	return s.store.ListOperations(ctx, syncop.Filter{Status: syncop.StatusFailed, Ref: ref, Limit: limit})
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	mesyncotel "github.com/Strob0t/mesync/internal/adapter/otel"
	"github.com/Strob0t/mesync/internal/adapter/ws"
	"github.com/Strob0t/mesync/internal/domain"
	"github.com/Strob0t/mesync/internal/domain/conflict"
	"github.com/Strob0t/mesync/internal/domain/entity"
	"github.com/Strob0t/mesync/internal/domain/syncop"
	"github.com/Strob0t/mesync/internal/port/broadcast"
	"github.com/Strob0t/mesync/internal/port/database"
)

// DetectResult reports what a pull did to the local record.
type DetectResult struct {
	Applied   []string            `json:"applied"`
	Conflicts []conflict.Conflict `json:"conflicts"`
	KeptLocal []string            `json:"kept_local"`
	// Written is the number of local fields written.
	Written int `json:"written"`
	// StatusAffecting is set when an applied field feeds the status calculator.
	StatusAffecting bool `json:"status_affecting"`
}

// ConflictService detects field-level divergence on pulls, persists pending
// conflicts and applies operator resolutions.
type ConflictService struct {
	store   database.Store
	queue   *QueueService
	status  *StatusService
	hub     broadcast.Broadcaster
	metrics *mesyncotel.Metrics
}

// NewConflictService creates a conflict resolver. queue receives the pushes
// that make the tracker converge; status recomputes after resolutions.
func NewConflictService(store database.Store, queue *QueueService, status *StatusService) *ConflictService {
	return &ConflictService{store: store, queue: queue, status: status}
}

// SetBroadcaster sets the live feed for conflict events.
func (s *ConflictService) SetBroadcaster(hub broadcast.Broadcaster) { s.hub = hub }

// SetMetrics sets the metric instruments.
func (s *ConflictService) SetMetrics(m *mesyncotel.Metrics) { s.metrics = m }

// DetectAndResolve compares the remote snapshot with the local record. Fields
// changed on one side only are propagated, fields changed on both sides become
// pending conflicts and keep their local value. Local-only changes are queued
// for a push so the tracker catches up.
func (s *ConflictService) DetectAndResolve(ctx context.Context, ref entity.Ref, remote conflict.Snapshot, lastSynced *time.Time) (*DetectResult, error) {
	local, err := s.store.LoadSnapshot(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load local %s: %w", ref, err)
	}
	remote.Ref = ref

	refreshed, err := s.holdPending(ctx, local, &remote)
	if err != nil {
		return nil, err
	}
	out := conflict.Detect(*local, remote, lastSynced)
	out.Conflicts = append(out.Conflicts, refreshed...)
	res := &DetectResult{
		Applied:   out.AppliedFields(),
		Conflicts: out.Conflicts,
		KeptLocal: out.KeptLocal,
	}
	if out.HasChanges() {
		n, err := s.store.ApplyRemote(ctx, ref, out.Apply, out.Conflicts)
		if err != nil {
			return nil, fmt.Errorf("apply remote %s: %w", ref, err)
		}
		res.Written = n
	}
	res.StatusAffecting = entity.AnyStatusAffecting(ref.Type, res.Applied)

	for i := range out.Conflicts {
		c := &out.Conflicts[i]
		slog.Warn("sync conflict recorded",
			"entity_type", ref.Type,
			"entity_id", ref.ID,
			"field", c.FieldName,
		)
		s.broadcast(ctx, c)
	}
	if s.metrics != nil && len(out.Conflicts) > 0 {
		s.metrics.ConflictsDetected.Add(ctx, int64(len(out.Conflicts)),
			metric.WithAttributes(attribute.String("entity_type", string(ref.Type))))
	}

	if len(out.KeptLocal) > 0 && s.queue != nil {
		fields := make(map[string]*string, len(out.KeptLocal))
		for _, name := range out.KeptLocal {
			fields[name] = local.Fields[name].Value
		}
		if _, err := s.enqueuePush(ctx, ref, remote.RemoteID, fields); err != nil {
			return res, err
		}
	}
	return res, nil
}

// holdPending removes fields with a pending conflict from remote so they are
// neither applied nor pushed until resolved. A held field whose remote value
// moved again yields a refreshed conflict carrying the new remote side.
func (s *ConflictService) holdPending(ctx context.Context, local, remote *conflict.Snapshot) ([]conflict.Conflict, error) {
	pending, err := s.store.ListConflicts(ctx, conflict.Filter{Ref: &local.Ref, PendingOnly: true})
	if err != nil {
		return nil, fmt.Errorf("list pending conflicts %s: %w", local.Ref, err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	fields := make(map[string]conflict.FieldState, len(remote.Fields))
	for k, v := range remote.Fields {
		fields[k] = v
	}
	var refreshed []conflict.Conflict
	for i := range pending {
		p := &pending[i]
		rs, ok := fields[p.FieldName]
		if !ok {
			continue
		}
		delete(fields, p.FieldName)
		if conflict.Equal(rs.Value, p.RemoteValue) {
			continue
		}
		ls := local.Fields[p.FieldName]
		refreshed = append(refreshed, conflict.Conflict{
			Ref:             local.Ref,
			FieldName:       p.FieldName,
			LocalValue:      ls.Value,
			RemoteValue:     rs.Value,
			LocalUpdatedAt:  ls.UpdatedAt,
			RemoteUpdatedAt: rs.UpdatedAt,
			Strategy:        conflict.StrategyPending,
		})
	}
	remote.Fields = fields
	return refreshed, nil
}

// Resolve applies the chosen value to the local record and marks the conflict
// resolved. If the resolved value differs from the remote one, a push is
// queued; if the field feeds the status calculator, the chain is recomputed.
func (s *ConflictService) Resolve(ctx context.Context, req conflict.ResolveRequest) (*conflict.Conflict, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	c, err := s.store.GetConflict(ctx, req.ConflictID)
	if err != nil {
		return nil, fmt.Errorf("get conflict %d: %w", req.ConflictID, err)
	}
	if c.IsResolved() {
		return nil, fmt.Errorf("conflict %d: %w", c.ID, domain.ErrAlreadyResolved)
	}

	value := c.ValueFor(req)
	resolved, err := s.store.ResolveConflict(ctx, c.ID, req.Strategy, value, req.ResolvedBy)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict %d: %w", c.ID, err)
	}
	slog.Info("sync conflict resolved",
		"conflict_id", c.ID,
		"entity_type", c.Ref.Type,
		"entity_id", c.Ref.ID,
		"field", c.FieldName,
		"strategy", req.Strategy,
		"resolved_by", req.ResolvedBy.String(),
	)
	s.broadcast(ctx, resolved)

	if !conflict.Equal(value, c.RemoteValue) && s.queue != nil {
		remoteID := ""
		if st, err := s.store.GetSyncState(ctx, c.Ref); err == nil {
			remoteID = st.RemoteID
		} else if !errors.Is(err, domain.ErrNotFound) {
			return resolved, fmt.Errorf("get sync state %s: %w", c.Ref, err)
		}
		if _, err := s.enqueuePush(ctx, c.Ref, remoteID, map[string]*string{c.FieldName: value}); err != nil {
			return resolved, err
		}
	}

	if s.status != nil && c.Ref.Type.InHierarchy() && entity.IsStatusAffecting(c.Ref.Type, c.FieldName) {
		if _, err := s.status.RecomputeChain(ctx, c.Ref, req.ResolvedBy); err != nil {
			// the chain is flagged and retried later; the resolution stands
			slog.Error("recompute after conflict resolution failed", "conflict_id", c.ID, "error", err)
		}
	}
	return resolved, nil
}

// Get returns one conflict.
func (s *ConflictService) Get(ctx context.Context, id int64) (*conflict.Conflict, error) {
	return s.store.GetConflict(ctx, id)
}

// List returns conflicts matching f, newest first.
func (s *ConflictService) List(ctx context.Context, f conflict.Filter) ([]conflict.Conflict, error) {
	return s.store.ListConflicts(ctx, f)
}

func (s *ConflictService) enqueuePush(ctx context.Context, ref entity.Ref, remoteID string, fields map[string]*string) (int64, error) {
	id, err := s.queue.Enqueue(ctx, &syncop.EnqueueRequest{
		Ref:           ref,
		OperationType: syncop.OpUpdate,
		Direction:     syncop.DirectionPush,
		Payload:       syncop.Payload{Fields: fields, RemoteID: remoteID},
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue push for %s: %w", ref, err)
	}
	return id, nil
}

func (s *ConflictService) broadcast(ctx context.Context, c *conflict.Conflict) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(ctx, ws.EventSyncConflict, ws.SyncConflictEvent{
		ConflictID: c.ID,
		EntityType: string(c.Ref.Type),
		EntityID:   c.Ref.ID,
		FieldName:  c.FieldName,
		Strategy:   string(c.Strategy),
	})
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Strob0t/mesync/internal/domain"
	"github.com/Strob0t/mesync/internal/domain/actor"
	"github.com/Strob0t/mesync/internal/domain/entity"
	"github.com/Strob0t/mesync/internal/domain/syncop"
	"github.com/Strob0t/mesync/internal/port/messagequeue"
)

// TriggerService is the entry point for the CRUD layer and on-demand ops
// requests arriving over the message queue. Synchronization never fails the
// originating write: handler errors are logged and the message is acked
// unless the queue itself rejected the enqueue.
type TriggerService struct {
	queue     *QueueService
	status    *StatusService
	hierarchy *HierarchyService
	sync      *SyncService
}

// NewTriggerService creates the change listener.
func NewTriggerService(queue *QueueService, status *StatusService, hierarchy *HierarchyService, sync *SyncService) *TriggerService {
	return &TriggerService{queue: queue, status: status, hierarchy: hierarchy, sync: sync}
}

// Start subscribes to the mesync subjects. The returned function cancels all
// subscriptions.
func (s *TriggerService) Start(ctx context.Context, mq messagequeue.Queue) (func(), error) {
	subs := []struct {
		subject string
		handler messagequeue.Handler
	}{
		{messagequeue.SubjectEntityChanged, s.handleEntityChanged},
		{messagequeue.SubjectSyncRequested, s.handleSyncRequested},
		{messagequeue.SubjectStatusRecalculate, s.handleStatusRecalculate},
	}

	var cancels []func()
	stop := func() {
		for _, c := range cancels {
			c()
		}
	}
	for _, sub := range subs {
		cancel, err := mq.Subscribe(ctx, sub.subject, sub.handler)
		if err != nil {
			stop()
			return nil, fmt.Errorf("subscribe %s: %w", sub.subject, err)
		}
		cancels = append(cancels, cancel)
	}
	return stop, nil
}

func decode(subject string, data []byte, v any) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func parseActor(s string) actor.Actor {
	a, err := actor.Parse(s)
	if err != nil {
		slog.Warn("unparseable actor, using system", "actor", s, "error", err)
		return actor.System()
	}
	return a
}

func (s *TriggerService) handleEntityChanged(ctx context.Context, subject string, data []byte) error {
	var p messagequeue.EntityChangedPayload
	if err := decode(subject, data, &p); err != nil {
		slog.Error("drop malformed entity change", "error", err)
		return nil
	}
	err := s.EntityChanged(ctx, &p)
	if errors.Is(err, domain.ErrValidation) {
		slog.Error("drop invalid entity change", "entity_type", p.EntityType, "entity_id", p.EntityID, "error", err)
		return nil
	}
	return err
}

// EntityChanged enqueues a push for a committed local change and recomputes
// the affected ancestor chain when a status input changed (or on create and
// delete). Recompute failures are flagged for retry, not returned.
func (s *TriggerService) EntityChanged(ctx context.Context, p *messagequeue.EntityChangedPayload) error {
	ref := entity.NewRef(entity.Type(p.EntityType), p.EntityID)
	if err := ref.Type.Validate(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	by := parseActor(p.Actor)
	ctx = actor.WithContext(ctx, by)

	fields := make(map[string]*string, len(p.Fields))
	for name, v := range p.Fields {
		if _, ok := entity.LookupField(ref.Type, name); ok {
			fields[name] = v
		}
	}
	opType := syncop.OperationType(p.Operation)
	if _, err := s.queue.Enqueue(ctx, &syncop.EnqueueRequest{
		Ref:           ref,
		OperationType: opType,
		Direction:     syncop.DirectionPush,
		Priority:      p.Priority,
		Payload:       syncop.Payload{Fields: fields},
	}); err != nil {
		return err
	}

	if opType != syncop.OpCreate {
		s.hierarchy.Invalidate(ctx, ref)
	}

	affects := opType != syncop.OpUpdate || entity.AnyStatusAffecting(ref.Type, p.ChangedFields)
	if !affects {
		return nil
	}
	owner := entity.NewRef(entity.Type(p.OwnerType), p.OwnerID)

	switch {
	case ref.Type == entity.TypeIndicator:
		if owner.Type.InHierarchy() {
			if _, err := s.status.RecomputeIndicators(ctx, owner); err != nil {
				slog.Error("indicator achievement refresh failed", "owner", owner.String(), "error", err)
			}
		}
	case !ref.Type.InHierarchy():
	case opType == syncop.OpDelete:
		if owner.Type.InHierarchy() {
			s.recompute(ctx, owner, by)
		}
	default:
		s.recompute(ctx, ref, by)
	}
	return nil
}

func (s *TriggerService) recompute(ctx context.Context, ref entity.Ref, by actor.Actor) {
	if _, err := s.status.RecomputeChain(ctx, ref, by); err != nil {
		slog.Error("recompute after entity change failed", "ref", ref.String(), "error", err)
	}
}

func (s *TriggerService) handleSyncRequested(ctx context.Context, subject string, data []byte) error {
	var p messagequeue.SyncRequestedPayload
	if err := decode(subject, data, &p); err != nil {
		slog.Error("drop malformed sync request", "error", err)
		return nil
	}
	_, err := s.sync.Drain(ctx, p.BatchSize, parseActor(p.Actor))
	return err
}

func (s *TriggerService) handleStatusRecalculate(ctx context.Context, subject string, data []byte) error {
	var p messagequeue.StatusRecalculatePayload
	if err := decode(subject, data, &p); err != nil {
		slog.Error("drop malformed recalculate request", "error", err)
		return nil
	}
	by := parseActor(p.Actor)

	if p.EntityType != "" {
		ref := entity.NewRef(entity.Type(p.EntityType), p.EntityID)
		if !ref.Type.InHierarchy() {
			slog.Error("drop recalculate request for non-hierarchy entity", "ref", ref.String())
			return nil
		}
		s.recompute(ctx, ref, by)
		return nil
	}

	_, err := s.status.RecalculateAll(ctx, RecalcOptions{ModuleID: p.ModuleID, DryRun: p.DryRun, Actor: by})
	return err
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	mesyncotel "github.com/Strob0t/mesync/internal/adapter/otel"
	"github.com/Strob0t/mesync/internal/adapter/ws"
	"github.com/Strob0t/mesync/internal/config"
	"github.com/Strob0t/mesync/internal/domain"
	"github.com/Strob0t/mesync/internal/domain/actor"
	"github.com/Strob0t/mesync/internal/domain/conflict"
	"github.com/Strob0t/mesync/internal/domain/entity"
	"github.com/Strob0t/mesync/internal/domain/syncop"
	"github.com/Strob0t/mesync/internal/logger"
	"github.com/Strob0t/mesync/internal/pool"
	"github.com/Strob0t/mesync/internal/port/broadcast"
	"github.com/Strob0t/mesync/internal/port/database"
	"github.com/Strob0t/mesync/internal/port/tracker"
	"github.com/Strob0t/mesync/internal/resilience"
)

// DrainReport summarizes one drain run.
type DrainReport struct {
	RunID        string `json:"run_id"`
	Claimed      int    `json:"claimed"`
	Completed    int    `json:"completed"`
	Failed       int    `json:"failed"`
	DeadLettered int    `json:"dead_lettered"`
	Conflicts    int    `json:"conflicts"`
	Recomputed   int    `json:"recomputed"`
}

// SyncService drains the sync queue against the external tracker. Remote
// errors are recorded on the operation, never returned, so one bad operation
// cannot stop a batch.
type SyncService struct {
	store     database.Store
	queue     *QueueService
	conflicts *ConflictService
	status    *StatusService
	tracker   tracker.Tracker
	breaker   *resilience.Breaker
	pool      *pool.Pool
	cfg       config.Sync
	hub       broadcast.Broadcaster
	metrics   *mesyncotel.Metrics
	now       func() time.Time
}

// NewSyncService creates the orchestrator. breaker and p may be nil.
func NewSyncService(
	store database.Store,
	queue *QueueService,
	conflicts *ConflictService,
	status *StatusService,
	trk tracker.Tracker,
	breaker *resilience.Breaker,
	p *pool.Pool,
	cfg config.Sync,
) *SyncService {
	return &SyncService{
		store:     store,
		queue:     queue,
		conflicts: conflicts,
		status:    status,
		tracker:   trk,
		breaker:   breaker,
		pool:      p,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetBroadcaster sets the live feed for operation outcomes.
func (s *SyncService) SetBroadcaster(hub broadcast.Broadcaster) { s.hub = hub }

// SetMetrics sets the metric instruments.
func (s *SyncService) SetMetrics(m *mesyncotel.Metrics) { s.metrics = m }

// Run reclaims stale claims and drains the queue every poll interval until
// ctx is done.
func (s *SyncService) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		slog.Info("sync orchestrator disabled")
		return
	}
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	slog.Info("sync orchestrator started", "poll_interval", s.cfg.PollInterval, "batch_size", s.cfg.BatchSize)
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			slog.Info("sync orchestrator stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *SyncService) tick(ctx context.Context) {
	if _, err := s.queue.ReclaimStale(ctx); err != nil && ctx.Err() == nil {
		slog.Error("reclaim stale operations failed", "error", err)
	}
	if _, err := s.Drain(ctx, s.cfg.BatchSize, actor.System()); err != nil && ctx.Err() == nil {
		slog.Error("drain failed", "error", err)
	}
}

// Drain claims up to batchSize operations and processes them. Operations of
// different entities run in parallel lanes; operations of one entity run in
// queue order. Ancestor chains of entities whose status inputs changed are
// recomputed once the batch is done.
func (s *SyncService) Drain(ctx context.Context, batchSize int, by actor.Actor) (*DrainReport, error) {
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}
	runID := uuid.NewString()
	ctx = logger.WithRunID(ctx, runID)
	ctx, span := mesyncotel.StartDrainSpan(ctx, runID, batchSize)
	defer span.End()
	start := s.now()

	ops, err := s.queue.DequeueBatch(ctx, batchSize, runID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	report := &DrainReport{RunID: runID, Claimed: len(ops)}
	if len(ops) == 0 {
		return report, nil
	}

	var (
		mu        sync.Mutex
		recompute = make(map[entity.Ref]struct{})
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.Concurrency, 1))
	for _, lane := range lanes(ops) {
		g.Go(func() error {
			for i := range lane {
				res := s.process(gctx, &lane[i], runID, by)
				mu.Lock()
				report.add(res)
				if res.recompute {
					recompute[lane[i].Ref] = struct{}{}
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for ref := range recompute {
		if s.status == nil || !ref.Type.InHierarchy() {
			continue
		}
		if _, err := s.status.RecomputeChain(ctx, ref, by); err != nil {
			slog.Error("recompute after pull failed", append(logger.Attrs(ctx), "ref", ref.String(), "error", err)...)
			continue
		}
		report.Recomputed++
	}

	elapsed := s.now().Sub(start)
	if s.metrics != nil {
		s.metrics.DrainDuration.Record(ctx, elapsed.Seconds())
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, ws.EventSyncDrain, ws.SyncDrainEvent{
			RunID:     runID,
			Claimed:   report.Claimed,
			Completed: report.Completed,
			Failed:    report.Failed,
			Conflicts: report.Conflicts,
		})
	}
	slog.Info("sync drain completed", append(logger.Attrs(ctx),
		"claimed", report.Claimed,
		"completed", report.Completed,
		"failed", report.Failed,
		"dead_lettered", report.DeadLettered,
		"conflicts", report.Conflicts,
		"duration", elapsed,
	)...)
	return report, nil
}

// lanes groups ops by entity, keeping claim order inside and across groups.
func lanes(ops []syncop.Operation) [][]syncop.Operation {
	index := make(map[entity.Ref]int)
	var out [][]syncop.Operation
	for _, op := range ops {
		i, ok := index[op.Ref]
		if !ok {
			i = len(out)
			index[op.Ref] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], op)
	}
	return out
}

type opResult struct {
	status       syncop.Status
	deadLettered bool
	conflicts    int
	recompute    bool
}

func (r *DrainReport) add(res opResult) {
	if res.status == syncop.StatusCompleted {
		r.Completed++
	} else {
		r.Failed++
	}
	if res.deadLettered {
		r.DeadLettered++
	}
	r.Conflicts += res.conflicts
}

// execResult is what a successful push or pull did.
type execResult struct {
	remoteID  string
	records   int
	conflicts int
	recompute bool
}

// process runs one operation and records its outcome on the queue, the sync
// status row and the sync log.
func (s *SyncService) process(ctx context.Context, op *syncop.Operation, owner string, by actor.Actor) opResult {
	ctx, span := mesyncotel.StartOperationSpan(ctx, op.ID, op.Ref.String(), string(op.Direction))
	defer span.End()
	log := slog.With(append(logger.Attrs(ctx),
		"operation_id", op.ID,
		"entity_type", op.Ref.Type,
		"entity_id", op.Ref.ID,
		"direction", op.Direction,
	)...)

	start := s.now()
	exec, err := s.execute(ctx, op)
	duration := s.now().Sub(start)

	entry := &syncop.LogEntry{
		OperationID:   op.ID,
		Ref:           op.Ref,
		OperationType: op.OperationType,
		Direction:     op.Direction,
		DurationMS:    duration.Milliseconds(),
		Actor:         by,
	}
	res := opResult{}

	if err == nil {
		res.status = syncop.StatusCompleted
		res.conflicts = exec.conflicts
		res.recompute = exec.recompute
		entry.Status = syncop.StatusCompleted
		entry.RecordsAffected = exec.records

		_, merr := s.queue.MarkOutcome(ctx, op.ID, Outcome{Status: syncop.StatusCompleted, Owner: owner})
		switch {
		case errors.Is(merr, domain.ErrNotFound):
			log.Warn("operation was reclaimed before its completion was recorded")
		case merr != nil:
			log.Error("mark operation completed failed", "error", merr)
		}
		state := syncop.StateSynced
		if exec.conflicts > 0 {
			state = syncop.StateConflict
		}
		syncedAt := s.now()
		if uerr := s.store.UpsertSyncState(ctx, &syncop.State{
			Ref:           op.Ref,
			Status:        state,
			RemoteID:      exec.remoteID,
			LastSyncedAt:  &syncedAt,
			LastDirection: op.Direction,
		}); uerr != nil {
			log.Error("upsert sync status failed", "error", uerr)
		}
		log.Info("sync operation completed", "records", exec.records, "conflicts", exec.conflicts, "duration", duration)
	} else {
		span.SetStatus(codes.Error, err.Error())
		res.status = syncop.StatusFailed
		entry.Status = syncop.StatusFailed
		entry.Error = err.Error()

		terminal := tracker.IsTerminal(err)
		failed, merr := s.queue.MarkOutcome(ctx, op.ID, Outcome{
			Status:   syncop.StatusFailed,
			Err:      err,
			Terminal: terminal,
			Owner:    owner,
		})
		switch {
		case errors.Is(merr, domain.ErrNotFound):
			log.Warn("operation was reclaimed before its failure was recorded")
		case merr != nil:
			log.Error("mark operation failed failed", "error", merr)
		default:
			op = failed
			res.deadLettered = failed.Status == syncop.StatusFailed
		}
		if serr := s.store.MarkSyncStateFailed(ctx, op.Ref, err.Error()); serr != nil {
			log.Error("record sync status failure failed", "error", serr)
		}
		log.Warn("sync operation failed",
			"error", err,
			"kind", tracker.KindOf(err),
			"terminal", terminal,
			"retry_count", op.RetryCount,
			"dead_lettered", res.deadLettered,
		)
	}

	if lerr := s.store.AppendSyncLog(ctx, entry); lerr != nil {
		log.Error("append sync log failed", "error", lerr)
	}
	s.record(ctx, op, res, entry.Error)
	return res
}

func (s *SyncService) record(ctx context.Context, op *syncop.Operation, res opResult, errMsg string) {
	if s.metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("direction", string(op.Direction)),
			attribute.String("status", string(res.status)),
		)
		s.metrics.OpsProcessed.Add(ctx, 1, attrs)
		if res.deadLettered {
			s.metrics.OpsDeadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", string(op.Direction))))
		}
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, ws.EventSyncOperation, ws.SyncOperationEvent{
			OperationID: op.ID,
			EntityType:  string(op.Ref.Type),
			EntityID:    op.Ref.ID,
			Direction:   string(op.Direction),
			Status:      string(res.status),
			RetryCount:  op.RetryCount,
			Error:       errMsg,
		})
	}
}

func (s *SyncService) execute(ctx context.Context, op *syncop.Operation) (execResult, error) {
	state, err := s.store.GetSyncState(ctx, op.Ref)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return execResult{}, fmt.Errorf("get sync status: %w", err)
	}
	remoteID := op.Payload.RemoteID
	if remoteID == "" && state != nil {
		remoteID = state.RemoteID
	}

	switch op.Direction {
	case syncop.DirectionPush:
		return s.push(ctx, op, remoteID)
	case syncop.DirectionPull:
		var lastSynced *time.Time
		if state != nil {
			lastSynced = state.LastSyncedAt
		}
		return s.pull(ctx, op, remoteID, lastSynced)
	default:
		return execResult{}, tracker.NewError(tracker.KindValidation, "sync", fmt.Errorf("unknown direction %q", op.Direction))
	}
}

func (s *SyncService) push(ctx context.Context, op *syncop.Operation, remoteID string) (execResult, error) {
	req := &tracker.PushRequest{
		Ref:           op.Ref,
		OperationType: op.OperationType,
		RemoteID:      remoteID,
		Fields:        op.Payload.Fields,
		Raw:           op.Payload.Raw,
	}

	switch op.OperationType {
	case syncop.OpDelete:
		if remoteID == "" {
			// never reached the tracker
			return execResult{}, nil
		}
		req.Fields = nil
	case syncop.OpCreate, syncop.OpUpdate:
		if remoteID == "" {
			req.OperationType = syncop.OpCreate
		}
		if len(req.Fields) == 0 || req.OperationType == syncop.OpCreate {
			snap, err := s.store.LoadSnapshot(ctx, op.Ref)
			if err != nil {
				return execResult{}, fmt.Errorf("load %s: %w", op.Ref, err)
			}
			req.Fields = mergeFields(snap.Fields, op.Payload.Fields)
		}
	}

	var newID string
	err := s.call(ctx, func(ctx context.Context) error {
		id, err := s.tracker.Push(ctx, req)
		newID = id
		return err
	})
	if err != nil {
		return execResult{}, err
	}
	if newID == "" {
		newID = remoteID
	}
	return execResult{remoteID: newID, records: 1}, nil
}

// mergeFields overlays the queued values on the current local values.
func mergeFields(local map[string]conflict.FieldState, queued map[string]*string) map[string]*string {
	out := make(map[string]*string, len(local))
	for name, fs := range local {
		out[name] = fs.Value
	}
	for name, v := range queued {
		out[name] = v
	}
	return out
}

func (s *SyncService) pull(ctx context.Context, op *syncop.Operation, remoteID string, lastSynced *time.Time) (execResult, error) {
	if remoteID == "" {
		return execResult{}, tracker.NewError(tracker.KindValidation, "pull", errors.New("entity has no remote id"))
	}

	var rec *tracker.RemoteRecord
	err := s.call(ctx, func(ctx context.Context) error {
		r, err := s.tracker.Pull(ctx, op.Ref.Type, remoteID)
		rec = r
		return err
	})
	if err != nil {
		return execResult{}, err
	}

	res, err := s.conflicts.DetectAndResolve(ctx, op.Ref, rec.Snapshot(op.Ref), lastSynced)
	if err != nil {
		return execResult{}, err
	}
	return execResult{
		remoteID:  remoteID,
		records:   res.Written,
		conflicts: len(res.Conflicts),
		recompute: res.StatusAffecting,
	}, nil
}

// call runs one tracker request inside a pool slot, the circuit breaker and
// the remote timeout. A timeout is classified as a retryable tracker error.
func (s *SyncService) call(ctx context.Context, fn func(context.Context) error) error {
	return s.pool.Run(ctx, func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
		defer cancel()

		start := s.now()
		run := func() error { return fn(cctx) }
		var err error
		if s.breaker != nil {
			err = s.breaker.Execute(run)
		} else {
			err = run()
		}
		if s.metrics != nil {
			s.metrics.RemoteDuration.Record(ctx, s.now().Sub(start).Seconds(),
				metric.WithAttributes(attribute.String("tracker", s.tracker.Name())))
		}

		if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && tracker.KindOf(err) != tracker.KindTimeout {
			return tracker.NewError(tracker.KindTimeout, "call", err)
		}
		return err
	})
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	mesyncotel "github.com/Strob0t/mesync/internal/adapter/otel"
	"github.com/Strob0t/mesync/internal/adapter/ws"
	"github.com/Strob0t/mesync/internal/config"
	"github.com/Strob0t/mesync/internal/domain"
	"github.com/Strob0t/mesync/internal/domain/actor"
	"github.com/Strob0t/mesync/internal/domain/entity"
	"github.com/Strob0t/mesync/internal/domain/status"
	"github.com/Strob0t/mesync/internal/port/broadcast"
	"github.com/Strob0t/mesync/internal/port/database"
)

const flaggedBatch = 100

// RecalcOptions selects the scope of a full recalculation.
type RecalcOptions struct {
	// ModuleID limits the pass to one module subtree; 0 means all modules.
	ModuleID int64
	// DryRun computes and counts without writing anything.
	DryRun bool
	Actor  actor.Actor
}

// RecalcReport summarizes a recompute pass.
type RecalcReport struct {
	DryRun bool `json:"dry_run"`
	// Scanned is the number of hierarchy nodes visited.
	Scanned int `json:"scanned"`
	// Changed counts nodes whose computed fields differ from the stored ones.
	Changed int `json:"changed"`
	// HistoryRows counts status transitions (appended, or that would be).
	HistoryRows int `json:"history_rows"`
	Indicators  int `json:"indicators_updated"`
	Failed      int `json:"failed"`
}

func (r *RecalcReport) merge(o *RecalcReport) {
	r.Scanned += o.Scanned
	r.Changed += o.Changed
	r.HistoryRows += o.HistoryRows
	r.Indicators += o.Indicators
	r.Failed += o.Failed
}

// StatusService derives status, progress and risk for activities and rolls
// them up through component, sub-program and module. It exclusively writes
// the computed columns.
type StatusService struct {
	store     database.Store
	hierarchy *HierarchyService
	cfg       config.Status
	hub       broadcast.Broadcaster
	metrics   *mesyncotel.Metrics
}

// NewStatusService creates a status calculator.
func NewStatusService(store database.Store, hierarchy *HierarchyService, cfg config.Status) *StatusService {
	return &StatusService{store: store, hierarchy: hierarchy, cfg: cfg}
}

// SetBroadcaster sets the live feed for status changes.
func (s *StatusService) SetBroadcaster(hub broadcast.Broadcaster) { s.hub = hub }

// SetMetrics sets the metric instruments.
func (s *StatusService) SetMetrics(m *mesyncotel.Metrics) { s.metrics = m }

// RecomputeChain recomputes ref and every ancestor, child before parent.
// On failure the start of the chain is flagged so RetryInconsistent re-runs
// the whole chain later; already committed domain writes are untouched.
func (s *StatusService) RecomputeChain(ctx context.Context, ref entity.Ref, by actor.Actor) (*RecalcReport, error) {
	if !ref.Type.InHierarchy() {
		return nil, fmt.Errorf("%w: %s has no status rollup", domain.ErrValidation, ref.Type)
	}

	ctx, span := mesyncotel.StartRecomputeSpan(ctx, ref.String())
	defer span.End()

	report := &RecalcReport{}
	err := s.recomputeChain(ctx, ref, by, report)
	if err != nil {
		report.Failed++
		span.SetStatus(codes.Error, err.Error())
		s.flag(ctx, ref, err)
		return report, fmt.Errorf("recompute %s: %w", ref, err)
	}
	return report, nil
}

func (s *StatusService) recomputeChain(ctx context.Context, ref entity.Ref, by actor.Actor, report *RecalcReport) error {
	chain, err := s.hierarchy.Chain(ctx, ref)
	if err != nil {
		return err
	}

	var startFlagged bool
	for i, r := range chain {
		node, err := s.store.GetNode(ctx, r)
		if err != nil {
			return fmt.Errorf("get %s: %w", r, err)
		}
		if i == 0 {
			startFlagged = node.NeedsRecompute
		}

		var children []entity.Node
		if !r.Type.IsLeaf() {
			if children, err = s.store.ListChildren(ctx, r); err != nil {
				return fmt.Errorf("list children of %s: %w", r, err)
			}
		}
		if _, err := s.apply(ctx, node, children, by, false, report); err != nil {
			return err
		}
	}

	if startFlagged {
		if err := s.store.SetNeedsRecompute(ctx, ref, false); err != nil {
			return fmt.Errorf("clear recompute flag on %s: %w", ref, err)
		}
	}
	return nil
}

// RecalculateAll recomputes whole module subtrees bottom-up. Sibling modules
// run in parallel bounded by the configured worker count; a failing subtree is
// flagged and counted without stopping the others.
func (s *StatusService) RecalculateAll(ctx context.Context, opts RecalcOptions) (*RecalcReport, error) {
	var modules []entity.Node
	if opts.ModuleID > 0 {
		m, err := s.store.GetNode(ctx, entity.NewRef(entity.TypeModule, opts.ModuleID))
		if err != nil {
			return nil, fmt.Errorf("get module %d: %w", opts.ModuleID, err)
		}
		modules = []entity.Node{*m}
	} else {
		var err error
		if modules, err = s.hierarchy.Modules(ctx); err != nil {
			return nil, fmt.Errorf("list modules: %w", err)
		}
	}

	report := &RecalcReport{DryRun: opts.DryRun}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.Workers, 1))
	for i := range modules {
		module := modules[i]
		g.Go(func() error {
			sub := &RecalcReport{}
			if _, err := s.recomputeSubtree(gctx, module, opts, sub); err != nil {
				sub.Failed++
				slog.Error("module recalculation failed", "module_id", module.Ref.ID, "error", err)
				if !opts.DryRun {
					s.flag(gctx, module.Ref, err)
				}
			}
			mu.Lock()
			report.merge(sub)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return report, err
	}

	slog.Info("status recalculation completed",
		"modules", len(modules),
		"scanned", report.Scanned,
		"changed", report.Changed,
		"history_rows", report.HistoryRows,
		"failed", report.Failed,
		"dry_run", opts.DryRun,
	)
	return report, nil
}

// recomputeSubtree visits children before node and returns node with its
// computed fields replaced, so parents aggregate the fresh values even in a dry run.
func (s *StatusService) recomputeSubtree(ctx context.Context, node entity.Node, opts RecalcOptions, report *RecalcReport) (entity.Node, error) {
	var children []entity.Node
	if !node.Ref.Type.IsLeaf() {
		stored, err := s.store.ListChildren(ctx, node.Ref)
		if err != nil {
			return node, fmt.Errorf("list children of %s: %w", node.Ref, err)
		}
		children = make([]entity.Node, 0, len(stored))
		for _, c := range stored {
			fresh, err := s.recomputeSubtree(ctx, c, opts, report)
			if err != nil {
				return node, err
			}
			children = append(children, fresh)
		}
	}

	updated, err := s.apply(ctx, &node, children, opts.Actor, opts.DryRun, report)
	if err != nil {
		return node, err
	}
	if node.NeedsRecompute && !opts.DryRun {
		if err := s.store.SetNeedsRecompute(ctx, node.Ref, false); err != nil {
			return node, fmt.Errorf("clear recompute flag on %s: %w", node.Ref, err)
		}
	}
	return updated, nil
}

// Derive computes the result for node from its own inputs (activities) or
// from the given direct children (ancestors).
func (s *StatusService) Derive(node *entity.Node, children []entity.Node) status.Result {
	manual := manualStatus(node)
	if node.Ref.Type.IsLeaf() {
		return status.DeriveLeaf(status.LeafInput{
			Progress:              node.Progress,
			ProgressHeld:          status.ProgressHeld(status.Status(node.Status), status.Status(node.AutoStatus), node.Progress),
			AutoProgress:          node.AutoProgress,
			TasksTotal:            node.TasksTotal,
			TasksCompleted:        node.TasksCompleted,
			Manual:                manual,
			ScheduleDeviationDays: node.ScheduleDeviationDays,
			Velocity:              node.Velocity,
		}, s.cfg.Risk)
	}

	states := make([]status.ChildState, len(children))
	for i, c := range children {
		states[i] = status.ChildState{
			Status:   status.Status(c.Status),
			Progress: c.Progress,
			Risk:     status.Risk(c.RiskLevel),
		}
	}
	return status.DeriveParent(states, manual)
}

// apply derives and stores one node, then refreshes its indicators.
func (s *StatusService) apply(ctx context.Context, node *entity.Node, children []entity.Node, by actor.Actor, dryRun bool, report *RecalcReport) (entity.Node, error) {
	res := s.Derive(node, children)
	report.Scanned++

	differs := node.Status != string(res.Status) ||
		node.AutoStatus != string(res.AutoStatus) ||
		node.AutoProgress != res.AutoProgress ||
		node.Progress != res.Progress ||
		node.RiskLevel != string(res.Risk)
	statusChanged := node.Status != string(res.Status)

	if differs {
		report.Changed++
	}
	if !dryRun && differs {
		changed, err := s.store.ApplyComputed(ctx, node.Ref, res, by)
		if err != nil {
			return *node, fmt.Errorf("store computed %s: %w", node.Ref, err)
		}
		statusChanged = changed
		s.recordRecompute(ctx, node, res, statusChanged)
	}
	if statusChanged {
		report.HistoryRows++
	}

	n, err := s.refreshIndicators(ctx, node.Ref, dryRun)
	if err != nil {
		return *node, err
	}
	report.Indicators += n

	updated := *node
	updated.Status = string(res.Status)
	updated.AutoStatus = string(res.AutoStatus)
	updated.AutoProgress = res.AutoProgress
	updated.Progress = res.Progress
	updated.RiskLevel = string(res.Risk)
	return updated, nil
}

func (s *StatusService) recordRecompute(ctx context.Context, node *entity.Node, res status.Result, statusChanged bool) {
	attrs := metric.WithAttributes(attribute.String("entity_type", string(node.Ref.Type)))
	if s.metrics != nil {
		s.metrics.Recomputes.Add(ctx, 1, attrs)
		if statusChanged {
			s.metrics.StatusTransitions.Add(ctx, 1, attrs)
		}
	}
	if !statusChanged {
		return
	}

	slog.Info("entity status changed",
		"entity_type", node.Ref.Type,
		"entity_id", node.Ref.ID,
		"old_status", node.Status,
		"new_status", res.Status,
		"progress", res.Progress,
	)
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, ws.EventStatusChanged, ws.StatusChangedEvent{
			EntityType: string(node.Ref.Type),
			EntityID:   node.Ref.ID,
			OldStatus:  node.Status,
			NewStatus:  string(res.Status),
			Progress:   res.Progress,
			RiskLevel:  string(res.Risk),
		})
	}
}

// refreshIndicators recomputes achievement for the indicators owned by ref
// and returns how many changed.
func (s *StatusService) refreshIndicators(ctx context.Context, owner entity.Ref, dryRun bool) (int, error) {
	inds, err := s.store.ListIndicators(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("list indicators of %s: %w", owner, err)
	}
	n := 0
	for i := range inds {
		ach := status.Achievement(inds[i].CurrentValue, inds[i].TargetValue)
		if ach == inds[i].Achievement {
			continue
		}
		n++
		if dryRun {
			continue
		}
		if err := s.store.UpdateAchievement(ctx, inds[i].ID, ach); err != nil {
			return n, fmt.Errorf("update achievement of indicator %d: %w", inds[i].ID, err)
		}
	}
	return n, nil
}

// RecomputeIndicators refreshes achievement for the indicators of owner only.
func (s *StatusService) RecomputeIndicators(ctx context.Context, owner entity.Ref) (int, error) {
	return s.refreshIndicators(ctx, owner, false)
}

// SetOverride sets (or, with nil, clears) the manual status of ref and
// recomputes its chain. The automatic status is kept either way.
func (s *StatusService) SetOverride(ctx context.Context, ref entity.Ref, manual *status.Status, by actor.Actor) (*RecalcReport, error) {
	if !ref.Type.InHierarchy() {
		return nil, fmt.Errorf("%w: %s has no status", domain.ErrValidation, ref.Type)
	}
	if manual != nil {
		if err := manual.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrValidation, err)
		}
	}
	if err := s.store.SetManualStatus(ctx, ref, manual); err != nil {
		return nil, fmt.Errorf("set manual status on %s: %w", ref, err)
	}
	return s.RecomputeChain(ctx, ref, by)
}

// RetryInconsistent recomputes the chains flagged by earlier failed passes
// and returns how many succeeded.
func (s *StatusService) RetryInconsistent(ctx context.Context) (int, error) {
	refs, err := s.store.ListFlagged(ctx, flaggedBatch)
	if err != nil {
		return 0, fmt.Errorf("list flagged: %w", err)
	}

	var errs []error
	ok := 0
	for _, ref := range refs {
		if _, err := s.RecomputeChain(ctx, ref, actor.System()); err != nil {
			errs = append(errs, err)
			continue
		}
		ok++
	}
	if ok > 0 {
		slog.Info("inconsistent subtrees recomputed", "count", ok, "remaining", len(refs)-ok)
	}
	return ok, errors.Join(errs...)
}

// Run retries flagged subtrees every retry interval until ctx is done.
func (s *StatusService) Run(ctx context.Context) {
	if s.cfg.RetryInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RetryInconsistent(ctx); err != nil && ctx.Err() == nil {
				slog.Error("retry inconsistent subtrees failed", "error", err)
			}
		}
	}
}

// History returns the status transitions of ref, newest first.
func (s *StatusService) History(ctx context.Context, ref entity.Ref, limit int) ([]status.History, error) {
	return s.store.ListStatusHistory(ctx, ref, limit)
}

func (s *StatusService) flag(ctx context.Context, ref entity.Ref, cause error) {
	if s.metrics != nil {
		s.metrics.RecomputeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("entity_type", string(ref.Type))))
	}
	// The pass failed; the flag must still land if ctx was canceled.
	if err := s.store.SetNeedsRecompute(context.WithoutCancel(ctx), ref, true); err != nil {
		slog.Error("flag subtree for recompute failed", "ref", ref.String(), "cause", cause, "error", err)
		return
	}
	slog.Warn("subtree flagged for recompute", "ref", ref.String(), "error", cause)
}

func manualStatus(node *entity.Node) *status.Status {
	if node.ManualStatus == nil {
		return nil
	}
	m := status.Status(*node.ManualStatus)
	if m.Validate() != nil {
		return nil
	}
	return &m
}

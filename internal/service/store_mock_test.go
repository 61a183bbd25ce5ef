package service

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/Strob0t/mesync/internal/config"
	"github.com/Strob0t/mesync/internal/domain"
	"github.com/Strob0t/mesync/internal/domain/actor"
	"github.com/Strob0t/mesync/internal/domain/conflict"
	"github.com/Strob0t/mesync/internal/domain/entity"
	"github.com/Strob0t/mesync/internal/domain/status"
	"github.com/Strob0t/mesync/internal/domain/syncop"
	"github.com/Strob0t/mesync/internal/port/database"
	"github.com/Strob0t/mesync/internal/port/tracker"
)

var _ database.Store = (*memStore)(nil)

// memStore is an in-memory database.Store mirroring the postgres semantics
// the services rely on.
type memStore struct {
	mu sync.Mutex

	ops    []*syncop.Operation
	nextOp int64
	// dueAll claims pending rows regardless of scheduled_at.
	dueAll bool

	states map[entity.Ref]*syncop.State
	log    []syncop.LogEntry

	records   map[entity.Ref]map[string]conflict.FieldState
	conflicts []*conflict.Conflict

	nodes      map[entity.Ref]*entity.Node
	indicators []*entity.Indicator
	history    []status.History

	// failApply makes ApplyComputed fail for the given refs.
	failApply map[entity.Ref]error
	getNodes  int
}

func newMemStore() *memStore {
	return &memStore{
		states:    make(map[entity.Ref]*syncop.State),
		records:   make(map[entity.Ref]map[string]conflict.FieldState),
		nodes:     make(map[entity.Ref]*entity.Node),
		failApply: make(map[entity.Ref]error),
	}
}

func strp(s string) *string { return &s }

func timep(t time.Time) *time.Time { return &t }

func testSyncConfig() config.Sync {
	return config.Sync{
		Enabled:           true,
		BatchSize:         10,
		Concurrency:       4,
		PollInterval:      time.Second,
		LockTimeout:       time.Minute,
		RemoteTimeout:     time.Second,
		DefaultPriority:   syncop.DefaultPriority,
		DefaultMaxRetries: 3,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     time.Minute,
		RetryMultiplier:   2,
	}
}

func testStatusConfig() config.Status {
	return config.Status{Workers: 2, RetryInterval: time.Minute, Risk: status.DefaultRiskThresholds()}
}

// --- fixtures ---

func (m *memStore) addNode(t entity.Type, id, parentID int64, progress float64) entity.Ref {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := entity.NewRef(t, id)
	m.nodes[ref] = &entity.Node{
		Ref:        ref,
		ParentID:   parentID,
		Name:       fmt.Sprintf("%s %d", t, id),
		Status:     string(status.NotStarted),
		AutoStatus: string(status.NotStarted),
		Progress:   progress,
		RiskLevel:  string(status.RiskNone),
	}
	return ref
}

func (m *memStore) setProgress(ref entity.Ref, progress float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[ref].Progress = progress
}

func (m *memStore) node(ref entity.Ref) entity.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.nodes[ref]
}

func (m *memStore) setRecord(ref entity.Ref, fields map[string]conflict.FieldState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[ref] = fields
}

func (m *memStore) field(ref entity.Ref, name string) *string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[ref][name].Value
}

func (m *memStore) op(id int64) syncop.Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.ops[id-1]
}

func (m *memStore) logEntries() []syncop.LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.log)
}

// --- QueueStore ---

func (m *memStore) EnqueueOperation(_ context.Context, req *syncop.EnqueueRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextOp++
	now := time.Now()
	scheduled := req.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}
	m.ops = append(m.ops, &syncop.Operation{
		ID:            m.nextOp,
		Ref:           req.Ref,
		OperationType: req.OperationType,
		Direction:     req.Direction,
		Status:        syncop.StatusPending,
		Priority:      req.Priority,
		MaxRetries:    req.MaxRetries,
		ScheduledAt:   scheduled,
		Payload:       req.Payload,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	return m.nextOp, nil
}

func (m *memStore) ClaimOperations(_ context.Context, limit int, owner string) ([]syncop.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var due []*syncop.Operation
	for _, op := range m.ops {
		if op.Status != syncop.StatusPending || op.RetryCount >= op.MaxRetries {
			continue
		}
		if !m.dueAll && op.ScheduledAt.After(now) {
			continue
		}
		due = append(due, op)
	}
	slices.SortStableFunc(due, func(a, b *syncop.Operation) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
			return c
		}
		return int(a.ID - b.ID)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]syncop.Operation, 0, len(due))
	for _, op := range due {
		op.Status = syncop.StatusSyncing
		op.LockedAt = timep(now)
		op.LockedBy = owner
		out = append(out, *op)
	}
	return out, nil
}

func (m *memStore) findOp(id int64) (*syncop.Operation, error) {
	if id < 1 || int(id) > len(m.ops) {
		return nil, fmt.Errorf("operation %d: %w", id, domain.ErrNotFound)
	}
	return m.ops[id-1], nil
}

func (m *memStore) CompleteOperation(_ context.Context, id int64, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, err := m.findOp(id)
	if err != nil {
		return err
	}
	if op.Status != syncop.StatusSyncing || (owner != "" && op.LockedBy != owner) {
		return fmt.Errorf("complete operation %d: %w", id, domain.ErrNotFound)
	}
	op.Status = syncop.StatusCompleted
	op.LastError = ""
	op.LockedAt, op.LockedBy = nil, ""
	return nil
}

func (m *memStore) FailOperation(_ context.Context, req database.FailRequest) (*syncop.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, err := m.findOp(req.ID)
	if err != nil {
		return nil, err
	}
	if op.Status != syncop.StatusSyncing || (req.Owner != "" && op.LockedBy != req.Owner) {
		return nil, fmt.Errorf("fail operation %d: %w", req.ID, domain.ErrNotFound)
	}
	exhausted := req.Terminal || op.RetryCount+1 >= op.MaxRetries
	if req.Terminal {
		op.RetryCount = op.MaxRetries
	} else {
		op.RetryCount = min(op.RetryCount+1, op.MaxRetries)
	}
	if exhausted {
		op.Status = syncop.StatusFailed
	} else {
		op.Status = syncop.StatusPending
		op.ScheduledAt = req.RetryAt
	}
	op.LastError = req.Error
	op.LockedAt, op.LockedBy = nil, ""
	out := *op
	return &out, nil
}

func (m *memStore) ListStaleOperations(_ context.Context, cutoff time.Time) ([]syncop.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []syncop.Operation
	for _, op := range m.ops {
		if op.Status == syncop.StatusSyncing && op.LockedAt != nil && op.LockedAt.Before(cutoff) {
			out = append(out, *op)
		}
	}
	return out, nil
}

func (m *memStore) RequeueOperation(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, err := m.findOp(id)
	if err != nil {
		return err
	}
	if op.Status != syncop.StatusFailed {
		return fmt.Errorf("requeue operation %d: %w", id, domain.ErrNotFound)
	}
	op.Status = syncop.StatusPending
	op.RetryCount = 0
	op.ScheduledAt = time.Now()
	op.LastError = ""
	return nil
}

func (m *memStore) GetOperation(_ context.Context, id int64) (*syncop.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, err := m.findOp(id)
	if err != nil {
		return nil, err
	}
	out := *op
	return &out, nil
}

func (m *memStore) ListOperations(_ context.Context, f syncop.Filter) ([]syncop.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []syncop.Operation
	for _, op := range m.ops {
		if f.Status != "" && op.Status != f.Status {
			continue
		}
		if f.Ref != nil && op.Ref != *f.Ref {
			continue
		}
		out = append(out, *op)
	}
	slices.SortStableFunc(out, func(a, b syncop.Operation) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return a.ScheduledAt.Compare(b.ScheduledAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) QueueStats(_ context.Context) (*syncop.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &syncop.Stats{}
	for _, op := range m.ops {
		switch op.Status {
		case syncop.StatusPending:
			st.Pending++
			if st.OldestPendingAt == nil || op.ScheduledAt.Before(*st.OldestPendingAt) {
				st.OldestPendingAt = timep(op.ScheduledAt)
			}
		case syncop.StatusSyncing:
			st.Syncing++
		case syncop.StatusCompleted:
			st.Completed++
		case syncop.StatusFailed:
			st.Failed++
			if op.DeadLettered() {
				st.DeadLettered++
			}
		}
	}
	for _, c := range m.conflicts {
		if !c.IsResolved() {
			st.PendingConflicts++
		}
	}
	return st, nil
}

// --- SyncStateStore ---

func (m *memStore) GetSyncState(_ context.Context, ref entity.Ref) (*syncop.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[ref]
	if !ok {
		return nil, fmt.Errorf("sync state %s: %w", ref, domain.ErrNotFound)
	}
	out := *st
	return &out, nil
}

func (m *memStore) UpsertSyncState(_ context.Context, st *syncop.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.states[st.Ref]
	if !ok {
		cp := *st
		m.states[st.Ref] = &cp
		return nil
	}
	cur.Status = st.Status
	if st.RemoteID != "" {
		cur.RemoteID = st.RemoteID
	}
	if st.LastSyncedAt != nil {
		cur.LastSyncedAt = st.LastSyncedAt
	}
	if st.LastDirection != "" {
		cur.LastDirection = st.LastDirection
	}
	cur.LastError = st.LastError
	return nil
}

func (m *memStore) MarkSyncStateFailed(_ context.Context, ref entity.Ref, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[ref]; ok {
		st.Status = syncop.StateFailed
		st.LastError = errMsg
	}
	return nil
}

func (m *memStore) AppendSyncLog(_ context.Context, e *syncop.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.log) + 1)
	e.CreatedAt = time.Now()
	m.log = append(m.log, *e)
	return nil
}

func (m *memStore) ListSyncLog(_ context.Context, ref *entity.Ref, limit int) ([]syncop.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []syncop.LogEntry
	for i := len(m.log) - 1; i >= 0; i-- {
		if ref != nil && m.log[i].Ref != *ref {
			continue
		}
		out = append(out, m.log[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- ConflictStore ---

func (m *memStore) LoadSnapshot(_ context.Context, ref entity.Ref) (*conflict.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[ref]
	if !ok {
		return nil, fmt.Errorf("load %s: %w", ref, domain.ErrNotFound)
	}
	fields := make(map[string]conflict.FieldState, len(rec))
	for k, v := range rec {
		fields[k] = v
	}
	return &conflict.Snapshot{Ref: ref, Fields: fields}, nil
}

// writeField stores a value in the record and mirrors status inputs on the node.
func (m *memStore) writeField(ref entity.Ref, name string, fs conflict.FieldState) {
	rec, ok := m.records[ref]
	if !ok {
		rec = make(map[string]conflict.FieldState)
		m.records[ref] = rec
	}
	rec[name] = fs

	n, ok := m.nodes[ref]
	if !ok {
		return
	}
	switch name {
	case "progress_percentage":
		if fs.Value != nil {
			n.Progress, _ = strconv.ParseFloat(*fs.Value, 64)
		}
	case "tasks_total":
		if fs.Value != nil {
			n.TasksTotal, _ = strconv.Atoi(*fs.Value)
		}
	case "tasks_completed":
		if fs.Value != nil {
			n.TasksCompleted, _ = strconv.Atoi(*fs.Value)
		}
	case "manual_status":
		n.ManualStatus = fs.Value
	case "name":
		if fs.Value != nil {
			n.Name = *fs.Value
		}
	}
}

func (m *memStore) ApplyRemote(_ context.Context, ref entity.Ref, apply map[string]conflict.FieldState, conflicts []conflict.Conflict) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, fs := range apply {
		m.writeField(ref, name, fs)
	}
	for i := range conflicts {
		c := &conflicts[i]
		var existing *conflict.Conflict
		for _, p := range m.conflicts {
			if p.Ref == ref && p.FieldName == c.FieldName && !p.IsResolved() {
				existing = p
				break
			}
		}
		if existing != nil {
			existing.LocalValue = c.LocalValue
			existing.RemoteValue = c.RemoteValue
			existing.LocalUpdatedAt = c.LocalUpdatedAt
			existing.RemoteUpdatedAt = c.RemoteUpdatedAt
			c.ID = existing.ID
			c.CreatedAt = existing.CreatedAt
			continue
		}
		cp := *c
		cp.ID = int64(len(m.conflicts) + 1)
		cp.Strategy = conflict.StrategyPending
		cp.CreatedAt = time.Now()
		m.conflicts = append(m.conflicts, &cp)
		c.ID = cp.ID
		c.CreatedAt = cp.CreatedAt
	}
	return len(apply), nil
}

func (m *memStore) GetConflict(_ context.Context, id int64) (*conflict.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 1 || int(id) > len(m.conflicts) {
		return nil, fmt.Errorf("conflict %d: %w", id, domain.ErrNotFound)
	}
	out := *m.conflicts[id-1]
	return &out, nil
}

func (m *memStore) ListConflicts(_ context.Context, f conflict.Filter) ([]conflict.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []conflict.Conflict
	for i := len(m.conflicts) - 1; i >= 0; i-- {
		c := m.conflicts[i]
		if f.Ref != nil && c.Ref != *f.Ref {
			continue
		}
		if f.PendingOnly && c.IsResolved() {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (m *memStore) ResolveConflict(_ context.Context, id int64, strategy conflict.Strategy, value *string, by actor.Actor) (*conflict.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 1 || int(id) > len(m.conflicts) {
		return nil, fmt.Errorf("conflict %d: %w", id, domain.ErrNotFound)
	}
	c := m.conflicts[id-1]
	if c.IsResolved() {
		return nil, fmt.Errorf("conflict %d: %w", id, domain.ErrAlreadyResolved)
	}
	m.writeField(c.Ref, c.FieldName, conflict.FieldState{Value: value, UpdatedAt: timep(time.Now())})
	c.Strategy = strategy
	c.ResolvedValue = value
	c.ResolvedBy = &by
	c.ResolvedAt = timep(time.Now())
	out := *c
	return &out, nil
}

// --- HierarchyStore ---

func (m *memStore) GetNode(_ context.Context, ref entity.Ref) (*entity.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getNodes++
	n, ok := m.nodes[ref]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, domain.ErrNotFound)
	}
	out := *n
	return &out, nil
}

func (m *memStore) ListChildren(_ context.Context, ref entity.Ref) ([]entity.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.Node
	for _, n := range m.nodes {
		if n.Ref.Type == ref.Type.Child() && n.ParentID == ref.ID {
			out = append(out, *n)
		}
	}
	slices.SortFunc(out, func(a, b entity.Node) int { return int(a.Ref.ID - b.Ref.ID) })
	return out, nil
}

func (m *memStore) ListModules(_ context.Context) ([]entity.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.Node
	for _, n := range m.nodes {
		if n.Ref.Type == entity.TypeModule {
			out = append(out, *n)
		}
	}
	slices.SortFunc(out, func(a, b entity.Node) int { return int(a.Ref.ID - b.Ref.ID) })
	return out, nil
}

func (m *memStore) ListIndicators(_ context.Context, owner entity.Ref) ([]entity.Indicator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.Indicator
	for _, ind := range m.indicators {
		if ind.Owner == owner {
			out = append(out, *ind)
		}
	}
	return out, nil
}

func (m *memStore) ListFlagged(_ context.Context, limit int) ([]entity.Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.Ref
	for ref, n := range m.nodes {
		if n.NeedsRecompute {
			out = append(out, ref)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- StatusStore ---

func (m *memStore) ApplyComputed(_ context.Context, ref entity.Ref, res status.Result, by actor.Actor) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failApply[ref]; err != nil {
		return false, err
	}
	n, ok := m.nodes[ref]
	if !ok {
		return false, fmt.Errorf("%s: %w", ref, domain.ErrNotFound)
	}
	old := status.Status(n.Status)
	n.Status = string(res.Status)
	n.AutoStatus = string(res.AutoStatus)
	n.AutoProgress = res.AutoProgress
	n.Progress = res.Progress
	n.RiskLevel = string(res.Risk)
	n.NeedsRecompute = false

	changed := old != res.Status
	if changed {
		m.history = append(m.history, status.History{
			ID:        int64(len(m.history) + 1),
			Ref:       ref,
			OldStatus: old,
			NewStatus: res.Status,
			ChangedAt: time.Now(),
			ChangedBy: by,
		})
	}
	return changed, nil
}

func (m *memStore) SetManualStatus(_ context.Context, ref entity.Ref, manual *status.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[ref]
	if !ok {
		return fmt.Errorf("%s: %w", ref, domain.ErrNotFound)
	}
	if manual == nil {
		n.ManualStatus = nil
		return nil
	}
	n.ManualStatus = strp(string(*manual))
	return nil
}

func (m *memStore) UpdateAchievement(_ context.Context, indicatorID int64, achievement float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ind := range m.indicators {
		if ind.ID == indicatorID {
			ind.Achievement = achievement
			return nil
		}
	}
	return fmt.Errorf("indicator %d: %w", indicatorID, domain.ErrNotFound)
}

func (m *memStore) SetNeedsRecompute(_ context.Context, ref entity.Ref, flagged bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[ref]
	if !ok {
		return fmt.Errorf("%s: %w", ref, domain.ErrNotFound)
	}
	n.NeedsRecompute = flagged
	return nil
}

func (m *memStore) ListStatusHistory(_ context.Context, ref entity.Ref, limit int) ([]status.History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []status.History
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].Ref != ref {
			continue
		}
		out = append(out, m.history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- tracker and broadcaster fakes ---

type fakeTracker struct {
	mu      sync.Mutex
	pushes  []tracker.PushRequest
	pulls   int
	pushErr error
	pullErr error
	records map[string]*tracker.RemoteRecord
	nextID  int
}

func (f *fakeTracker) Name() string { return "fake" }

func (f *fakeTracker) Push(_ context.Context, req *tracker.PushRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, *req)
	if f.pushErr != nil {
		return "", f.pushErr
	}
	if req.RemoteID != "" {
		return req.RemoteID, nil
	}
	f.nextID++
	return "R-" + strconv.Itoa(f.nextID), nil
}

func (f *fakeTracker) Pull(_ context.Context, _ entity.Type, remoteID string) (*tracker.RemoteRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	rec, ok := f.records[remoteID]
	if !ok {
		return nil, tracker.NewError(tracker.KindNotFound, "pull", fmt.Errorf("record %s", remoteID))
	}
	return rec, nil
}

func (f *fakeTracker) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

type recordingHub struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHub) BroadcastEvent(_ context.Context, eventType string, _ any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, eventType)
}

func (h *recordingHub) count(eventType string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e == eventType {
			n++
		}
	}
	return n
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/Strob0t/mesync/internal/domain"
	"github.com/Strob0t/mesync/internal/domain/actor"
	"github.com/Strob0t/mesync/internal/domain/entity"
	"github.com/Strob0t/mesync/internal/domain/status"
	"github.com/Strob0t/mesync/internal/domain/syncop"
	"github.com/Strob0t/mesync/internal/port/messagequeue"
)

// mockQueue implements messagequeue.Queue for testing.
type mockQueue struct {
	subjects []string
	subErr   error
	canceled int
}

func (q *mockQueue) Publish(_ context.Context, _ string, _ []byte) error { return nil }

func (q *mockQueue) Subscribe(_ context.Context, subject string, _ messagequeue.Handler) (func(), error) {
	if q.subErr != nil {
		return nil, q.subErr
	}
	q.subjects = append(q.subjects, subject)
	return func() { q.canceled++ }, nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

type triggerFixture struct {
	store *memStore
	queue *QueueService
	svc   *TriggerService
	tree  tree
}

func newTriggerFixture() *triggerFixture {
	store := newMemStore()
	tr := buildTree(store, 1, 0)
	queue := NewQueueService(store, testSyncConfig())
	hier := NewHierarchyService(store, newMapCache(), 0)
	statusSvc := NewStatusService(store, hier, testStatusConfig())
	return &triggerFixture{
		store: store,
		queue: queue,
		svc:   NewTriggerService(queue, statusSvc, hier, nil),
		tree:  tr,
	}
}

func (f *triggerFixture) pendingFor(t *testing.T, ref entity.Ref) []syncop.Operation {
	t.Helper()
	ops, err := f.queue.ListPending(context.Background(), &ref, 10)
	if err != nil {
		t.Fatal(err)
	}
	return ops
}

func TestEntityChangedStatusAffecting(t *testing.T) {
	f := newTriggerFixture()
	f.store.setProgress(f.tree.activity, 60)

	err := f.svc.EntityChanged(context.Background(), &messagequeue.EntityChangedPayload{
		EntityType:    string(entity.TypeActivity),
		EntityID:      f.tree.activity.ID,
		Operation:     string(syncop.OpUpdate),
		ChangedFields: []string{"progress_percentage"},
		Fields:        map[string]*string{"progress_percentage": strp("60"), "risk_level": strp("high")},
		Actor:         "user:u-7",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ops := f.pendingFor(t, f.tree.activity)
	if len(ops) != 1 || ops[0].Direction != syncop.DirectionPush {
		t.Fatalf("expected one push, got %+v", ops)
	}
	if _, ok := ops[0].Payload.Fields["risk_level"]; ok {
		t.Fatal("untracked fields must be dropped from the payload")
	}
	if m := f.store.node(f.tree.module); m.Status != string(status.InProgress) {
		t.Fatalf("expected chain recomputed, module is %s", m.Status)
	}
	hist, _ := f.store.ListStatusHistory(context.Background(), f.tree.activity, 1)
	if len(hist) != 1 || hist[0].ChangedBy.UserID() != "u-7" {
		t.Fatalf("expected transition attributed to u-7, got %+v", hist)
	}
}

func TestEntityChangedNonStatusFieldSkipsRecompute(t *testing.T) {
	f := newTriggerFixture()
	f.store.setProgress(f.tree.activity, 60)

	err := f.svc.EntityChanged(context.Background(), &messagequeue.EntityChangedPayload{
		EntityType:    string(entity.TypeActivity),
		EntityID:      f.tree.activity.ID,
		Operation:     string(syncop.OpUpdate),
		ChangedFields: []string{"description"},
		Fields:        map[string]*string{"description": strp("new")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.pendingFor(t, f.tree.activity)) != 1 {
		t.Fatal("expected a push")
	}
	if a := f.store.node(f.tree.activity); a.Status != string(status.NotStarted) {
		t.Fatalf("description change must not recompute, got %s", a.Status)
	}
}

func TestEntityChangedIndicator(t *testing.T) {
	f := newTriggerFixture()
	f.store.indicators = []*entity.Indicator{{ID: 3, Owner: f.tree.component, TargetValue: 200, CurrentValue: 50}}

	err := f.svc.EntityChanged(context.Background(), &messagequeue.EntityChangedPayload{
		EntityType:    string(entity.TypeIndicator),
		EntityID:      3,
		Operation:     string(syncop.OpUpdate),
		ChangedFields: []string{"current_value"},
		OwnerType:     string(entity.TypeComponent),
		OwnerID:       f.tree.component.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := f.store.indicators[0].Achievement; got != 25 {
		t.Fatalf("expected achievement 25, got %v", got)
	}
}

func TestEntityChangedDeleteRecomputesOwner(t *testing.T) {
	f := newTriggerFixture()
	f.store.setProgress(f.tree.activity, 100)
	ctx := context.Background()
	if _, err := f.svc.status.RecomputeChain(ctx, f.tree.activity, actor.System()); err != nil {
		t.Fatal(err)
	}
	if c := f.store.node(f.tree.component); c.Status != string(status.Completed) {
		t.Fatalf("setup: expected component completed, got %s", c.Status)
	}

	f.store.mu.Lock()
	delete(f.store.nodes, f.tree.activity)
	f.store.mu.Unlock()

	err := f.svc.EntityChanged(ctx, &messagequeue.EntityChangedPayload{
		EntityType: string(entity.TypeActivity),
		EntityID:   f.tree.activity.ID,
		Operation:  string(syncop.OpDelete),
		OwnerType:  string(entity.TypeComponent),
		OwnerID:    f.tree.component.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	ops := f.pendingFor(t, f.tree.activity)
	if len(ops) != 1 || ops[0].OperationType != syncop.OpDelete {
		t.Fatalf("expected a delete push, got %+v", ops)
	}
	if c := f.store.node(f.tree.component); c.Status != string(status.NotStarted) || c.Progress != 0 {
		t.Fatalf("expected childless component not-started/0, got %s/%v", c.Status, c.Progress)
	}
}

func TestEntityChangedInvalidType(t *testing.T) {
	f := newTriggerFixture()
	err := f.svc.EntityChanged(context.Background(), &messagequeue.EntityChangedPayload{
		EntityType: "planet",
		EntityID:   1,
		Operation:  string(syncop.OpUpdate),
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestHandleEntityChangedDropsBadMessages(t *testing.T) {
	f := newTriggerFixture()
	ctx := context.Background()

	if err := f.svc.handleEntityChanged(ctx, messagequeue.SubjectEntityChanged, []byte(`{not json`)); err != nil {
		t.Fatalf("malformed message must be dropped, got %v", err)
	}

	data, _ := json.Marshal(messagequeue.EntityChangedPayload{EntityType: "planet", EntityID: 1, Operation: "update"})
	if err := f.svc.handleEntityChanged(ctx, messagequeue.SubjectEntityChanged, data); err != nil {
		t.Fatalf("invalid entity change must be dropped, got %v", err)
	}

	stats, _ := f.queue.Stats(ctx)
	if stats.Pending != 0 {
		t.Fatalf("nothing should be queued, got %d", stats.Pending)
	}
}

func TestHandleStatusRecalculate(t *testing.T) {
	f := newTriggerFixture()
	f.store.setProgress(f.tree.activity, 50)
	ctx := context.Background()

	data, _ := json.Marshal(messagequeue.StatusRecalculatePayload{ModuleID: f.tree.module.ID})
	if err := f.svc.handleStatusRecalculate(ctx, messagequeue.SubjectStatusRecalculate, data); err != nil {
		t.Fatal(err)
	}
	if m := f.store.node(f.tree.module); m.Progress != 50 {
		t.Fatalf("expected module progress 50, got %v", m.Progress)
	}
}

func TestTriggerStart(t *testing.T) {
	f := newTriggerFixture()
	q := &mockQueue{}

	stop, err := f.svc.Start(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	if len(q.subjects) != 3 {
		t.Fatalf("expected 3 subscriptions, got %v", q.subjects)
	}
	stop()
	if q.canceled != 3 {
		t.Fatalf("expected 3 cancels, got %d", q.canceled)
	}

	if _, err := f.svc.Start(context.Background(), &mockQueue{subErr: errors.New("no stream")}); err == nil {
		t.Fatal("expected subscribe error")
	}
}

package conflict

import (
	"testing"
	"time"

	"github.com/Strob0t/mesync/internal/domain/actor"
	"github.com/Strob0t/mesync/internal/domain/entity"
)

func sp(s string) *string { return &s }

func tp(t time.Time) *time.Time { return &t }

var (
	base     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lastSync = base
	before   = base.Add(-time.Hour)
	after    = base.Add(time.Hour)
	later    = base.Add(2 * time.Hour)
)

func snapshots(localVal string, localAt *time.Time, remoteVal string, remoteAt *time.Time) (Snapshot, Snapshot) {
	ref := entity.NewRef(entity.TypeActivity, 7)
	local := Snapshot{Ref: ref, Fields: map[string]FieldState{
		"name": {Value: sp(localVal), UpdatedAt: localAt},
	}}
	remote := Snapshot{Ref: ref, RemoteID: "R-7", Fields: map[string]FieldState{
		"name": {Value: sp(remoteVal), UpdatedAt: remoteAt},
	}}
	return local, remote
}

func TestDetectBothChangedIsConflict(t *testing.T) {
	local, remote := snapshots("local", tp(after), "remote", tp(later))
	out := Detect(local, remote, tp(lastSync))

	if len(out.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(out.Conflicts))
	}
	c := out.Conflicts[0]
	if c.Strategy != StrategyPending {
		t.Errorf("expected pending strategy, got %q", c.Strategy)
	}
	if *c.LocalValue != "local" || *c.RemoteValue != "remote" {
		t.Errorf("unexpected values: %q / %q", *c.LocalValue, *c.RemoteValue)
	}
	if _, applied := out.Apply["name"]; applied {
		t.Error("conflicting field must not be applied")
	}
}

func TestDetectOnlyRemoteChangedPropagates(t *testing.T) {
	local, remote := snapshots("local", tp(before), "remote", tp(after))
	out := Detect(local, remote, tp(lastSync))

	if len(out.Conflicts) != 0 {
		t.Fatalf("expected no conflict, got %d", len(out.Conflicts))
	}
	got, ok := out.Apply["name"]
	if !ok || *got.Value != "remote" {
		t.Fatalf("expected remote value applied, got %+v", out.Apply)
	}
}

func TestDetectOnlyLocalChangedKeepsLocal(t *testing.T) {
	local, remote := snapshots("local", tp(after), "remote", tp(before))
	out := Detect(local, remote, tp(lastSync))

	if len(out.Apply) != 0 || len(out.Conflicts) != 0 {
		t.Fatalf("expected nothing applied, got %+v", out)
	}
	if len(out.KeptLocal) != 1 || out.KeptLocal[0] != "name" {
		t.Fatalf("expected name kept local, got %v", out.KeptLocal)
	}
}

func TestDetectFirstSyncRemoteWins(t *testing.T) {
	tests := []struct {
		name       string
		localAt    *time.Time
		remoteAt   *time.Time
		lastSynced *time.Time
	}{
		{"never synced", tp(after), tp(later), nil},
		{"no local timestamp", nil, tp(after), tp(lastSync)},
		{"no remote timestamp", tp(after), nil, tp(lastSync)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local, remote := snapshots("local", tt.localAt, "remote", tt.remoteAt)
			out := Detect(local, remote, tt.lastSynced)
			if len(out.Conflicts) != 0 {
				t.Fatalf("expected no conflict, got %d", len(out.Conflicts))
			}
			if got := out.Apply["name"]; got.Value == nil || *got.Value != "remote" {
				t.Fatalf("expected remote value applied, got %+v", out.Apply)
			}
		})
	}
}

func TestDetectEqualValuesNoop(t *testing.T) {
	local, remote := snapshots("same", tp(after), "same", tp(later))
	out := Detect(local, remote, tp(lastSync))
	if out.HasChanges() || len(out.KeptLocal) != 0 {
		t.Fatalf("expected no-op, got %+v", out)
	}
}

func TestDetectSkipsFieldsMissingRemotely(t *testing.T) {
	local, remote := snapshots("local", tp(after), "remote", tp(later))
	delete(remote.Fields, "name")
	out := Detect(local, remote, tp(lastSync))
	if out.HasChanges() {
		t.Fatalf("expected no changes, got %+v", out)
	}
}

func TestDetectIgnoresUntrackedRemoteFields(t *testing.T) {
	local, remote := snapshots("x", tp(before), "x", tp(before))
	remote.Fields["risk_level"] = FieldState{Value: sp("critical"), UpdatedAt: tp(after)}
	out := Detect(local, remote, tp(lastSync))
	if out.HasChanges() {
		t.Fatalf("untracked field must be ignored, got %+v", out)
	}
}

func TestDetectNullValues(t *testing.T) {
	local, remote := snapshots("", tp(before), "", tp(after))
	local.Fields["name"] = FieldState{Value: nil, UpdatedAt: tp(before)}
	out := Detect(local, remote, tp(lastSync))
	if got := out.Apply["name"]; got.Value == nil || *got.Value != "" {
		t.Fatalf("expected empty string to replace NULL, got %+v", out.Apply)
	}
}

func TestResolveRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     ResolveRequest
		wantErr bool
	}{
		{"keep local", ResolveRequest{ConflictID: 1, Strategy: StrategyKeepLocal}, false},
		{"keep remote", ResolveRequest{ConflictID: 1, Strategy: StrategyKeepRemote}, false},
		{"manual with value", ResolveRequest{ConflictID: 1, Strategy: StrategyManual, ResolvedValue: sp("v")}, false},
		{"manual without value", ResolveRequest{ConflictID: 1, Strategy: StrategyManual}, true},
		{"merged without value", ResolveRequest{ConflictID: 1, Strategy: StrategyMerged}, true},
		{"pending", ResolveRequest{ConflictID: 1, Strategy: StrategyPending}, true},
		{"unknown", ResolveRequest{ConflictID: 1, Strategy: "coin_flip"}, true},
		{"no id", ResolveRequest{Strategy: StrategyKeepLocal}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValueFor(t *testing.T) {
	c := Conflict{LocalValue: sp("l"), RemoteValue: sp("r")}
	if got := c.ValueFor(ResolveRequest{Strategy: StrategyKeepLocal}); *got != "l" {
		t.Errorf("keep_local = %q", *got)
	}
	if got := c.ValueFor(ResolveRequest{Strategy: StrategyKeepRemote}); *got != "r" {
		t.Errorf("keep_remote = %q", *got)
	}
	if got := c.ValueFor(ResolveRequest{Strategy: StrategyMerged, ResolvedValue: sp("lr"), ResolvedBy: actor.User("u1")}); *got != "lr" {
		t.Errorf("merged = %q", *got)
	}
}

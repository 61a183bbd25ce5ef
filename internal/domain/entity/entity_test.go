package entity

import "testing"

func TestTypeNavigation(t *testing.T) {
	tests := []struct {
		typ    Type
		parent Type
		child  Type
	}{
		{TypeModule, "", TypeSubProgram},
		{TypeSubProgram, TypeModule, TypeComponent},
		{TypeComponent, TypeSubProgram, TypeActivity},
		{TypeActivity, TypeComponent, ""},
		{TypeIndicator, "", ""},
		{TypeProject, "", ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			if got := tt.typ.Parent(); got != tt.parent {
				t.Errorf("Parent() = %q, want %q", got, tt.parent)
			}
			if got := tt.typ.Child(); got != tt.child {
				t.Errorf("Child() = %q, want %q", got, tt.child)
			}
		})
	}
}

func TestLevelsBottomUp(t *testing.T) {
	got := Levels()
	want := []Type{TypeActivity, TypeComponent, TypeSubProgram, TypeModule}
	if len(got) != len(want) {
		t.Fatalf("expected %d levels, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("level %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseRef(t *testing.T) {
	r, err := ParseRef("activity:12")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r != NewRef(TypeActivity, 12) {
		t.Fatalf("got %v", r)
	}
	if r.String() != "activity:12" {
		t.Fatalf("String() = %q", r.String())
	}

	for _, bad := range []string{"", "activity", "activity:x", "planet:1"} {
		if _, err := ParseRef(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestStatusAffectingFields(t *testing.T) {
	if !IsStatusAffecting(TypeActivity, "progress_percentage") {
		t.Error("progress_percentage should be status-affecting on activities")
	}
	if IsStatusAffecting(TypeActivity, "description") {
		t.Error("description should not be status-affecting")
	}
	if IsStatusAffecting(TypeModule, "progress_percentage") {
		t.Error("module progress is computed, not tracked")
	}
	if !AnyStatusAffecting(TypeIndicator, []string{"name", "current_value"}) {
		t.Error("current_value should be status-affecting on indicators")
	}
}

func TestParentRef(t *testing.T) {
	n := Node{Ref: NewRef(TypeActivity, 3), ParentID: 9}
	if got := n.ParentRef(); got != NewRef(TypeComponent, 9) {
		t.Fatalf("ParentRef() = %v", got)
	}
	m := Node{Ref: NewRef(TypeModule, 1)}
	if !m.ParentRef().IsZero() {
		t.Fatal("module should have no parent")
	}
}

// Package entity describes the monitoring-and-evaluation entity tree
// (module -> sub-program -> component -> activity) and the records attached to it.
package entity

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Type names an entity kind. The values double as sync queue entity_type values.
type Type string

const (
	TypeModule     Type = "module"
	TypeSubProgram Type = "sub_program"
	TypeComponent  Type = "component"
	TypeActivity   Type = "activity"
	TypeIndicator  Type = "indicator"
	TypeProject    Type = "project"
)

// hierarchy lists the four containment levels, top first.
var hierarchy = []Type{TypeModule, TypeSubProgram, TypeComponent, TypeActivity}

// Validate checks if t is a known entity type.
func (t Type) Validate() error {
	switch t {
	case TypeModule, TypeSubProgram, TypeComponent, TypeActivity, TypeIndicator, TypeProject:
		return nil
	default:
		return fmt.Errorf("invalid entity type: %q", t)
	}
}

// InHierarchy reports whether t is one of the four rollup levels.
func (t Type) InHierarchy() bool {
	return t.level() >= 0
}

// Parent returns the type one level up, or "" for modules and non-hierarchy types.
func (t Type) Parent() Type {
	if l := t.level(); l > 0 {
		return hierarchy[l-1]
	}
	return ""
}

// Child returns the type one level down, or "" for activities and non-hierarchy types.
func (t Type) Child() Type {
	if l := t.level(); l >= 0 && l < len(hierarchy)-1 {
		return hierarchy[l+1]
	}
	return ""
}

// IsLeaf reports whether t is the bottom rollup level.
func (t Type) IsLeaf() bool { return t == TypeActivity }

func (t Type) level() int {
	for i, h := range hierarchy {
		if h == t {
			return i
		}
	}
	return -1
}

// Levels returns the hierarchy types bottom-up (activity first).
func Levels() []Type {
	out := make([]Type, len(hierarchy))
	for i := range hierarchy {
		out[i] = hierarchy[len(hierarchy)-1-i]
	}
	return out
}

// Ref identifies one entity.
type Ref struct {
	Type Type  `json:"entity_type"`
	ID   int64 `json:"entity_id"`
}

// NewRef is a shorthand constructor.
func NewRef(t Type, id int64) Ref { return Ref{Type: t, ID: id} }

// IsZero reports whether r is unset.
func (r Ref) IsZero() bool { return r.Type == "" && r.ID == 0 }

func (r Ref) String() string { return string(r.Type) + ":" + strconv.FormatInt(r.ID, 10) }

// ParseRef is the inverse of Ref.String.
func ParseRef(s string) (Ref, error) {
	typ, idStr, ok := strings.Cut(s, ":")
	if !ok {
		return Ref{}, fmt.Errorf("invalid entity ref %q", s)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return Ref{}, fmt.Errorf("invalid entity ref %q: %w", s, err)
	}
	r := Ref{Type: Type(typ), ID: id}
	if err := r.Type.Validate(); err != nil {
		return Ref{}, err
	}
	return r, nil
}

// Node is one entity of the rollup tree with its computed fields.
// The CRUD layer owns the domain fields; Status, AutoStatus, AutoProgress,
// Progress and RiskLevel are written only by the status calculator.
type Node struct {
	Ref          Ref        `json:"ref"`
	ParentID     int64      `json:"parent_id,omitempty"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	AutoStatus   string     `json:"auto_status"`
	ManualStatus *string    `json:"manual_status,omitempty"`
	AutoProgress float64    `json:"auto_progress"`
	Progress     float64    `json:"progress_percentage"`
	RiskLevel    string     `json:"risk_level"`
	StartDate    *time.Time `json:"start_date,omitempty"`
	EndDate      *time.Time `json:"end_date,omitempty"`

	// Leaf inputs, materialized by the CRUD layer on activities.
	TasksTotal            int     `json:"tasks_total"`
	TasksCompleted        int     `json:"tasks_completed"`
	ScheduleDeviationDays int     `json:"schedule_deviation_days"`
	Velocity              float64 `json:"velocity"`

	NeedsRecompute bool      `json:"needs_recompute"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ParentRef returns the ref of the node's parent, or a zero Ref for modules.
func (n *Node) ParentRef() Ref {
	pt := n.Ref.Type.Parent()
	if pt == "" || n.ParentID == 0 {
		return Ref{}
	}
	return Ref{Type: pt, ID: n.ParentID}
}

// Indicator is a measurable target attached to a hierarchy node.
type Indicator struct {
	ID           int64   `json:"id"`
	Owner        Ref     `json:"owner"`
	Name         string  `json:"name"`
	TargetValue  float64 `json:"target_value"`
	CurrentValue float64 `json:"current_value"`
	Achievement  float64 `json:"achievement_percentage"`
}

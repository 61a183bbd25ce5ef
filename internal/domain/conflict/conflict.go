// Package conflict models field-level divergences between the local store
// and the external tracker and the pure rules that detect them.
package conflict

import (
	"fmt"
	"time"

	"github.com/Strob0t/mesync/internal/domain/actor"
	"github.com/Strob0t/mesync/internal/domain/entity"
)

// Strategy is how a conflict was (or is to be) resolved.
type Strategy string

const (
	StrategyPending    Strategy = "pending"
	StrategyKeepLocal  Strategy = "keep_local"
	StrategyKeepRemote Strategy = "keep_remote"
	StrategyManual     Strategy = "manual"
	StrategyMerged     Strategy = "merged"
)

// Validate rejects unknown strategies.
func (s Strategy) Validate() error {
	switch s {
	case StrategyPending, StrategyKeepLocal, StrategyKeepRemote, StrategyManual, StrategyMerged:
		return nil
	default:
		return fmt.Errorf("invalid resolution strategy: %q", s)
	}
}

// Conflict is one recorded divergence of a single field.
// Once Strategy leaves pending the row is immutable.
type Conflict struct {
	ID              int64        `json:"id"`
	Ref             entity.Ref   `json:"ref"`
	FieldName       string       `json:"field_name"`
	LocalValue      *string      `json:"local_value"`
	RemoteValue     *string      `json:"remote_value"`
	LocalUpdatedAt  *time.Time   `json:"local_updated_at,omitempty"`
	RemoteUpdatedAt *time.Time   `json:"remote_updated_at,omitempty"`
	Strategy        Strategy     `json:"resolution_strategy"`
	ResolvedValue   *string      `json:"resolved_value,omitempty"`
	ResolvedBy      *actor.Actor `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time   `json:"resolved_at,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// IsResolved reports whether the conflict has left the pending state.
func (c *Conflict) IsResolved() bool { return c.Strategy != StrategyPending }

// ValueFor returns the value a resolution writes to the local record.
func (c *Conflict) ValueFor(req ResolveRequest) *string {
	switch req.Strategy {
	case StrategyKeepLocal:
		return c.LocalValue
	case StrategyKeepRemote:
		return c.RemoteValue
	default:
		return req.ResolvedValue
	}
}

// ResolveRequest is an operator or policy decision on one conflict.
type ResolveRequest struct {
	ConflictID    int64       `json:"conflict_id"`
	Strategy      Strategy    `json:"strategy"`
	ResolvedValue *string     `json:"resolved_value,omitempty"`
	ResolvedBy    actor.Actor `json:"resolved_by"`
}

// Validate checks a ResolveRequest.
func (r *ResolveRequest) Validate() error {
	if r.ConflictID <= 0 {
		return fmt.Errorf("conflict id must be positive")
	}
	if err := r.Strategy.Validate(); err != nil {
		return err
	}
	switch r.Strategy {
	case StrategyPending:
		return fmt.Errorf("cannot resolve with strategy %q", r.Strategy)
	case StrategyManual, StrategyMerged:
		if r.ResolvedValue == nil {
			return fmt.Errorf("strategy %q requires a resolved value", r.Strategy)
		}
	}
	return nil
}

// Filter narrows conflict listings.
type Filter struct {
	Ref         *entity.Ref
	PendingOnly bool
	Limit       int
}

// FieldState is one field value with the time it was last written on its side.
// A nil UpdatedAt means the side has no record of when the field changed.
type FieldState struct {
	Value     *string    `json:"value"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Snapshot is the tracked-field view of one entity on one side.
type Snapshot struct {
	Ref      entity.Ref            `json:"ref"`
	RemoteID string                `json:"remote_id,omitempty"`
	Fields   map[string]FieldState `json:"fields"`
}

// Outcome is what Detect decided for a pulled record.
type Outcome struct {
	// Apply holds remote values to write into the local record.
	Apply map[string]FieldState
	// Conflicts are new pending conflicts; neither side is applied.
	Conflicts []Conflict
	// KeptLocal lists fields where the local value stays and should be pushed.
	KeptLocal []string
}

// HasChanges reports whether anything must be written locally.
func (o *Outcome) HasChanges() bool { return len(o.Apply) > 0 || len(o.Conflicts) > 0 }

// AppliedFields returns the names in Apply.
func (o *Outcome) AppliedFields() []string {
	names := make([]string, 0, len(o.Apply))
	for n := range o.Apply {
		names = append(names, n)
	}
	return names
}

// Detect compares local and remote tracked fields against the last sync time.
// A field changed on both sides since lastSynced with differing values is a
// conflict; a field changed on one side only propagates from that side.
// Without a last sync time or a per-field timestamp the remote value wins.
func Detect(local, remote Snapshot, lastSynced *time.Time) Outcome {
	out := Outcome{Apply: make(map[string]FieldState)}
	for _, f := range entity.Fields(local.Ref.Type) {
		rs, ok := remote.Fields[f.Name]
		if !ok {
			continue
		}
		ls := local.Fields[f.Name]
		if Equal(ls.Value, rs.Value) {
			continue
		}
		if lastSynced == nil || ls.UpdatedAt == nil || rs.UpdatedAt == nil {
			out.Apply[f.Name] = rs
			continue
		}

		localChanged := ls.UpdatedAt.After(*lastSynced)
		remoteChanged := rs.UpdatedAt.After(*lastSynced)
		switch {
		case localChanged && remoteChanged:
			out.Conflicts = append(out.Conflicts, Conflict{
				Ref:             local.Ref,
				FieldName:       f.Name,
				LocalValue:      ls.Value,
				RemoteValue:     rs.Value,
				LocalUpdatedAt:  ls.UpdatedAt,
				RemoteUpdatedAt: rs.UpdatedAt,
				Strategy:        StrategyPending,
			})
		case remoteChanged:
			out.Apply[f.Name] = rs
		case localChanged:
			out.KeptLocal = append(out.KeptLocal, f.Name)
		case rs.UpdatedAt.After(*ls.UpdatedAt):
			// Neither side moved since the last sync yet values differ:
			// the most recent write wins.
			out.Apply[f.Name] = rs
		default:
			out.KeptLocal = append(out.KeptLocal, f.Name)
		}
	}
	return out
}

// Equal reports whether two nullable field values are the same.
func Equal(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

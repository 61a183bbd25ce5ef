// Package tracker defines the port interface for the external task tracker:
// an abstract remote entity store reached through push and pull.
package tracker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Strob0t/mesync/internal/domain/conflict"
	"github.com/Strob0t/mesync/internal/domain/entity"
	"github.com/Strob0t/mesync/internal/domain/syncop"
)

// PushRequest carries one local change to the tracker.
type PushRequest struct {
	Ref           entity.Ref           `json:"ref"`
	OperationType syncop.OperationType `json:"operation_type"`
	// RemoteID is empty until the entity has been created remotely.
	RemoteID string             `json:"remote_id,omitempty"`
	Fields   map[string]*string `json:"fields,omitempty"`
	Raw      json.RawMessage    `json:"raw,omitempty"`
}

// RemoteRecord is the tracker's view of one entity.
type RemoteRecord struct {
	RemoteID   string             `json:"remote_id"`
	EntityType entity.Type        `json:"entity_type"`
	Fields     map[string]*string `json:"fields"`
	// FieldUpdatedAt holds per-field change times when the tracker exposes them.
	FieldUpdatedAt map[string]time.Time `json:"field_updated_at,omitempty"`
	// UpdatedAt is the record-level change time, used for fields without one.
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// Snapshot converts the record into the conflict detector's view for ref.
func (r *RemoteRecord) Snapshot(ref entity.Ref) conflict.Snapshot {
	s := conflict.Snapshot{Ref: ref, RemoteID: r.RemoteID, Fields: make(map[string]conflict.FieldState, len(r.Fields))}
	for name, v := range r.Fields {
		fs := conflict.FieldState{Value: v, UpdatedAt: r.UpdatedAt}
		if at, ok := r.FieldUpdatedAt[name]; ok {
			fs.UpdatedAt = &at
		}
		s.Fields[name] = fs
	}
	return s
}

// Tracker is the remote adapter. Implementations must be idempotent on retry
// of the same operation and return *Error for classified failures.
type Tracker interface {
	// Name returns the adapter identifier.
	Name() string

	// Push writes a local change and returns the tracker's id for the entity.
	Push(ctx context.Context, req *PushRequest) (string, error)

	// Pull fetches the current remote state of an entity.
	Pull(ctx context.Context, entityType entity.Type, remoteID string) (*RemoteRecord, error)
}

// Package syncop contains the domain model of the two-way sync queue:
// queued operations, per-entity sync state and the append-only sync log.
package syncop

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/mesync/internal/domain/actor"
	"github.com/Strob0t/mesync/internal/domain/entity"
)

// OperationType is the kind of change being synchronized.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// Direction specifies which side is written.
type Direction string

const (
	DirectionPush Direction = "push" // local -> tracker
	DirectionPull Direction = "pull" // tracker -> local
)

// Status is the queue lifecycle state of an operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSyncing   Status = "syncing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const (
	// DefaultPriority is used when a request leaves Priority at zero.
	DefaultPriority = 5
	MinPriority     = 1
	MaxPriority     = 10

	// PayloadSchema is the current payload schema version.
	PayloadSchema = 1
)

// Payload is the structured content of an operation. Fields holds values of
// the entity type's tracked fields (nil means NULL); Raw carries free-form
// content whose shape is described only by Schema.
type Payload struct {
	Schema   int                `json:"schema"`
	Fields   map[string]*string `json:"fields,omitempty"`
	RemoteID string             `json:"remote_id,omitempty"`
	Raw      json.RawMessage    `json:"raw,omitempty"`
}

// Validate checks that every field is tracked for t.
func (p *Payload) Validate(t entity.Type) error {
	if p.Schema < 0 || p.Schema > PayloadSchema {
		return fmt.Errorf("unsupported payload schema %d", p.Schema)
	}
	for name := range p.Fields {
		if _, ok := entity.LookupField(t, name); !ok {
			return fmt.Errorf("field %q is not tracked for %s", name, t)
		}
	}
	if len(p.Raw) > 0 && !json.Valid(p.Raw) {
		return fmt.Errorf("raw payload is not valid JSON")
	}
	return nil
}

// FieldNames returns the names present in Fields.
func (p *Payload) FieldNames() []string {
	names := make([]string, 0, len(p.Fields))
	for n := range p.Fields {
		names = append(names, n)
	}
	return names
}

// Operation is one requested synchronization action. Rows are never deleted.
type Operation struct {
	ID            int64         `json:"id"`
	Ref           entity.Ref    `json:"ref"`
	OperationType OperationType `json:"operation_type"`
	Direction     Direction     `json:"direction"`
	Status        Status        `json:"status"`
	Priority      int           `json:"priority"`
	RetryCount    int           `json:"retry_count"`
	MaxRetries    int           `json:"max_retries"`
	ScheduledAt   time.Time     `json:"scheduled_at"`
	LastError     string        `json:"last_error,omitempty"`
	Payload       Payload       `json:"payload"`
	LockedAt      *time.Time    `json:"locked_at,omitempty"`
	LockedBy      string        `json:"locked_by,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// DeadLettered reports whether the operation exhausted its retry budget.
func (o *Operation) DeadLettered() bool {
	return o.Status == StatusFailed && o.RetryCount >= o.MaxRetries
}

// EnqueueRequest is the input for adding an operation to the queue.
type EnqueueRequest struct {
	Ref           entity.Ref    `json:"ref"`
	OperationType OperationType `json:"operation_type"`
	Direction     Direction     `json:"direction"`
	Priority      int           `json:"priority"`
	MaxRetries    int           `json:"max_retries"`
	Payload       Payload       `json:"payload"`
	ScheduledAt   time.Time     `json:"scheduled_at"`
}

// Validate checks an EnqueueRequest after defaults have been applied.
func (r *EnqueueRequest) Validate() error {
	if err := r.Ref.Type.Validate(); err != nil {
		return err
	}
	if r.Ref.ID <= 0 {
		return fmt.Errorf("entity_id must be positive")
	}
	switch r.OperationType {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("invalid operation type: %q", r.OperationType)
	}
	switch r.Direction {
	case DirectionPush, DirectionPull:
	default:
		return fmt.Errorf("invalid direction: %q", r.Direction)
	}
	if r.Priority < MinPriority || r.Priority > MaxPriority {
		return fmt.Errorf("priority must be between %d and %d", MinPriority, MaxPriority)
	}
	if r.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be >= 1")
	}
	return r.Payload.Validate(r.Ref.Type)
}

// SyncState is the reconciliation state of an entity with the tracker.
type SyncState string

const (
	StateSynced   SyncState = "synced"
	StateConflict SyncState = "conflict"
	StateFailed   SyncState = "failed"
)

// State is the per-entity sync status row; absence means never synced.
type State struct {
	Ref           entity.Ref `json:"ref"`
	Status        SyncState  `json:"status"`
	RemoteID      string     `json:"remote_id,omitempty"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	LastDirection Direction  `json:"last_sync_direction,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// LogEntry is one append-only forensic record of a processed operation.
type LogEntry struct {
	ID              int64         `json:"id"`
	OperationID     int64         `json:"operation_id"`
	Ref             entity.Ref    `json:"ref"`
	OperationType   OperationType `json:"operation_type"`
	Direction       Direction     `json:"direction"`
	Status          Status        `json:"status"`
	Error           string        `json:"error,omitempty"`
	DurationMS      int64         `json:"duration_ms"`
	RecordsAffected int           `json:"records_affected"`
	Actor           actor.Actor   `json:"actor"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Stats summarizes the queue for the ops surface.
type Stats struct {
	Pending          int        `json:"pending"`
	Syncing          int        `json:"syncing"`
	Completed        int        `json:"completed"`
	Failed           int        `json:"failed"`
	DeadLettered     int        `json:"dead_lettered"`
	OldestPendingAt  *time.Time `json:"oldest_pending_at,omitempty"`
	PendingConflicts int        `json:"pending_conflicts"`
}

// Filter narrows operation listings.
type Filter struct {
	Status Status
	Ref    *entity.Ref
	Limit  int
}

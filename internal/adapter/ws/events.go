package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventSyncOperation = "sync.operation"
	EventSyncConflict  = "sync.conflict"
	EventSyncDrain     = "sync.drain"
	EventStatusChanged = "status.changed"
)

// SyncOperationEvent is broadcast after every processed queue operation.
type SyncOperationEvent struct {
	OperationID int64  `json:"operation_id"`
	EntityType  string `json:"entity_type"`
	EntityID    int64  `json:"entity_id"`
	Direction   string `json:"direction"`
	Status      string `json:"status"`
	RetryCount  int    `json:"retry_count"`
	Error       string `json:"error,omitempty"`
}

// SyncConflictEvent is broadcast when a conflict is recorded or resolved.
type SyncConflictEvent struct {
	ConflictID int64  `json:"conflict_id"`
	EntityType string `json:"entity_type"`
	EntityID   int64  `json:"entity_id"`
	FieldName  string `json:"field_name"`
	Strategy   string `json:"resolution_strategy"`
}

// SyncDrainEvent summarizes one drain run.
type SyncDrainEvent struct {
	RunID     string `json:"run_id"`
	Claimed   int    `json:"claimed"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Conflicts int    `json:"conflicts"`
}

// StatusChangedEvent is broadcast when a recompute changes an entity's status.
type StatusChangedEvent struct {
	EntityType string  `json:"entity_type"`
	EntityID   int64   `json:"entity_id"`
	OldStatus  string  `json:"old_status"`
	NewStatus  string  `json:"new_status"`
	Progress   float64 `json:"progress_percentage"`
	RiskLevel  string  `json:"risk_level"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}

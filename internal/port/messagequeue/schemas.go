package messagequeue

// EntityChangedPayload is the schema for mesync.entity.changed messages.
// The CRUD layer publishes one after every committed create, update or delete.
type EntityChangedPayload struct {
	EntityType    string             `json:"entity_type"`
	EntityID      int64              `json:"entity_id"`
	Operation     string             `json:"operation"`
	ChangedFields []string           `json:"changed_fields"`
	Fields        map[string]*string `json:"fields,omitempty"`
	Priority      int                `json:"priority,omitempty"`
	Actor         string             `json:"actor,omitempty"`
	// OwnerType and OwnerID name the hierarchy node whose rollup the change
	// affects when the entity itself cannot be read: the owner of an
	// indicator, or the parent of a deleted node.
	OwnerType string `json:"owner_type,omitempty"`
	OwnerID   int64  `json:"owner_id,omitempty"`
}

// SyncRequestedPayload is the schema for mesync.sync.requested messages.
type SyncRequestedPayload struct {
	BatchSize int    `json:"batch_size"`
	Actor     string `json:"actor,omitempty"`
}

// StatusRecalculatePayload is the schema for mesync.status.recalculate messages.
// With EntityType set only that entity's ancestor chain is recomputed;
// otherwise ModuleID (0 for all modules) selects a full recalculation.
type StatusRecalculatePayload struct {
	EntityType string `json:"entity_type,omitempty"`
	EntityID   int64  `json:"entity_id,omitempty"`
	ModuleID   int64  `json:"module_id,omitempty"`
	DryRun     bool   `json:"dry_run"`
	Actor      string `json:"actor,omitempty"`
}

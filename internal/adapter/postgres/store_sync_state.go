package postgres

import (
	"context"
	"fmt"

	"github.com/Strob0t/mesync/internal/domain/actor"
	"github.com/Strob0t/mesync/internal/domain/entity"
	"github.com/Strob0t/mesync/internal/domain/syncop"
)

// --- Sync status ---

func (s *Store) GetSyncState(ctx context.Context, ref entity.Ref) (*syncop.State, error) {
	var (
		st        syncop.State
		direction *string
	)
	st.Ref = ref
	err := s.pool.QueryRow(ctx,
		`SELECT status, remote_id, last_synced_at, last_sync_direction, last_error, updated_at
		 FROM sync_status WHERE entity_type = $1 AND entity_id = $2`, ref.Type, ref.ID).
		Scan(&st.Status, &st.RemoteID, &st.LastSyncedAt, &direction, &st.LastError, &st.UpdatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get sync state %s", ref)
	}
	st.LastDirection = syncop.Direction(derefString(direction))
	return &st, nil
}

func (s *Store) UpsertSyncState(ctx context.Context, st *syncop.State) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_status (entity_type, entity_id, status, remote_id, last_synced_at, last_sync_direction, last_error, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (entity_type, entity_id) DO UPDATE SET
		     status              = EXCLUDED.status,
		     remote_id           = COALESCE(NULLIF(EXCLUDED.remote_id, ''), sync_status.remote_id),
		     last_synced_at      = COALESCE(EXCLUDED.last_synced_at, sync_status.last_synced_at),
		     last_sync_direction = COALESCE(EXCLUDED.last_sync_direction, sync_status.last_sync_direction),
		     last_error          = EXCLUDED.last_error,
		     updated_at          = now()`,
		st.Ref.Type, st.Ref.ID, st.Status, st.RemoteID, st.LastSyncedAt,
		nullIfEmpty(string(st.LastDirection)), st.LastError)
	if err != nil {
		return fmt.Errorf("upsert sync state %s: %w", st.Ref, err)
	}
	return nil
}

func (s *Store) MarkSyncStateFailed(ctx context.Context, ref entity.Ref, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_status SET status = 'failed', last_error = $3, updated_at = now()
		 WHERE entity_type = $1 AND entity_id = $2`, ref.Type, ref.ID, errMsg)
	if err != nil {
		return fmt.Errorf("mark sync state failed %s: %w", ref, err)
	}
	return nil
}

// --- Sync log ---

func (s *Store) AppendSyncLog(ctx context.Context, e *syncop.LogEntry) error {
	kind, actorID := e.Actor.Columns()
	err := s.pool.QueryRow(ctx,
		`INSERT INTO sync_log (operation_id, entity_type, entity_id, operation_type, direction, status,
		                       error, duration_ms, records_affected, actor_kind, actor_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id, created_at`,
		e.OperationID, e.Ref.Type, e.Ref.ID, e.OperationType, e.Direction, e.Status,
		e.Error, e.DurationMS, e.RecordsAffected, kind, actorID).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append sync log for operation %d: %w", e.OperationID, err)
	}
	return nil
}

func (s *Store) ListSyncLog(ctx context.Context, ref *entity.Ref, limit int) ([]syncop.LogEntry, error) {
	query := `SELECT id, operation_id, entity_type, entity_id, operation_type, direction, status,
	                 error, duration_ms, records_affected, actor_kind, actor_id, created_at
	          FROM sync_log`
	args := []any{listLimit(limit)}
	if ref != nil {
		query += ` WHERE entity_type = $2 AND entity_id = $3`
		args = append(args, ref.Type, ref.ID)
	}
	query += ` ORDER BY id DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync log: %w", err)
	}
	defer rows.Close()

	var entries []syncop.LogEntry
	for rows.Next() {
		var (
			e       syncop.LogEntry
			kind    string
			actorID *string
		)
		if err := rows.Scan(&e.ID, &e.OperationID, &e.Ref.Type, &e.Ref.ID, &e.OperationType, &e.Direction, &e.Status,
			&e.Error, &e.DurationMS, &e.RecordsAffected, &kind, &actorID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		e.Actor = actor.FromColumns(kind, actorID)
		entries = append(entries, e)
	}
	return orEmpty(entries), rows.Err()
}

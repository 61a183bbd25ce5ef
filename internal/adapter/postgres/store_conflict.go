package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/mesync/internal/domain"
	"github.com/Strob0t/mesync/internal/domain/actor"
	"github.com/Strob0t/mesync/internal/domain/conflict"
	"github.com/Strob0t/mesync/internal/domain/entity"
)

const conflictColumns = `id, entity_type, entity_id, field_name, local_value, remote_value, local_updated_at,
	remote_updated_at, resolution_strategy, resolved_value, resolved_by_kind, resolved_by_id, resolved_at, created_at`

func scanConflict(row scannable) (conflict.Conflict, error) {
	var (
		c      conflict.Conflict
		byKind *string
		byID   *string
	)
	err := row.Scan(&c.ID, &c.Ref.Type, &c.Ref.ID, &c.FieldName, &c.LocalValue, &c.RemoteValue, &c.LocalUpdatedAt,
		&c.RemoteUpdatedAt, &c.Strategy, &c.ResolvedValue, &byKind, &byID, &c.ResolvedAt, &c.CreatedAt)
	if err != nil {
		return c, err
	}
	if byKind != nil {
		a := actor.FromColumns(*byKind, byID)
		c.ResolvedBy = &a
	}
	return c, nil
}

// --- Entity snapshots ---

func (s *Store) LoadSnapshot(ctx context.Context, ref entity.Ref) (*conflict.Snapshot, error) {
	table, err := entityTable(ref.Type)
	if err != nil {
		return nil, err
	}
	fields := entity.Fields(ref.Type)

	cols := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		cols = append(cols, fieldText(f))
	}
	cols = append(cols, "field_timestamps")

	values := make([]*string, len(fields))
	dest := make([]any, 0, len(fields)+1)
	for i := range values {
		dest = append(dest, &values[i])
	}
	var stamps map[string]time.Time
	dest = append(dest, &stamps)

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, strings.Join(cols, ", "), table)
	if err := s.pool.QueryRow(ctx, query, ref.ID).Scan(dest...); err != nil {
		return nil, notFoundWrap(err, "load snapshot %s", ref)
	}

	snap := &conflict.Snapshot{Ref: ref, Fields: make(map[string]conflict.FieldState, len(fields))}
	for i, f := range fields {
		fs := conflict.FieldState{Value: values[i]}
		if at, ok := stamps[f.Name]; ok {
			fs.UpdatedAt = &at
		}
		snap.Fields[f.Name] = fs
	}
	return snap, nil
}

func (s *Store) ApplyRemote(ctx context.Context, ref entity.Ref, apply map[string]conflict.FieldState, conflicts []conflict.Conflict) (int, error) {
	table, err := entityTable(ref.Type)
	if err != nil {
		return 0, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if len(apply) > 0 {
		if err := skipFieldTouch(ctx, tx); err != nil {
			return 0, err
		}
		if err := applyFields(ctx, tx, table, ref, apply); err != nil {
			return 0, err
		}
	}

	for i := range conflicts {
		c := &conflicts[i]
		err := tx.QueryRow(ctx,
			`INSERT INTO sync_conflicts (entity_type, entity_id, field_name, local_value, remote_value,
			                             local_updated_at, remote_updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (entity_type, entity_id, field_name) WHERE resolution_strategy = 'pending'
			 DO UPDATE SET local_value       = EXCLUDED.local_value,
			               remote_value      = EXCLUDED.remote_value,
			               local_updated_at  = EXCLUDED.local_updated_at,
			               remote_updated_at = EXCLUDED.remote_updated_at
			 RETURNING id, created_at`,
			ref.Type, ref.ID, c.FieldName, c.LocalValue, c.RemoteValue, c.LocalUpdatedAt, c.RemoteUpdatedAt).
			Scan(&c.ID, &c.CreatedAt)
		if err != nil {
			return 0, fmt.Errorf("record conflict %s.%s: %w", ref, c.FieldName, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit apply remote %s: %w", ref, err)
	}
	return len(apply), nil
}

// applyFields writes values into tracked columns and stamps their update
// times with the remote change time (or now when the remote has none).
func applyFields(ctx context.Context, tx pgx.Tx, table string, ref entity.Ref, apply map[string]conflict.FieldState) error {
	now := time.Now().UTC()
	sets := make([]string, 0, len(apply)+1)
	args := []any{ref.ID}
	stamps := make(map[string]time.Time, len(apply))

	for _, f := range entity.Fields(ref.Type) {
		fs, ok := apply[f.Name]
		if !ok {
			continue
		}
		args = append(args, fs.Value)
		sets = append(sets, fmt.Sprintf("%s = CAST($%d::text AS %s)", pgx.Identifier{f.Name}.Sanitize(), len(args), f.SQLType))
		stamps[f.Name] = now
		if fs.UpdatedAt != nil {
			stamps[f.Name] = fs.UpdatedAt.UTC()
		}
	}
	if len(sets) != len(apply) {
		return fmt.Errorf("apply to %s: untracked field: %w", ref, domain.ErrValidation)
	}

	stampsJSON, err := json.Marshal(stamps)
	if err != nil {
		return fmt.Errorf("marshal field timestamps: %w", err)
	}
	args = append(args, stampsJSON)
	sets = append(sets,
		fmt.Sprintf("field_timestamps = field_timestamps || $%d::jsonb", len(args)),
		"updated_at = now()")

	tag, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1`, table, strings.Join(sets, ", ")), args...)
	return execExpectOne(tag, err, "apply remote fields to %s", ref)
}

// --- Conflicts ---

func (s *Store) GetConflict(ctx context.Context, id int64) (*conflict.Conflict, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = $1`, id)
	c, err := scanConflict(row)
	if err != nil {
		return nil, notFoundWrap(err, "get conflict %d", id)
	}
	return &c, nil
}

func (s *Store) ListConflicts(ctx context.Context, f conflict.Filter) ([]conflict.Conflict, error) {
	var (
		conds []string
		args  []any
	)
	if f.PendingOnly {
		conds = append(conds, "resolution_strategy = 'pending'")
	}
	if f.Ref != nil {
		args = append(args, f.Ref.Type, f.Ref.ID)
		conds = append(conds, fmt.Sprintf("entity_type = $%d AND entity_id = $%d", len(args)-1, len(args)))
	}
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, listLimit(f.Limit))
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []conflict.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return orEmpty(out), rows.Err()
}

func (s *Store) ResolveConflict(ctx context.Context, id int64, strategy conflict.Strategy, value *string, by actor.Actor) (*conflict.Conflict, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	current, err := scanConflict(tx.QueryRow(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFoundWrap(err, "resolve conflict %d", id)
	}
	if current.IsResolved() {
		return nil, fmt.Errorf("resolve conflict %d: %w", id, domain.ErrAlreadyResolved)
	}

	field, ok := entity.LookupField(current.Ref.Type, current.FieldName)
	if !ok {
		return nil, fmt.Errorf("resolve conflict %d: field %q not tracked: %w", id, current.FieldName, domain.ErrValidation)
	}
	table, err := entityTable(current.Ref.Type)
	if err != nil {
		return nil, err
	}
	tag, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET %s = CAST($2::text AS %s) WHERE id = $1`,
			table, pgx.Identifier{field.Name}.Sanitize(), field.SQLType),
		current.Ref.ID, value)
	if err = execExpectOne(tag, err, "apply resolution to %s", current.Ref); err != nil {
		return nil, err
	}

	kind, actorID := by.Columns()
	resolved, err := scanConflict(tx.QueryRow(ctx,
		`UPDATE sync_conflicts
		 SET resolution_strategy = $2, resolved_value = $3, resolved_by_kind = $4, resolved_by_id = $5, resolved_at = now()
		 WHERE id = $1
		 RETURNING `+conflictColumns,
		id, strategy, value, kind, actorID))
	if err != nil {
		return nil, fmt.Errorf("mark conflict %d resolved: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit resolve conflict %d: %w", id, err)
	}
	return &resolved, nil
}

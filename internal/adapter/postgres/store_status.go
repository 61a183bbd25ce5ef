package postgres

import (
	"context"
	"fmt"

	"github.com/Strob0t/mesync/internal/domain/actor"
	"github.com/Strob0t/mesync/internal/domain/entity"
	"github.com/Strob0t/mesync/internal/domain/status"
)

// --- Computed status ---

func (s *Store) ApplyComputed(ctx context.Context, ref entity.Ref, res status.Result, by actor.Actor) (bool, error) {
	table, err := hierarchyTable(ref.Type)
	if err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := skipFieldTouch(ctx, tx); err != nil {
		return false, err
	}

	var old status.Status
	if err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT status FROM %s WHERE id = $1 FOR UPDATE`, table), ref.ID).Scan(&old); err != nil {
		return false, notFoundWrap(err, "lock %s", ref)
	}

	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s
		 SET status = $2, auto_status = $3, auto_progress = $4, progress_percentage = $5, risk_level = $6,
		     needs_recompute = false
		 WHERE id = $1`, table),
		ref.ID, res.Status, res.AutoStatus, res.AutoProgress, res.Progress, res.Risk); err != nil {
		return false, fmt.Errorf("store computed status of %s: %w", ref, err)
	}

	changed := old != res.Status
	if changed {
		kind, actorID := by.Columns()
		if _, err := tx.Exec(ctx,
			`INSERT INTO status_history (entity_type, entity_id, old_status, new_status, changed_by_kind, changed_by_id)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			ref.Type, ref.ID, old, res.Status, kind, actorID); err != nil {
			return false, fmt.Errorf("append status history of %s: %w", ref, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit computed status of %s: %w", ref, err)
	}
	return changed, nil
}

func (s *Store) SetManualStatus(ctx context.Context, ref entity.Ref, manual *status.Status) error {
	table, err := hierarchyTable(ref.Type)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET manual_status = $2 WHERE id = $1`, table), ref.ID, manual)
	return execExpectOne(tag, err, "set manual status of %s", ref)
}

func (s *Store) UpdateAchievement(ctx context.Context, indicatorID int64, achievement float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE indicators SET achievement_percentage = $2 WHERE id = $1`, indicatorID, achievement)
	return execExpectOne(tag, err, "update achievement of indicator %d", indicatorID)
}

func (s *Store) SetNeedsRecompute(ctx context.Context, ref entity.Ref, flagged bool) error {
	table, err := hierarchyTable(ref.Type)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET needs_recompute = $2 WHERE id = $1`, table), ref.ID, flagged)
	return execExpectOne(tag, err, "flag %s", ref)
}

// --- Status history ---

func (s *Store) ListStatusHistory(ctx context.Context, ref entity.Ref, limit int) ([]status.History, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, old_status, new_status, changed_at, changed_by_kind, changed_by_id
		 FROM status_history WHERE entity_type = $1 AND entity_id = $2
		 ORDER BY id DESC LIMIT $3`, ref.Type, ref.ID, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list status history of %s: %w", ref, err)
	}
	defer rows.Close()

	var out []status.History
	for rows.Next() {
		var (
			h       = status.History{Ref: ref}
			kind    string
			actorID *string
		)
		if err := rows.Scan(&h.ID, &h.OldStatus, &h.NewStatus, &h.ChangedAt, &kind, &actorID); err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		h.ChangedBy = actor.FromColumns(kind, actorID)
		out = append(out, h)
	}
	return orEmpty(out), rows.Err()
}

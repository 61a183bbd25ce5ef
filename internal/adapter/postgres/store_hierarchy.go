package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/mesync/internal/domain/entity"
)

// nodeSelect builds the SELECT for one hierarchy level. Levels without a
// parent or without leaf inputs yield zero values for those columns.
func nodeSelect(t entity.Type, table string) string {
	parent := "0::bigint"
	if col := entity.ParentColumn(t); col != "" {
		parent = pgx.Identifier{col}.Sanitize()
	}
	leaf := "0, 0, 0, 0::float8"
	if t.IsLeaf() {
		leaf = "tasks_total, tasks_completed, schedule_deviation_days, velocity::float8"
	}
	return fmt.Sprintf(`SELECT id, %s, name, status, auto_status, manual_status, auto_progress::float8, progress_percentage::float8,
	        risk_level, start_date, end_date, %s, needs_recompute, updated_at
	 FROM %s`, parent, leaf, table)
}

func scanNode(t entity.Type, row scannable) (entity.Node, error) {
	n := entity.Node{Ref: entity.Ref{Type: t}}
	err := row.Scan(&n.Ref.ID, &n.ParentID, &n.Name, &n.Status, &n.AutoStatus, &n.ManualStatus, &n.AutoProgress, &n.Progress,
		&n.RiskLevel, &n.StartDate, &n.EndDate, &n.TasksTotal, &n.TasksCompleted, &n.ScheduleDeviationDays,
		&n.Velocity, &n.NeedsRecompute, &n.UpdatedAt)
	return n, err
}

func (s *Store) queryNodes(ctx context.Context, t entity.Type, where string, args ...any) ([]entity.Node, error) {
	table, err := hierarchyTable(t)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, nodeSelect(t, table)+" "+where+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("list %s nodes: %w", t, err)
	}
	defer rows.Close()

	var nodes []entity.Node
	for rows.Next() {
		n, err := scanNode(t, rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s node: %w", t, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// --- Hierarchy ---

func (s *Store) GetNode(ctx context.Context, ref entity.Ref) (*entity.Node, error) {
	table, err := hierarchyTable(ref.Type)
	if err != nil {
		return nil, err
	}
	n, err := scanNode(ref.Type, s.pool.QueryRow(ctx, nodeSelect(ref.Type, table)+" WHERE id = $1", ref.ID))
	if err != nil {
		return nil, notFoundWrap(err, "get node %s", ref)
	}
	return &n, nil
}

func (s *Store) ListChildren(ctx context.Context, ref entity.Ref) ([]entity.Node, error) {
	child := ref.Type.Child()
	if child == "" {
		return nil, nil
	}
	col := pgx.Identifier{entity.ParentColumn(child)}.Sanitize()
	return s.queryNodes(ctx, child, "WHERE "+col+" = $1", ref.ID)
}

func (s *Store) ListModules(ctx context.Context) ([]entity.Node, error) {
	return s.queryNodes(ctx, entity.TypeModule, "")
}

func (s *Store) ListIndicators(ctx context.Context, owner entity.Ref) ([]entity.Indicator, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_type, owner_id, name, target_value::float8, current_value::float8, achievement_percentage::float8
		 FROM indicators WHERE owner_type = $1 AND owner_id = $2 ORDER BY id`, owner.Type, owner.ID)
	if err != nil {
		return nil, fmt.Errorf("list indicators of %s: %w", owner, err)
	}
	defer rows.Close()

	var out []entity.Indicator
	for rows.Next() {
		var ind entity.Indicator
		if err := rows.Scan(&ind.ID, &ind.Owner.Type, &ind.Owner.ID, &ind.Name,
			&ind.TargetValue, &ind.CurrentValue, &ind.Achievement); err != nil {
			return nil, fmt.Errorf("scan indicator: %w", err)
		}
		out = append(out, ind)
	}
	return out, rows.Err()
}

func (s *Store) ListFlagged(ctx context.Context, limit int) ([]entity.Ref, error) {
	levels := entity.Levels()
	parts := make([]string, 0, len(levels))
	for _, t := range levels {
		table, err := hierarchyTable(t)
		if err != nil {
			return nil, err
		}
		parts = append(parts, fmt.Sprintf(`SELECT '%s' AS entity_type, id FROM %s WHERE needs_recompute`, t, table))
	}
	query := strings.Join(parts, " UNION ALL ") + " LIMIT $1"

	rows, err := s.pool.Query(ctx, query, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list flagged nodes: %w", err)
	}
	defer rows.Close()

	var refs []entity.Ref
	for rows.Next() {
		var r entity.Ref
		if err := rows.Scan(&r.Type, &r.ID); err != nil {
			return nil, fmt.Errorf("scan flagged node: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

package postgres

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/mesync/internal/domain/syncop"
	"github.com/Strob0t/mesync/internal/port/database"
)

const operationColumns = `id, entity_type, entity_id, operation_type, direction, status, priority,
	retry_count, max_retries, scheduled_at, last_error, payload, locked_at, locked_by, created_at, updated_at`

func scanOperation(row scannable) (syncop.Operation, error) {
	var (
		op          syncop.Operation
		payloadJSON []byte
		lockedBy    *string
	)
	err := row.Scan(&op.ID, &op.Ref.Type, &op.Ref.ID, &op.OperationType, &op.Direction, &op.Status, &op.Priority,
		&op.RetryCount, &op.MaxRetries, &op.ScheduledAt, &op.LastError, &payloadJSON, &op.LockedAt, &lockedBy,
		&op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return op, err
	}
	op.LockedBy = derefString(lockedBy)
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &op.Payload); err != nil {
			return op, fmt.Errorf("unmarshal payload of operation %d: %w", op.ID, err)
		}
	}
	return op, nil
}

func scanOperations(rows pgx.Rows) ([]syncop.Operation, error) {
	defer rows.Close()
	var ops []syncop.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// --- Sync queue ---

func (s *Store) EnqueueOperation(ctx context.Context, req *syncop.EnqueueRequest) (int64, error) {
	payloadJSON, err := json.Marshal(req.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	var id int64
	err = s.pool.QueryRow(ctx,
		`INSERT INTO sync_queue (entity_type, entity_id, operation_type, direction, priority, max_retries, payload, scheduled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, now()))
		 RETURNING id`,
		req.Ref.Type, req.Ref.ID, req.OperationType, req.Direction, req.Priority, req.MaxRetries,
		payloadJSON, nullTime(req.ScheduledAt)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s %s: %w", req.Direction, req.Ref, err)
	}
	return id, nil
}

func (s *Store) ClaimOperations(ctx context.Context, limit int, owner string) ([]syncop.Operation, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE sync_queue q
		 SET status = 'syncing', locked_at = now(), locked_by = $2, updated_at = now()
		 FROM (
		     SELECT id FROM sync_queue
		     WHERE status = 'pending' AND retry_count < max_retries AND scheduled_at <= now()
		     ORDER BY priority ASC, scheduled_at ASC, id ASC
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 ) due
		 WHERE q.id = due.id
		 RETURNING `+prefixColumns("q.", operationColumns), limit, owner)
	if err != nil {
		return nil, fmt.Errorf("claim operations: %w", err)
	}
	ops, err := scanOperations(rows)
	if err != nil {
		return nil, fmt.Errorf("claim operations: %w", err)
	}
	// RETURNING does not preserve the subquery order.
	slices.SortFunc(ops, func(a, b syncop.Operation) int {
		return cmp.Or(
			cmp.Compare(a.Priority, b.Priority),
			a.ScheduledAt.Compare(b.ScheduledAt),
			cmp.Compare(a.ID, b.ID),
		)
	})
	return ops, nil
}

func (s *Store) CompleteOperation(ctx context.Context, id int64, owner string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_queue
		 SET status = 'completed', last_error = '', locked_at = NULL, locked_by = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'syncing' AND ($2 = '' OR locked_by = $2)`, id, owner)
	return execExpectOne(tag, err, "complete operation %d", id)
}

func (s *Store) FailOperation(ctx context.Context, req database.FailRequest) (*syncop.Operation, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE sync_queue SET
		     retry_count  = CASE WHEN $5 THEN max_retries ELSE LEAST(retry_count + 1, max_retries) END,
		     status       = CASE WHEN $5 OR retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
		     scheduled_at = CASE WHEN $5 OR retry_count + 1 >= max_retries THEN scheduled_at ELSE $4 END,
		     last_error   = $3,
		     locked_at    = NULL,
		     locked_by    = NULL,
		     updated_at   = now()
		 WHERE id = $1 AND status = 'syncing' AND ($2 = '' OR locked_by = $2)
		 RETURNING `+operationColumns,
		req.ID, req.Owner, req.Error, req.RetryAt, req.Terminal)

	op, err := scanOperation(row)
	if err != nil {
		return nil, notFoundWrap(err, "fail operation %d", req.ID)
	}
	return &op, nil
}

func (s *Store) ListStaleOperations(ctx context.Context, cutoff time.Time) ([]syncop.Operation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+operationColumns+` FROM sync_queue
		 WHERE status = 'syncing' AND locked_at < $1
		 ORDER BY locked_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale operations: %w", err)
	}
	return scanOperations(rows)
}

func (s *Store) RequeueOperation(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_queue
		 SET status = 'pending', retry_count = 0, scheduled_at = now(), last_error = '', updated_at = now()
		 WHERE id = $1 AND status = 'failed'`, id)
	return execExpectOne(tag, err, "requeue operation %d", id)
}

func (s *Store) GetOperation(ctx context.Context, id int64) (*syncop.Operation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+operationColumns+` FROM sync_queue WHERE id = $1`, id)
	op, err := scanOperation(row)
	if err != nil {
		return nil, notFoundWrap(err, "get operation %d", id)
	}
	return &op, nil
}

func (s *Store) ListOperations(ctx context.Context, f syncop.Filter) ([]syncop.Operation, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Ref != nil {
		args = append(args, f.Ref.Type, f.Ref.ID)
		conds = append(conds, fmt.Sprintf("entity_type = $%d AND entity_id = $%d", len(args)-1, len(args)))
	}

	query := `SELECT ` + operationColumns + ` FROM sync_queue`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if f.Status == syncop.StatusPending {
		query += " ORDER BY priority ASC, scheduled_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, id DESC"
	}
	args = append(args, listLimit(f.Limit))
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	ops, err := scanOperations(rows)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return orEmpty(ops), nil
}

func (s *Store) QueueStats(ctx context.Context) (*syncop.Stats, error) {
	var st syncop.Stats
	err := s.pool.QueryRow(ctx,
		`SELECT
		     count(*) FILTER (WHERE status = 'pending'),
		     count(*) FILTER (WHERE status = 'syncing'),
		     count(*) FILTER (WHERE status = 'completed'),
		     count(*) FILTER (WHERE status = 'failed'),
		     count(*) FILTER (WHERE status = 'failed' AND retry_count >= max_retries),
		     min(scheduled_at) FILTER (WHERE status = 'pending'),
		     (SELECT count(*) FROM sync_conflicts WHERE resolution_strategy = 'pending')
		 FROM sync_queue`).Scan(&st.Pending, &st.Syncing, &st.Completed, &st.Failed, &st.DeadLettered,
		&st.OldestPendingAt, &st.PendingConflicts)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return &st, nil
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

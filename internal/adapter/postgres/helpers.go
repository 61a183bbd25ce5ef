package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Strob0t/mesync/internal/domain"
	"github.com/Strob0t/mesync/internal/domain/entity"
)

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// nullIfEmpty returns nil for empty strings (for nullable text columns).
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// derefString returns the value of s, or "" for nil.
func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// nullTime converts a zero time to nil for nullable DB columns.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// orEmpty returns items unchanged if non-nil, or an empty slice if nil.
// Useful to ensure JSON serialization produces [] instead of null.
func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// notFoundWrap checks whether err is pgx.ErrNoRows and, if so, wraps
// domain.ErrNotFound with the given message. Otherwise it wraps the
// original error.
func notFoundWrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// execExpectOne verifies that an Exec affected exactly one row. If not
// (and err is nil), it returns domain.ErrNotFound with the given message.
func execExpectOne(tag pgconn.CommandTag, err error, format string, args ...any) error {
	if err != nil {
		return fmt.Errorf(fmt.Sprintf(format, args...)+": %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf(fmt.Sprintf(format, args...)+": %w", domain.ErrNotFound)
	}
	return nil
}

// entityTable returns the quoted table name for t or a validation error.
func entityTable(t entity.Type) (string, error) {
	name := entity.Table(t)
	if name == "" {
		return "", fmt.Errorf("entity type %q has no table: %w", t, domain.ErrValidation)
	}
	return pgx.Identifier{name}.Sanitize(), nil
}

// hierarchyTable is entityTable restricted to the four rollup levels.
func hierarchyTable(t entity.Type) (string, error) {
	if !t.InHierarchy() {
		return "", fmt.Errorf("entity type %q is not part of the hierarchy: %w", t, domain.ErrValidation)
	}
	return entityTable(t)
}

// fieldText renders a tracked column as text in a canonical form, so values
// compare equal to what the tracker reports (numerics without trailing zeros).
func fieldText(f entity.Field) string {
	col := pgx.Identifier{f.Name}.Sanitize()
	if f.SQLType == "numeric" {
		return col + "::float8::text"
	}
	return col + "::text"
}

// skipFieldTouch disables the field timestamp trigger for the rest of tx.
func skipFieldTouch(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `SELECT set_config('mesync.skip_field_touch', 'on', true)`); err != nil {
		return fmt.Errorf("disable field touch: %w", err)
	}
	return nil
}

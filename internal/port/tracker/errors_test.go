package tracker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Strob0t/mesync/internal/domain/entity"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{"network", NewError(KindNetwork, "push", errors.New("connection reset")), KindNetwork, true},
		{"timeout", NewError(KindTimeout, "pull", nil), KindTimeout, true},
		{"rate limit", NewError(KindRateLimit, "push", nil), KindRateLimit, true},
		{"auth", NewError(KindAuth, "push", nil), KindAuth, false},
		{"validation", NewError(KindValidation, "push", errors.New("name required")), KindValidation, false},
		{"not found", NewError(KindNotFound, "pull", nil), KindNotFound, false},
		{"wrapped validation", fmt.Errorf("drain: %w", NewError(KindValidation, "push", nil)), KindValidation, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTimeout, true},
		{"unknown", errors.New("boom"), KindNetwork, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.kind {
				t.Errorf("KindOf = %q, want %q", got, tt.kind)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
			if IsTerminal(tt.err) == tt.retryable {
				t.Errorf("IsTerminal must be the inverse of IsRetryable")
			}
		})
	}
}

func TestNilIsNeitherRetryableNorTerminal(t *testing.T) {
	if IsRetryable(nil) || IsTerminal(nil) {
		t.Fatal("nil error must not be classified")
	}
}

func TestRemoteRecordSnapshot(t *testing.T) {
	recordAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fieldAt := recordAt.Add(time.Hour)
	name := "Survey"
	progress := "40"
	rec := RemoteRecord{
		RemoteID:       "T-1",
		Fields:         map[string]*string{"name": &name, "progress_percentage": &progress},
		FieldUpdatedAt: map[string]time.Time{"progress_percentage": fieldAt},
		UpdatedAt:      &recordAt,
	}

	snap := rec.Snapshot(entity.NewRef(entity.TypeActivity, 3))
	if snap.RemoteID != "T-1" {
		t.Errorf("remote id = %q", snap.RemoteID)
	}
	if got := snap.Fields["name"].UpdatedAt; got == nil || !got.Equal(recordAt) {
		t.Errorf("name should fall back to record time, got %v", got)
	}
	if got := snap.Fields["progress_percentage"].UpdatedAt; got == nil || !got.Equal(fieldAt) {
		t.Errorf("progress should use field time, got %v", got)
	}
}

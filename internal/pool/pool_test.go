package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolLimitsConcurrency(t *testing.T) {
	const limit = 3
	const workers = 10
	p := NewPool(limit)

	var running atomic.Int32
	var maxSeen atomic.Int32

	ctx := context.Background()
	done := make(chan struct{}, workers)

	for range workers {
		go func() {
			defer func() { done <- struct{}{} }()
			err := p.Run(ctx, func(context.Context) error {
				cur := running.Add(1)
				// Record high-water mark
				for {
					old := maxSeen.Load()
					if cur <= old || maxSeen.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	for range workers {
		<-done
	}

	if m := maxSeen.Load(); m > limit {
		t.Errorf("max concurrent = %d, want <= %d", m, limit)
	}
	if p.InFlight() != 0 {
		t.Errorf("expected no calls in flight, got %d", p.InFlight())
	}
}

func TestPoolContextCancellation(t *testing.T) {
	p := NewPool(1)
	ctx := context.Background()

	// Fill the single slot
	occupied := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = p.Run(ctx, func(context.Context) error {
			close(occupied)
			<-release
			return nil
		})
	}()
	<-occupied

	if p.InFlight() != 1 {
		t.Errorf("expected 1 call in flight, got %d", p.InFlight())
	}

	// Try to acquire with a cancelled context
	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()

	err := p.Run(cancelCtx, func(context.Context) error {
		t.Error("fn should not have been called")
		return nil
	})
	if err == nil {
		t.Error("expected error from cancelled context")
	}

	close(release)
}

func TestPoolClampMinLimit(t *testing.T) {
	p := NewPool(0)
	if p.Limit() != 1 {
		t.Fatalf("expected limit clamped to 1, got %d", p.Limit())
	}
	if err := p.Run(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("unexpected error with limit=0 (should clamp to 1): %v", err)
	}
}

func TestNilPoolRunsDirectly(t *testing.T) {
	var p *Pool
	called := false
	if err := p.Run(context.Background(), func(context.Context) error { called = true; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected fn to run")
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	mesyncnats "github.com/Strob0t/mesync/internal/adapter/nats"
	"github.com/Strob0t/mesync/internal/adapter/natskv"
	mesyncotel "github.com/Strob0t/mesync/internal/adapter/otel"
	"github.com/Strob0t/mesync/internal/adapter/ristretto"
	"github.com/Strob0t/mesync/internal/adapter/tiered"
	"github.com/Strob0t/mesync/internal/config"
	"github.com/Strob0t/mesync/internal/pool"
	"github.com/Strob0t/mesync/internal/port/broadcast"
	"github.com/Strob0t/mesync/internal/port/cache"
	"github.com/Strob0t/mesync/internal/port/database"
	"github.com/Strob0t/mesync/internal/port/tracker"
	"github.com/Strob0t/mesync/internal/resilience"
	"github.com/Strob0t/mesync/internal/secrets"
	"github.com/Strob0t/mesync/internal/service"
)

// trackerTokenKey is read from the environment (or MESYNC_TRACKER_TOKEN_FILE) and
// reloaded on SIGHUP.
const trackerTokenKey = "MESYNC_TRACKER_TOKEN"

type services struct {
	hierarchy *service.HierarchyService
	queue     *service.QueueService
	status    *service.StatusService
	conflicts *service.ConflictService
	sync      *service.SyncService
	trigger   *service.TriggerService
}

// newServices wires the service graph. trk may be nil for admin commands
// that never talk to the tracker; sync is then nil too.
func newServices(cfg *config.Config, store database.Store, c cache.Cache, trk tracker.Tracker) *services {
	s := &services{}
	s.hierarchy = service.NewHierarchyService(store, c, cfg.Cache.L2TTL)
	s.queue = service.NewQueueService(store, cfg.Sync)
	s.status = service.NewStatusService(store, s.hierarchy, cfg.Status)
	s.conflicts = service.NewConflictService(store, s.queue, s.status)

	if trk != nil {
		breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout,
			resilience.WithFailurePredicate(tracker.IsRetryable))
		s.sync = service.NewSyncService(store, s.queue, s.conflicts, s.status, trk,
			breaker, pool.NewPool(cfg.Sync.Concurrency), cfg.Sync)
	}
	s.trigger = service.NewTriggerService(s.queue, s.status, s.hierarchy, s.sync)
	return s
}

func (s *services) setBroadcaster(hub broadcast.Broadcaster) {
	s.status.SetBroadcaster(hub)
	s.conflicts.SetBroadcaster(hub)
	if s.sync != nil {
		s.sync.SetBroadcaster(hub)
	}
}

func (s *services) setMetrics(m *mesyncotel.Metrics) {
	s.status.SetMetrics(m)
	s.conflicts.SetMetrics(m)
	if s.sync != nil {
		s.sync.SetMetrics(m)
	}
}

// newTracker builds the configured adapter. A token held in the vault wins
// over the static config value and is re-read on every request.
func newTracker(cfg config.Tracker, vault *secrets.Vault) (tracker.Tracker, error) {
	opts := map[string]string{"base_url": cfg.BaseURL, "token": cfg.Token}
	maps.Copy(opts, cfg.Options)

	trk, err := tracker.New(cfg.Adapter, opts)
	if err != nil {
		return nil, fmt.Errorf("tracker %q (available: %v): %w", cfg.Adapter, tracker.Available(), err)
	}
	if vault != nil && vault.Get(trackerTokenKey) != "" {
		if rot, ok := trk.(interface{ SetTokenSource(func() string) }); ok {
			rot.SetTokenSource(vault.Source(trackerTokenKey))
		}
	}
	return trk, nil
}

// newHierarchyCache builds the ristretto L1 in front of a NATS KV L2. When
// the KV bucket is unavailable the cache runs L1-only.
func newHierarchyCache(ctx context.Context, cfg config.Cache, q *mesyncnats.Queue) (cache.Cache, func(), error) {
	l1, err := ristretto.New(cfg.L1MaxSizeMB << 20)
	if err != nil {
		return nil, nil, fmt.Errorf("l1 cache: %w", err)
	}

	var l2 cache.Cache
	if q != nil && cfg.L2Bucket != "" {
		kv, err := q.KeyValue(ctx, cfg.L2Bucket, cfg.L2TTL)
		if err != nil {
			slog.Warn("hierarchy L2 cache unavailable, running L1 only", "bucket", cfg.L2Bucket, "error", err)
		} else {
			l2 = natskv.New(kv)
		}
	}

	closeFn := func() {
		hits, misses := l1.Stats()
		slog.Info("hierarchy cache closed", "l1_hits", hits, "l1_misses", misses)
		l1.Close()
	}
	return tiered.New(l1, l2, cfg.L1TTL), closeFn, nil
}

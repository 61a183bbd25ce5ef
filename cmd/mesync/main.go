// Command mesync runs the two-way tracker sync worker, the status rollup
// calculator and the ops API. "mesync admin" holds the operator commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	mhttp "github.com/Strob0t/mesync/internal/adapter/http"
	mesyncnats "github.com/Strob0t/mesync/internal/adapter/nats"
	mesyncotel "github.com/Strob0t/mesync/internal/adapter/otel"
	"github.com/Strob0t/mesync/internal/adapter/postgres"
	"github.com/Strob0t/mesync/internal/adapter/ws"
	"github.com/Strob0t/mesync/internal/config"
	"github.com/Strob0t/mesync/internal/logger"
	"github.com/Strob0t/mesync/internal/middleware"
	"github.com/Strob0t/mesync/internal/secrets"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser := logger.New(cfg.Logging)
	defer logCloser.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"tracker", cfg.Tracker.Adapter,
		"sync_enabled", cfg.Sync.Enabled,
		"pg_max_conns", cfg.Postgres.MaxConns,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	shutdownOTEL, err := mesyncotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTEL(flushCtx); err != nil {
			slog.Error("otel shutdown", "error", err)
		}
	}()

	metrics, err := mesyncotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---

	pgPool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pgPool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := mesyncnats.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	hierarchyCache, closeCache, err := newHierarchyCache(ctx, cfg.Cache, queue)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer closeCache()

	vault, err := secrets.NewVault(secrets.EnvLoader(trackerTokenKey))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go vault.ReloadOn(ctx, hup)

	trk, err := newTracker(cfg.Tracker, vault)
	if err != nil {
		return err
	}

	// --- Services ---

	hub := ws.NewHub(originPatterns(cfg.Server.CORSOrigin)...)
	svc := newServices(cfg, postgres.NewStore(pgPool), hierarchyCache, trk)
	svc.setBroadcaster(hub)
	svc.setMetrics(metrics)

	cancelSubs, err := svc.trigger.Start(ctx, queue)
	if err != nil {
		return fmt.Errorf("subscribers: %w", err)
	}
	defer cancelSubs()

	// --- HTTP ---

	handlers := &mhttp.Handlers{
		Queue:     svc.queue,
		Conflicts: svc.conflicts,
		Status:    svc.status,
		Tree:      svc.hierarchy,
		Events:    http.HandlerFunc(hub.HandleWS),
	}
	if cfg.Sync.Enabled {
		handlers.Drain = svc.sync
	}

	r := chi.NewRouter()
	r.Use(mesyncotel.HTTPMiddleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID)
	r.Use(middleware.Actor)
	r.Use(mhttp.Logger)
	r.Use(chimw.Recoverer)
	r.Use(mhttp.SecurityHeaders)
	r.Use(mhttp.CORS(cfg.Server.CORSOrigin))
	if cfg.Server.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
		stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
		defer stopCleanup()
		r.Use(limiter.Handler)
	}
	mhttp.MountRoutes(r, handlers, cfg.Server.RequestTimeout)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// --- Run ---

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.sync.Run(gctx)
		return nil
	})
	g.Go(func() error {
		svc.status.Run(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if drainErr := queue.Drain(); drainErr != nil {
		slog.Warn("nats drain", "error", drainErr)
	}
	return err
}

// originPatterns turns the CORS origin into the host pattern the websocket
// accept check expects.
func originPatterns(origin string) []string {
	if origin == "" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return []string{origin}
	}
	return []string{u.Host}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/Strob0t/mesync/internal/adapter/postgres"
	"github.com/Strob0t/mesync/internal/config"
	"github.com/Strob0t/mesync/internal/domain/actor"
	"github.com/Strob0t/mesync/internal/domain/conflict"
	"github.com/Strob0t/mesync/internal/domain/entity"
	"github.com/Strob0t/mesync/internal/domain/syncop"
	"github.com/Strob0t/mesync/internal/port/tracker"
	"github.com/Strob0t/mesync/internal/secrets"
	"github.com/Strob0t/mesync/internal/service"
)

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	cmds := map[string]func([]string) error{
		"migrate":     runAdminMigrate,
		"stats":       runAdminStats,
		"pending":     func(a []string) error { return runAdminListOps("pending", a) },
		"failed":      func(a []string) error { return runAdminListOps("failed", a) },
		"requeue":     runAdminRequeue,
		"conflicts":   runAdminConflicts,
		"resolve":     runAdminResolve,
		"recalculate": runAdminRecalculate,
		"drain":       runAdminDrain,
	}
	cmd, ok := cmds[args[0]]
	if !ok {
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
	return cmd(args[1:])
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: mesync admin <command> [options]

Commands:
  migrate       Apply, roll back or show database migrations
  stats         Show sync queue statistics
  pending       List pending sync operations
  failed        List failed sync operations
  requeue       Move a failed operation back to pending
  conflicts     List sync conflicts
  resolve       Resolve a sync conflict
  recalculate   Recompute status, progress and risk for the hierarchy
  drain         Drain one batch of the sync queue now
  help          Show this help message

Output is a table on a terminal and JSON otherwise; --json forces JSON.
Set MESYNC_ACTOR to attribute changes to a user instead of the system.

Examples:
  mesync admin migrate --down 1
  mesync admin failed --entity activity:42
  mesync admin requeue --id 118
  mesync admin resolve --id 7 --strategy keep_remote
  mesync admin resolve --id 8 --strategy manual --value 65
  mesync admin recalculate --dry-run
  mesync admin recalculate --module 3
`)
}

// adminDeps is the service graph admin commands run against.
type adminDeps struct {
	svc     *services
	cleanup func()
}

// loadAdminDeps connects to PostgreSQL only. withTracker also builds the
// tracker adapter for commands that call it.
func loadAdminDeps(ctx context.Context, withTracker bool) (*adminDeps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	var trk tracker.Tracker
	if withTracker {
		vault, err := secrets.NewVault(secrets.EnvLoader(trackerTokenKey))
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("secrets: %w", err)
		}
		if trk, err = newTracker(cfg.Tracker, vault); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &adminDeps{
		svc:     newServices(cfg, postgres.NewStore(pool), nil, trk),
		cleanup: pool.Close,
	}, nil
}

// adminActor attributes admin changes to $MESYNC_ACTOR when set.
func adminActor() actor.Actor {
	if id := os.Getenv("MESYNC_ACTOR"); id != "" {
		return actor.User(id)
	}
	return actor.System()
}

func adminContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// output prints v as JSON, or through table when stdout is a terminal.
func output(asJSON bool, v any, table func(w io.Writer)) error {
	if asJSON || !term.IsTerminal(int(os.Stdout.Fd())) { //nolint:gosec // Fd fits in int on supported platforms
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}

func parseEntity(raw string) (*entity.Ref, error) {
	if raw == "" {
		return nil, nil
	}
	ref, err := entity.ParseRef(raw)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func deref(s *string) string {
	if s == nil {
		return "<null>"
	}
	return *s
}

func runAdminMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	down := fs.Int("down", 0, "roll back this many migrations")
	version := fs.Bool("version", false, "print the current schema version")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx, cancel := adminContext()
	defer cancel()

	switch {
	case *version:
		v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	case *down > 0:
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *down); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Rolled back %d migration(s)\n", *down)
		return nil
	default:
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "Migrations applied")
		return nil
	}
}

func runAdminStats(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := adminContext()
	defer cancel()
	deps, err := loadAdminDeps(ctx, false)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	stats, err := deps.svc.queue.Stats(ctx)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	return output(*asJSON, stats, func(w io.Writer) {
		fmt.Fprintf(w, "pending\t%d\n", stats.Pending)
		fmt.Fprintf(w, "syncing\t%d\n", stats.Syncing)
		fmt.Fprintf(w, "completed\t%d\n", stats.Completed)
		fmt.Fprintf(w, "failed\t%d\n", stats.Failed)
		fmt.Fprintf(w, "dead-lettered\t%d\n", stats.DeadLettered)
		fmt.Fprintf(w, "pending conflicts\t%d\n", stats.PendingConflicts)
		if stats.OldestPendingAt != nil {
			fmt.Fprintf(w, "oldest pending\t%s\n", stats.OldestPendingAt.Format("2006-01-02 15:04:05"))
		}
	})
}

func runAdminListOps(which string, args []string) error {
	fs := flag.NewFlagSet(which, flag.ContinueOnError)
	ent := fs.String("entity", "", "filter by entity, e.g. activity:42")
	limit := fs.Int("limit", 50, "maximum rows")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ref, err := parseEntity(*ent)
	if err != nil {
		return err
	}

	ctx, cancel := adminContext()
	defer cancel()
	deps, err := loadAdminDeps(ctx, false)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	var ops []syncop.Operation
	if which == "failed" {
		ops, err = deps.svc.queue.ListFailed(ctx, ref, *limit)
	} else {
		ops, err = deps.svc.queue.ListPending(ctx, ref, *limit)
	}
	if err != nil {
		return fmt.Errorf("list %s: %w", which, err)
	}

	return output(*asJSON, ops, func(w io.Writer) {
		fmt.Fprintln(w, "ID\tENTITY\tTYPE\tDIR\tPRIO\tRETRIES\tSCHEDULED\tERROR")
		for i := range ops {
			op := &ops[i]
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n",
				op.ID, op.Ref, op.OperationType, op.Direction, op.Priority,
				op.RetryCount, op.MaxRetries, op.ScheduledAt.Format("2006-01-02 15:04:05"), op.LastError)
		}
	})
}

func requireID(fs *flag.FlagSet, id int64) error {
	if id <= 0 {
		return fmt.Errorf("--id is required (%s)", fs.Name())
	}
	return nil
}

func runAdminRequeue(args []string) error {
	fs := flag.NewFlagSet("requeue", flag.ContinueOnError)
	id := fs.Int64("id", 0, "failed operation id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireID(fs, *id); err != nil {
		return err
	}

	ctx, cancel := adminContext()
	defer cancel()
	deps, err := loadAdminDeps(ctx, false)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	if err := deps.svc.queue.Requeue(ctx, *id); err != nil {
		return fmt.Errorf("requeue %d: %w", *id, err)
	}
	fmt.Fprintf(os.Stderr, "Operation %d requeued\n", *id)
	return nil
}

func runAdminConflicts(args []string) error {
	fs := flag.NewFlagSet("conflicts", flag.ContinueOnError)
	ent := fs.String("entity", "", "filter by entity, e.g. activity:42")
	all := fs.Bool("all", false, "include resolved conflicts")
	limit := fs.Int("limit", 50, "maximum rows")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ref, err := parseEntity(*ent)
	if err != nil {
		return err
	}

	ctx, cancel := adminContext()
	defer cancel()
	deps, err := loadAdminDeps(ctx, false)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	list, err := deps.svc.conflicts.List(ctx, conflict.Filter{Ref: ref, PendingOnly: !*all, Limit: *limit})
	if err != nil {
		return fmt.Errorf("list conflicts: %w", err)
	}
	return output(*asJSON, list, func(w io.Writer) {
		fmt.Fprintln(w, "ID\tENTITY\tFIELD\tLOCAL\tREMOTE\tSTRATEGY")
		for i := range list {
			c := &list[i]
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				c.ID, c.Ref, c.FieldName, deref(c.LocalValue), deref(c.RemoteValue), c.Strategy)
		}
	})
}

func runAdminResolve(args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	id := fs.Int64("id", 0, "conflict id (required)")
	strategy := fs.String("strategy", "", "keep_local, keep_remote, merged or manual (required)")
	value := fs.String("value", "", "resolved value for merged or manual")
	null := fs.Bool("null", false, "resolve to an empty value for merged or manual")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireID(fs, *id); err != nil {
		return err
	}
	if *strategy == "" {
		return errors.New("--strategy is required")
	}

	req := conflict.ResolveRequest{
		ConflictID: *id,
		Strategy:   conflict.Strategy(*strategy),
		ResolvedBy: adminActor(),
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "value" {
			req.ResolvedValue = value
		}
	})
	if *null {
		empty := ""
		req.ResolvedValue = &empty
	}

	ctx, cancel := adminContext()
	defer cancel()
	deps, err := loadAdminDeps(ctx, false)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	c, err := deps.svc.conflicts.Resolve(ctx, req)
	if err != nil {
		return fmt.Errorf("resolve %d: %w", *id, err)
	}
	fmt.Fprintf(os.Stderr, "Conflict %d on %s.%s resolved as %s: %s\n",
		c.ID, c.Ref, c.FieldName, c.Strategy, deref(c.ResolvedValue))
	return nil
}

func runAdminRecalculate(args []string) error {
	fs := flag.NewFlagSet("recalculate", flag.ContinueOnError)
	dryRun := fs.Bool("dry-run", false, "report changes without writing")
	module := fs.Int64("module", 0, "limit to one module id")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := adminContext()
	defer cancel()
	deps, err := loadAdminDeps(ctx, false)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	report, err := deps.svc.status.RecalculateAll(ctx, service.RecalcOptions{
		ModuleID: *module,
		DryRun:   *dryRun,
		Actor:    adminActor(),
	})
	if err != nil {
		return fmt.Errorf("recalculate: %w", err)
	}
	return output(*asJSON, report, func(w io.Writer) {
		fmt.Fprintf(w, "dry run\t%s\n", strconv.FormatBool(report.DryRun))
		fmt.Fprintf(w, "scanned\t%d\n", report.Scanned)
		fmt.Fprintf(w, "changed\t%d\n", report.Changed)
		fmt.Fprintf(w, "status transitions\t%d\n", report.HistoryRows)
		fmt.Fprintf(w, "indicators updated\t%d\n", report.Indicators)
		fmt.Fprintf(w, "failed\t%d\n", report.Failed)
	})
}

func runAdminDrain(args []string) error {
	fs := flag.NewFlagSet("drain", flag.ContinueOnError)
	batch := fs.Int("batch", 0, "operations to claim (default: sync.batch_size)")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := adminContext()
	defer cancel()
	deps, err := loadAdminDeps(ctx, true)
	if err != nil {
		return err
	}
	defer deps.cleanup()

	if _, err := deps.svc.queue.ReclaimStale(ctx); err != nil {
		return fmt.Errorf("reclaim stale: %w", err)
	}
	report, err := deps.svc.sync.Drain(ctx, *batch, adminActor())
	if err != nil {
		return fmt.Errorf("drain: %w", err)
	}
	return output(*asJSON, report, func(w io.Writer) {
		fmt.Fprintf(w, "run\t%s\n", report.RunID)
		fmt.Fprintf(w, "claimed\t%d\n", report.Claimed)
		fmt.Fprintf(w, "completed\t%d\n", report.Completed)
		fmt.Fprintf(w, "failed\t%d\n", report.Failed)
		fmt.Fprintf(w, "dead-lettered\t%d\n", report.DeadLettered)
		fmt.Fprintf(w, "conflicts\t%d\n", report.Conflicts)
		fmt.Fprintf(w, "recomputed\t%d\n", report.Recomputed)
	})
}

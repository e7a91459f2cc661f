package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vigil-grc/vigil/pkg/analytics"
	"github.com/vigil-grc/vigil/pkg/archive"
	"github.com/vigil-grc/vigil/pkg/automation"
	"github.com/vigil-grc/vigil/pkg/config"
	"github.com/vigil-grc/vigil/pkg/notify"
	"github.com/vigil-grc/vigil/pkg/observability"
	"github.com/vigil-grc/vigil/pkg/reminder"
	"github.com/vigil-grc/vigil/pkg/scoring"
	"github.com/vigil-grc/vigil/pkg/store"
	"github.com/vigil-grc/vigil/pkg/sweep"
)

var version = "1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "vigil",
		Short: "Vigil - vendor risk scoring and task automation engine",
		Long: `Vigil scores register risks against tenant risk matrices and keeps
vendor governance tasks on schedule: contract renewals, tiered security
and performance reviews, compliance reviews, reminders, and overdue
escalations.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vigil v%s\n", version)
		},
	})

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one automation and reminder sweep for a tenant",
		RunE:  runSweep,
	}
	sweepCmd.Flags().String("tenant", "", "Tenant ID (required)")
	sweepCmd.Flags().Bool("deliver", false, "Drain the notification outbox after the sweep")
	_ = sweepCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(sweepCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run daily sweeps on a schedule",
		RunE:  runServe,
	}
	serveCmd.Flags().StringSlice("tenants", nil, "Tenant IDs to sweep (required)")
	serveCmd.Flags().Duration("interval", 24*time.Hour, "Sweep interval")
	_ = serveCmd.MarkFlagRequired("tenants")
	rootCmd.AddCommand(serveCmd)

	completeCmd := &cobra.Command{
		Use:   "complete",
		Short: "Mark a task completed and schedule its recurring successor",
		RunE:  runComplete,
	}
	completeCmd.Flags().String("tenant", "", "Tenant ID (required)")
	completeCmd.Flags().String("task", "", "Task ID (required)")
	completeCmd.Flags().String("notes", "", "Completion notes")
	_ = completeCmd.MarkFlagRequired("tenant")
	_ = completeCmd.MarkFlagRequired("task")
	rootCmd.AddCommand(completeCmd)

	scoreCmd := &cobra.Command{
		Use:   "score",
		Short: "Recompute risk levels and scores for a tenant",
		RunE:  runScore,
	}
	scoreCmd.Flags().String("tenant", "", "Tenant ID (required)")
	_ = scoreCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(scoreCmd)

	aggregateCmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Print the analytics summary for a tenant as JSON",
		RunE:  runAggregate,
	}
	aggregateCmd.Flags().String("tenant", "", "Tenant ID (required)")
	aggregateCmd.Flags().Int("window", 90, "Upcoming due-date window in days")
	aggregateCmd.Flags().String("bucket", "weekly", "Due-date bucket size: weekly or monthly")
	_ = aggregateCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(aggregateCmd)

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Build and store an audit evidence pack for a tenant",
		RunE:  runExport,
	}
	exportCmd.Flags().String("tenant", "", "Tenant ID (required)")
	_ = exportCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(exportCmd)

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate every tenant profile in the profiles directory",
		RunE:  runValidate,
	}
	rootCmd.AddCommand(validateCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// runtime bundles the wired components a command works with. Engines are
// built per tenant so profile rule catalogs apply.
type runtime struct {
	cfg    *config.Config
	store  store.EntityStore
	outbox notify.Outbox
	relay  *notify.Relay
	obs    *observability.Provider
	slo    *observability.SLOTracker
	locker sweep.Locker
	close  func()
}

func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg := config.Load()
	setupLogging(cfg)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "vigil",
		ServiceVersion: version,
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return nil, err
	}

	var (
		entityStore store.EntityStore
		outbox      notify.Outbox
		db          *sql.DB
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		pg := store.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		pgOutbox := notify.NewPostgresOutbox(db)
		if err := pgOutbox.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate outbox: %w", err)
		}
		entityStore, outbox = pg, pgOutbox
	} else {
		db, err = sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		lite, err := store.NewSQLiteStore(db)
		if err != nil {
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		liteOutbox, err := notify.NewSQLiteOutbox(db)
		if err != nil {
			return nil, fmt.Errorf("migrate outbox: %w", err)
		}
		entityStore, outbox = lite, liteOutbox
	}

	relayOpts := []notify.RelayOption{}
	if cfg.NotifyRate > 0 {
		relayOpts = append(relayOpts, notify.WithRate(cfg.NotifyRate))
	}
	relay := notify.NewRelay(outbox, notify.NewLogDispatcher(), relayOpts...)

	var locker sweep.Locker
	if cfg.RedisAddr != "" {
		locker = sweep.NewRedisLocker(cfg.RedisAddr, "", 0)
	}

	slo := observability.NewSLOTracker()
	for _, op := range []string{
		observability.OpAutomationSweep,
		observability.OpReminderSweep,
		observability.OpRelayDrain,
	} {
		slo.SetObjective(observability.Objective{
			Operation:   op,
			LatencyP99:  5 * time.Minute,
			SuccessRate: 0.99,
			Window:      7 * 24 * time.Hour,
		})
	}

	return &runtime{
		cfg:    cfg,
		store:  entityStore,
		outbox: outbox,
		relay:  relay,
		locker: locker,
		obs:    obs,
		slo:    slo,
		close: func() {
			_ = obs.Shutdown(context.Background())
			_ = db.Close()
		},
	}, nil
}

// engineFor builds a sweep engine for one tenant. The tenant's profile, when
// present, supplies the rule catalog and installs its matrix; otherwise the
// default catalog applies.
func (rt *runtime) engineFor(ctx context.Context, tenantID string) (*sweep.Engine, error) {
	rules := automation.DefaultCatalog()
	if profile, err := config.LoadProfile(rt.cfg.ProfilesDir, tenantID); err == nil {
		rules = profile.RuleCatalog()
		if profile.Matrix != nil {
			if err := rt.store.PutMatrix(ctx, profile.Matrix); err != nil {
				return nil, fmt.Errorf("install profile matrix: %w", err)
			}
		}
	}

	evaluator, err := automation.NewEvaluator(rules)
	if err != nil {
		return nil, err
	}
	decider := reminder.NewDecider(rt.store, nil)

	opts := []sweep.Option{
		sweep.WithWorkers(rt.cfg.SweepWorkers),
		sweep.WithMetrics(rt.obs),
	}
	if rt.locker != nil {
		opts = append(opts, sweep.WithLocker(rt.locker))
	}
	return sweep.NewEngine(rt.store, evaluator, decider, rt.outbox, opts...), nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	deliver, _ := cmd.Flags().GetBool("deliver")
	ctx := cmd.Context()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	return sweepOnce(ctx, rt, tenant, deliver)
}

func sweepOnce(ctx context.Context, rt *runtime, tenant string, deliver bool) error {
	engine, err := rt.engineFor(ctx, tenant)
	if err != nil {
		return err
	}
	started := time.Now()
	auto, err := engine.RunAutomationSweep(ctx, tenant)
	rt.slo.Record(observability.Observation{
		Operation: observability.OpAutomationSweep,
		Latency:   time.Since(started),
		Success:   err == nil,
	})
	if err != nil {
		return err
	}
	started = time.Now()
	rem, err := engine.RunReminderSweep(ctx, tenant)
	rt.slo.Record(observability.Observation{
		Operation: observability.OpReminderSweep,
		Latency:   time.Since(started),
		Success:   err == nil,
	})
	if err != nil {
		return err
	}
	slog.Info("sweep finished",
		"tenant", tenant,
		"tasks_created", auto.Created,
		"due_dates_moved", auto.Updated,
		"reminders", rem.Dispatched,
		"escalations", rem.Escalations,
	)

	if deliver {
		started = time.Now()
		result, err := rt.relay.Drain(ctx)
		rt.slo.Record(observability.Observation{
			Operation: observability.OpRelayDrain,
			Latency:   time.Since(started),
			Success:   err == nil,
		})
		if err != nil {
			return err
		}
		slog.Info("outbox drained", "delivered", result.Delivered, "failed", result.Failed)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	tenants, _ := cmd.Flags().GetStringSlice("tenants")
	interval, _ := cmd.Flags().GetDuration("interval")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	runAll := func() {
		for _, tenant := range tenants {
			if err := sweepOnce(ctx, rt, tenant, true); err != nil {
				if errors.Is(err, sweep.ErrLeaseHeld) {
					slog.Info("sweep lease held elsewhere", "tenant", tenant)
					continue
				}
				slog.Error("sweep failed", "tenant", tenant, "error", err)
			}
		}
		for _, op := range []string{observability.OpAutomationSweep, observability.OpReminderSweep, observability.OpRelayDrain} {
			c, err := rt.slo.Compliance(op)
			if err != nil {
				continue
			}
			if !c.InCompliance {
				slog.Warn("slo out of compliance",
					"operation", op,
					"p99_ms", c.P99Millis,
					"success_rate", c.SuccessRate,
					"burn_rate", c.BurnRate,
					"error_budget_left", c.ErrorBudgetLeft,
				)
			}
		}
	}

	slog.Info("vigil serving", "tenants", tenants, "interval", interval.String())
	runAll()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return nil
		case <-ticker.C:
			runAll()
		}
	}
}

func runComplete(cmd *cobra.Command, args []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	taskID, _ := cmd.Flags().GetString("task")
	notes, _ := cmd.Flags().GetString("notes")
	ctx := cmd.Context()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	engine, err := rt.engineFor(ctx, tenant)
	if err != nil {
		return err
	}
	successorID, err := engine.CompleteTask(ctx, tenant, taskID, notes)
	if err != nil {
		return err
	}
	if successorID == "" {
		slog.Info("task completed", "tenant", tenant, "task", taskID)
		return nil
	}
	slog.Info("task completed, successor scheduled",
		"tenant", tenant, "task", taskID, "successor", successorID)
	fmt.Fprintln(cmd.OutOrStdout(), successorID)
	return nil
}

func runScore(cmd *cobra.Command, args []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	ctx := cmd.Context()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	scorer := scoring.NewScorer(rt.store)
	risks, err := rt.store.ListRisks(ctx, tenant)
	if err != nil {
		return err
	}

	var rescored int
	for i := range risks {
		updated, err := scorer.Recompute(ctx, risks[i])
		if err != nil {
			return fmt.Errorf("rescore risk %s: %w", risks[i].ID, err)
		}
		if updated.Level != risks[i].Level || updated.Score != risks[i].Score {
			if err := rt.store.PutRisk(ctx, &updated); err != nil {
				return err
			}
			rescored++
		}
	}
	slog.Info("rescore finished", "tenant", tenant, "risks", len(risks), "changed", rescored)
	return nil
}

func runAggregate(cmd *cobra.Command, args []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	window, _ := cmd.Flags().GetInt("window")
	bucket, _ := cmd.Flags().GetString("bucket")
	ctx := cmd.Context()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	risks, err := rt.store.ListRisks(ctx, tenant)
	if err != nil {
		return err
	}
	tasks, err := rt.store.ListTasks(ctx, tenant)
	if err != nil {
		return err
	}

	kind := analytics.BucketWeekly
	if strings.EqualFold(bucket, "monthly") {
		kind = analytics.BucketMonthly
	}
	result := analytics.Aggregate(risks, tasks, analytics.Options{
		WindowDays: window,
		Bucket:     kind,
	})

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func runExport(cmd *cobra.Command, args []string) error {
	tenant, _ := cmd.Flags().GetString("tenant")
	ctx := cmd.Context()

	rt, err := buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	blobs, err := archive.NewFileBlobStore(rt.cfg.ArchiveDir)
	if err != nil {
		return err
	}

	exporter := archive.NewExporter(rt.store, blobs)
	info, err := exporter.Export(ctx, tenant)
	if err != nil {
		return err
	}
	slog.Info("evidence pack stored",
		"tenant", info.TenantID,
		"hash", info.Hash,
		"bytes", info.SizeBytes,
		"files", info.FileCount,
	)
	fmt.Fprintln(cmd.OutOrStdout(), info.Hash)
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	setupLogging(cfg)

	profiles, err := config.LoadAllProfiles(cfg.ProfilesDir)
	if err != nil {
		return err
	}
	for id := range profiles {
		slog.Info("profile ok", "tenant", id)
	}
	slog.Info("validation finished", "profiles", len(profiles))
	return nil
}

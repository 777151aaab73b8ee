package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/openlistings/resosync/internal/config"
	"github.com/openlistings/resosync/internal/db"
	"github.com/openlistings/resosync/internal/engine"
	"github.com/openlistings/resosync/internal/metrics"
	"github.com/openlistings/resosync/internal/odata"
	"github.com/openlistings/resosync/internal/resource"
	"github.com/openlistings/resosync/tools/migrator"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file (TOML)")
	idxOnly := flag.Bool("idx-only", false, "Sync only the IDX listing feed")
	vowOnly := flag.Bool("vow-only", false, "Sync only the VOW listing feed")
	mediaOnly := flag.Bool("media-only", false, "Sync only the media feed")
	incremental := flag.Bool("incremental", false, "Sync from the stored checkpoints instead of a full walk")
	failFast := flag.Bool("fail-fast", false, "Abort the whole run on the first resource failure")
	schedule := flag.String("schedule", "", "Cron expression; keeps the process alive and syncs on schedule")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Logging.Level),
	}))
	slog.SetDefault(logger)

	slog.Info("starting resosync", "config_file", *configFile)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Open database connection with pool settings
	slog.Info("connecting to database", "driver", cfg.Database.Driver)
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err, "driver", cfg.Database.Driver)
		os.Exit(1)
	}
	defer database.Close()

	// Run migrations
	if !cfg.Database.SkipMigrations {
		slog.Info("running migrations", "migrations_dir", cfg.Database.MigrationsDir)
		if err := migrator.RunMigrations(database.DB, database.Driver(), cfg.Database.MigrationsDir); err != nil {
			slog.Error("failed to run migrations", "error", err, "migrations_dir", cfg.Database.MigrationsDir)
			os.Exit(1)
		}

		version, err := migrator.GetCurrentVersion(database.DB)
		if err != nil {
			slog.Error("failed to get schema version", "error", err)
			os.Exit(1)
		}
		slog.Info("database schema ready", "version", version)
	} else {
		slog.Info("skipping migrations", "reason", "configured to skip")
	}

	// Build the resource set for this invocation
	descriptors, err := cfg.Descriptors()
	if err != nil {
		slog.Error("failed to build resource descriptors", "error", err)
		os.Exit(1)
	}
	descriptors = selectResources(descriptors, *idxOnly, *vowOnly, *mediaOnly)

	// Wire the engine
	fetcher := odata.NewClient(odata.ClientOptions{
		Timeout: cfg.Sync.RequestTimeout,
		Logger:  logger,
	})

	engineConfig := engine.DefaultConfig()
	engineConfig.BatchSize = cfg.Sync.BatchSize

	eng, err := engine.NewEngine(engineConfig, fetcher, database, logger)
	if err != nil {
		slog.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		eng.SetMetrics(metrics.New(registry))
		metrics.Serve(cfg.Metrics.Address, cfg.Metrics.Port, registry, logger)
		slog.Info("metrics enabled", "address", cfg.Metrics.Address, "port", cfg.Metrics.Port)
	}

	coordinator, err := engine.NewCoordinator(eng, database, database, logger)
	if err != nil {
		slog.Error("failed to create coordinator", "error", err)
		os.Exit(1)
	}

	opts := engine.CoordinatorOptions{
		Incremental: *incremental,
		FailFast:    *failFast,
	}

	// Cancel the run on SIGINT/SIGTERM; the in-flight page finishes, the
	// checkpoint stays at its previous value.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *schedule != "" {
		runScheduled(ctx, coordinator, descriptors, opts, *schedule)
		return
	}

	if err := coordinator.Run(ctx, descriptors, opts); err != nil {
		slog.Error("sync run failed", "error", err)
		os.Exit(1)
	}
	slog.Info("sync run finished")
}

// runScheduled keeps the process alive and triggers a coordinator run per
// cron firing. A firing that lands while a run is still in progress is
// skipped.
func runScheduled(ctx context.Context, coordinator *engine.Coordinator, descriptors []resource.Descriptor, opts engine.CoordinatorOptions, schedule string) {
	var running sync.Mutex

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if !running.TryLock() {
			slog.Warn("previous sync still in progress; skipping scheduled run")
			return
		}
		defer running.Unlock()

		if err := coordinator.Run(ctx, descriptors, opts); err != nil {
			slog.Error("scheduled sync run failed", "error", err)
			return
		}
		slog.Info("scheduled sync run finished")
	})
	if err != nil {
		slog.Error("invalid schedule expression", "schedule", schedule, "error", err)
		os.Exit(1)
	}

	slog.Info("running on schedule", "schedule", schedule)
	c.Start()
	<-ctx.Done()

	slog.Info("shutting down gracefully")
	<-c.Stop().Done()
}

// selectResources filters the descriptor list down to the requested subset.
func selectResources(descriptors []resource.Descriptor, idxOnly, vowOnly, mediaOnly bool) []resource.Descriptor {
	if !idxOnly && !vowOnly && !mediaOnly {
		return descriptors
	}

	wanted := map[resource.Name]bool{
		resource.IDX:   idxOnly,
		resource.VOW:   vowOnly,
		resource.Media: mediaOnly,
	}

	var out []resource.Descriptor
	for _, d := range descriptors {
		if wanted[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/camfleet/fleetbeat/archive"
	"github.com/camfleet/fleetbeat/camcache"
	"github.com/camfleet/fleetbeat/config"
	"github.com/camfleet/fleetbeat/dbopen"
	"github.com/camfleet/fleetbeat/directory"
	"github.com/camfleet/fleetbeat/fleet"
	"github.com/camfleet/fleetbeat/heartbeat"
	"github.com/camfleet/fleetbeat/jobq"
	"github.com/camfleet/fleetbeat/notify"
	"github.com/camfleet/fleetbeat/observability"
	"github.com/camfleet/fleetbeat/ops"
	"github.com/camfleet/fleetbeat/probe"
)

const workerName = "fleet-consumer"

func main() {
	configPath := env("FLEETBEAT_CONFIG", "")
	logLevel := env("LOG_LEVEL", "info")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Fleet DB: directory, snapshots, queue and observability share one
	// SQLite file.
	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("fleet db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	dir := directory.NewStore(db)
	if err := dir.EnsureSchema(ctx); err != nil {
		slog.Error("directory schema", "error", err)
		os.Exit(1)
	}
	if err := observability.EnsureSchema(ctx, db); err != nil {
		slog.Error("observability schema", "error", err)
		os.Exit(1)
	}

	// Object storage.
	store, err := archive.NewMinioStore(ctx,
		cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey,
		cfg.Storage.UseTLS, cfg.Storage.Bucket)
	if err != nil {
		slog.Error("object store", "error", err)
		os.Exit(1)
	}
	archiver := archive.New(store, db, archive.Options{Logger: logger})
	if err := archiver.EnsureSchema(ctx); err != nil {
		slog.Error("archive schema", "error", err)
		os.Exit(1)
	}

	// View cache.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("redis", "error", err)
		os.Exit(1)
	}
	cache := camcache.NewRedisCache(rdb, logger)
	syncer := camcache.NewSynchronizer(cache, camcache.Options{Logger: logger})

	// Poll pipeline.
	prober := probe.New(probe.Config{Logger: logger})
	dispatcher := notify.New(notify.Options{Secret: cfg.WebhookSecret, Logger: logger})
	orch := heartbeat.New(dir, prober, archiver, dispatcher, syncer, heartbeat.Options{
		Deadline: cfg.CycleDeadline(),
		Logger:   logger,
	})

	// Queue and event log.
	queue := jobq.New(db, jobq.Options{
		Queue:       "poll",
		Visibility:  cfg.CycleDeadline() + 15*time.Second,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger,
	})
	if err := queue.EnsureTable(ctx); err != nil {
		slog.Error("queue table", "error", err)
		os.Exit(1)
	}
	events := observability.NewEventLogger(db, 1000)
	defer events.Close()

	// Fleet scheduler.
	scheduler := fleet.New(dir, queue, orch, fleet.Options{
		PollInterval:   cfg.PollInterval(),
		BatchSize:      cfg.BatchSize,
		MaxConcurrency: cfg.MaxConcurrency,
		Events:         events,
		Logger:         logger,
	})

	// Consumer liveness, with the scheduler's cycle count on each row.
	hb := observability.NewHeartbeatWriter(db, workerName, cfg.HeartbeatInterval(),
		observability.WithCycleCount(scheduler.CyclesProcessed))
	hb.Start(ctx)
	defer hb.Stop()

	// Retention sweep, daily.
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := events.Cleanup(ctx, cfg.RetentionDays); err != nil {
					slog.Warn("event cleanup", "error", err)
				} else {
					slog.Info("event cleanup", "deleted", n)
				}
				if n, err := observability.CleanupHeartbeats(ctx, db, cfg.RetentionDays); err != nil {
					slog.Warn("heartbeat cleanup", "error", err)
				} else {
					slog.Info("heartbeat cleanup", "deleted", n)
				}
			}
		}
	}()

	// Ops surface.
	opsServer := ops.New(dir, queue, archiver, events, db, orch, ops.Options{
		WorkerName:         workerName,
		HeartbeatStaleness: 3 * cfg.HeartbeatInterval(),
		Logger:             logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           opsServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("ops server listening", "addr", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server", "error", err)
			cancel()
		}
	}()

	// Run blocks until shutdown, draining in-flight cycles.
	slog.Info("fleetbeat started",
		"poll_interval", cfg.PollInterval(),
		"cycle_deadline", cfg.CycleDeadline(),
		"max_concurrency", cfg.MaxConcurrency,
	)
	scheduler.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("ops server shutdown", "error", err)
	}
	slog.Info("fleetbeat stopped")
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

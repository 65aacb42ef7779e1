// SPDX-License-Identifier: MIT

// Command orchestrator is the voice session control plane: it serves
// the session API, spawns and supervises agent processes, bills
// conversation minutes, and keeps session state in Redis honest.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talksim/orchestrator/internal/api"
	"github.com/talksim/orchestrator/internal/billing"
	"github.com/talksim/orchestrator/internal/config"
	"github.com/talksim/orchestrator/internal/daemon"
	"github.com/talksim/orchestrator/internal/health"
	"github.com/talksim/orchestrator/internal/janitor"
	olog "github.com/talksim/orchestrator/internal/log"
	"github.com/talksim/orchestrator/internal/queue"
	"github.com/talksim/orchestrator/internal/spawn"
	"github.com/talksim/orchestrator/internal/store"
	"github.com/talksim/orchestrator/internal/telemetry"
	"github.com/talksim/orchestrator/internal/version"
)

// spawnQueue is the task queue shared with any external producers.
const spawnQueue = "worker"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	// Safe defaults until the env config is loaded.
	olog.Configure(olog.Config{
		Level:   "info",
		Service: "orchestrator",
		Version: version.Version,
	})
	logger := olog.WithComponent("daemon")

	ctx := daemon.WaitForShutdown()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Msg("failed to load configuration")
	}

	// Re-configure with the loaded settings.
	olog.Configure(olog.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "orchestrator",
		Version: version.Version,
	})

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Str("addr", cfg.ListenAddr).
		Msg("starting orchestrator")

	red := cfg.Redacted()
	logger.Info().Msgf("→ Room service: %s (configured: %v)", cfg.LiveKitURL, cfg.LiveKitConfigured())
	logger.Info().Msgf("→ Redis: %s", red["redis_url"])
	logger.Info().Msgf("→ Database: %s", red["database_url"])
	logger.Info().Msgf("→ Agent: %s (logs: %s, %d workers)", cfg.AgentBin, cfg.AgentLogDir, cfg.SpawnWorkers)
	logger.Info().Msgf("→ Session timeout: %s, startup timeout: %s", cfg.SessionTimeout, cfg.StartupTimeout)

	// Pre-flight checks (fail fast).
	if err := health.PerformStartupChecks(cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.check_failed").
			Msg("startup checks failed, verify configuration and permissions")
	}

	// Redis carries session state, the task queue, and billing markers.
	redisClient, err := store.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "redis.unreachable").
			Msg("redis connection failed")
	}

	// Postgres owns credits and transcripts.
	db, err := billing.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "database.unreachable").
			Msg("database connection failed")
	}
	billingEngine := billing.New(db, redisClient)
	if err := billingEngine.Migrate(ctx); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "database.migrate_failed").
			Msg("billing schema migration failed")
	}

	// Tracing is best-effort: startup continues without it.
	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    "orchestrator",
		ServiceVersion: version.Version,
		Environment:    config.ParseString("ENVIRONMENT", "production"),
		ExporterType:   cfg.TraceExporter,
		Endpoint:       cfg.TraceEndpoint,
		SamplingRate:   cfg.TraceSamplingRate,
	})
	if err != nil {
		logger.Warn().
			Err(err).
			Str("event", "telemetry.init_failed").
			Msg("telemetry initialization failed, continuing without tracing")
		tel = nil
	}

	st := store.New(redisClient, cfg.SessionTimeout)
	q := queue.New(redisClient, spawnQueue)
	pool := spawn.NewPool(q, st, spawn.NewExecRunner(cfg.AgentBin, st), cfg)

	hm := health.NewManager(version.Version)
	hm.RegisterChecker(health.NewPingChecker("redis", st.Ping))
	hm.RegisterChecker(health.NewPingChecker("postgres", db.Ping))

	srv := api.New(cfg, st, billingEngine, q, pool, hm)

	deps := daemon.Deps{
		Logger:         logger,
		APIServer:      srv.HTTPServer(),
		MetricsHandler: promhttp.Handler(),
	}

	mgr, err := daemon.NewManager(cfg, deps)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "manager.creation_failed").
			Msg("failed to create daemon manager")
	}

	// Hooks run LIFO: the worker drain registered by the app runs
	// first, the stores close last.
	mgr.RegisterShutdownHook("redis close", func(context.Context) error {
		return redisClient.Close()
	})
	mgr.RegisterShutdownHook("pgx close", func(context.Context) error {
		db.Close()
		return nil
	})
	if tel != nil {
		mgr.RegisterShutdownHook("telemetry", tel.Shutdown)
	}

	app := daemon.NewApp(logger, mgr, q, pool, janitor.NewHealthCheck(st), janitor.NewReaper(st, cfg.SessionTimeout))
	if err := app.Run(ctx); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.failed").
			Msg("daemon app failed")
	}

	logger.Info().Msg("orchestrator exiting")
}

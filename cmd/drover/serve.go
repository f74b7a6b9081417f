package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/logging"
	"github.com/droverhq/drover/internal/server"
	"github.com/droverhq/drover/pkg/schema"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the control plane: HTTP API, scheduler, pump and recovery",
		Flags:  commonFlags(),
		Action: runServe,
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "TCP listen address for the HTTP API",
			Sources: cli.EnvVars("DROVER_LISTEN_ADDR"),
		},
		&cli.StringFlag{
			Name:    "db-path",
			Usage:   "Database path (default: ~/.drover/drover.db, \":memory:\" for ephemeral)",
			Sources: cli.EnvVars("DROVER_DB_PATH"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Sources: cli.EnvVars("DROVER_LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Sources: cli.EnvVars("DROVER_LOG_FORMAT"),
		},
		&cli.IntFlag{
			Name:    "pool-size",
			Usage:   "Concurrent step execution slots",
			Sources: cli.EnvVars("DROVER_POOL_SIZE"),
		},
		&cli.IntFlag{
			Name:    "admission-ceiling",
			Usage:   "Maximum concurrently active executions (0 = unlimited)",
			Sources: cli.EnvVars("DROVER_ADMISSION_CEILING"),
		},
		&cli.StringFlag{
			Name:    "step-timeout",
			Usage:   "Default agent task timeout (duration literal, e.g. 30s)",
			Sources: cli.EnvVars("DROVER_STEP_TIMEOUT"),
		},
		&cli.StringFlag{
			Name:    "worker-timeout",
			Usage:   "Worker HTTP client timeout (duration literal)",
			Sources: cli.EnvVars("DROVER_WORKER_TIMEOUT"),
		},
		&cli.StringFlag{
			Name:    "pump-interval",
			Usage:   "Resumption pump poll interval (duration literal)",
			Sources: cli.EnvVars("DROVER_PUMP_INTERVAL"),
		},
		&cli.StringFlag{
			Name:    "scheduler-interval",
			Usage:   "Cron scheduler tick interval (duration literal)",
			Sources: cli.EnvVars("DROVER_SCHEDULER_INTERVAL"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export OpenTelemetry traces (OTLP/HTTP)",
			Sources: cli.EnvVars("DROVER_TRACING"),
		},
	}
}

// applyFlags overlays explicitly set flags on the loaded config. Settings
// file and environment were already applied by config.Load.
func applyFlags(cmd *cli.Command, cfg *config.Config) {
	if cmd.IsSet("listen-addr") {
		cfg.ListenAddr = cmd.String("listen-addr")
	}
	if cmd.IsSet("db-path") {
		cfg.DBPath = cmd.String("db-path")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.LogFormat = cmd.String("log-format")
	}
	if cmd.IsSet("pool-size") {
		cfg.PoolSize = cmd.Int("pool-size")
	}
	if cmd.IsSet("admission-ceiling") {
		cfg.AdmissionCeiling = cmd.Int("admission-ceiling")
	}
	if cmd.IsSet("tracing") {
		cfg.Tracing = cmd.Bool("tracing")
	}

	setDuration := func(name string, dst *schema.Duration) {
		if !cmd.IsSet(name) {
			return
		}
		if d, err := schema.ParseDuration(cmd.String(name)); err == nil {
			*dst = d
		}
	}
	setDuration("step-timeout", &cfg.StepTimeout)
	setDuration("worker-timeout", &cfg.WorkerTimeout)
	setDuration("pump-interval", &cfg.PumpInterval)
	setDuration("scheduler-interval", &cfg.SchedulerInterval)
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg := config.Load()
	applyFlags(cmd, &cfg)
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	if err := rt.start(ctx); err != nil {
		rt.shutdown(context.Background())
		return err
	}

	srv := server.New(server.Deps{
		Store:       rt.store,
		Admission:   rt.admission,
		Engine:      rt.engine,
		Scheduler:   rt.scheduler,
		Registry:    rt.registry,
		Definitions: rt.defs,
		Bus:         rt.bus,
		Logger:      logging.WithComponent(logger, "http"),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.ListenAddr) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case serveErr := <-errCh:
		if serveErr != nil {
			logger.Error("http server failed", slog.String("error", serveErr.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.String("error", err.Error()))
	}
	rt.shutdown(shutdownCtx)

	logger.Info("drover stopped")
	return nil
}

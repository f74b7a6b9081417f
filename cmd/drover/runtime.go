package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/droverhq/drover/internal/admission"
	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/definition"
	"github.com/droverhq/drover/internal/engine"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/expressions"
	"github.com/droverhq/drover/internal/logging"
	"github.com/droverhq/drover/internal/recovery"
	"github.com/droverhq/drover/internal/scheduler"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/telemetry"
	"github.com/droverhq/drover/internal/worker"
)

// runtime bundles the wired control plane shared by the serve and mcp
// commands: storage, bus, engine, admission, scheduler, pump and recovery.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     store.Store
	bus       *events.WatermillBus
	engine    *engine.Engine
	admission *admission.Controller
	scheduler *scheduler.Scheduler
	pump      *engine.Pump
	recovery  *recovery.Service
	registry  *worker.Registry
	defs      *definition.Validator

	closeTracer func(context.Context) error
	closeStore  func() error
}

func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	eval, err := expressions.NewEvaluator()
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	defs, err := definition.NewValidator(eval)
	if err != nil {
		_ = closeStore()
		return nil, err
	}

	bus := events.NewBus(logging.WithComponent(logger, "events"))

	registry := worker.NewRegistry(st)
	breakers := worker.NewBreakers(worker.BreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         cfg.BreakerCooldown.Std(),
		HalfOpenMax:      1,
	})
	workerLog := logging.WithComponent(logger, "worker")
	client := worker.NewHTTPClient(cfg.WorkerTimeout.Std(), workerLog)
	dispatcher := worker.NewDispatcher(registry, client, breakers, workerLog)

	engCfg := engine.Config{
		PoolSize:      cfg.PoolSize,
		StepTimeout:   cfg.StepTimeout.Std(),
		MaxRetryDelay: cfg.MaxRetryDelay.Std(),
	}
	closeTracer := func(context.Context) error { return nil }
	if cfg.Tracing {
		tracer, shutdown, terr := telemetry.NewTracer(ctx, "drover")
		if terr != nil {
			_ = bus.Close()
			_ = closeStore()
			return nil, terr
		}
		engCfg.Tracer = tracer
		closeTracer = shutdown
	}

	eng := engine.New(st, bus, dispatcher, eval, engCfg, logging.WithComponent(logger, "engine"))
	adm := admission.New(st, bus, cfg.AdmissionCeiling, logging.WithComponent(logger, "admission"))
	sched := scheduler.New(st, adm, eng, bus, cfg.SchedulerInterval.Std(), logging.WithComponent(logger, "scheduler"))
	pump := engine.NewPump(eng, st, cfg.PumpInterval.Std(), cfg.PumpBatch, logging.WithComponent(logger, "pump"))
	recov := recovery.New(st, eng, sched, logging.WithComponent(logger, "recovery"))

	return &runtime{
		cfg:         cfg,
		logger:      logger,
		store:       st,
		bus:         bus,
		engine:      eng,
		admission:   adm,
		scheduler:   sched,
		pump:        pump,
		recovery:    recov,
		registry:    registry,
		defs:        defs,
		closeTracer: closeTracer,
		closeStore:  closeStore,
	}, nil
}

// openStore opens the durable store, or an in-memory one when the path is
// ":memory:" (useful for local experiments; state is lost on exit).
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func() error, error) {
	if cfg.DBPath == ":memory:" {
		return store.NewMemoryStore(), func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, nil, err
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return st, st.Close, nil
}

// start brings up the background loops: scheduler ticks, pump sweeps, and
// one recovery pass over whatever the previous process left non-terminal.
func (r *runtime) start(ctx context.Context) error {
	if err := r.scheduler.Start(ctx); err != nil {
		return err
	}
	if err := r.pump.Start(ctx); err != nil {
		_ = r.scheduler.Stop()
		return err
	}

	go func() {
		if _, err := r.recovery.Run(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("recovery sweep", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// shutdown stops the loops and releases resources. Order matters: no new
// fires, no new sweeps, drain in-flight steps, then close the pipes.
func (r *runtime) shutdown(ctx context.Context) {
	if err := r.scheduler.Stop(); err != nil {
		r.logger.Error("stop scheduler", slog.String("error", err.Error()))
	}
	if err := r.pump.Stop(); err != nil {
		r.logger.Error("stop pump", slog.String("error", err.Error()))
	}
	r.engine.Shutdown()
	if err := r.bus.Close(); err != nil {
		r.logger.Error("close bus", slog.String("error", err.Error()))
	}
	if err := r.closeTracer(ctx); err != nil {
		r.logger.Error("close tracer", slog.String("error", err.Error()))
	}
	if err := r.closeStore(); err != nil {
		r.logger.Error("close store", slog.String("error", err.Error()))
	}
}

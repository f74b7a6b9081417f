// Package recovery re-attaches the engine to work that survived a restart.
// Resume conditions live in the store, so recovery is one advance pass per
// non-terminal execution: due timers fold in, expired approvals apply their
// timeout action, interrupted dispatches re-run. Nothing is replayed from a
// journal because there is none.
package recovery

import (
	"context"
	"log/slog"

	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/pkg/schema"
)

// Advancer drives one execution forward. Satisfied by *engine.Engine.
type Advancer interface {
	Advance(ctx context.Context, executionID string) error
}

// ScheduleRecoverer moves stale schedule fire times past the downtime.
// Satisfied by *scheduler.Scheduler.
type ScheduleRecoverer interface {
	RecoverMissed(ctx context.Context) error
}

// Service sweeps the store once at startup.
type Service struct {
	store     store.Store
	advancer  Advancer
	schedules ScheduleRecoverer
	logger    *slog.Logger
}

// New creates a recovery service. schedules may be nil.
func New(st store.Store, advancer Advancer, schedules ScheduleRecoverer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, advancer: advancer, schedules: schedules, logger: logger}
}

// Report summarizes one recovery sweep.
type Report struct {
	Scanned  int
	Advanced int
	Failed   int
}

// Run advances every non-terminal execution once and then nudges the
// schedule fire times. Failures on individual executions are logged and
// counted, not fatal: the pump retries anything with a due resume condition
// on its own cadence.
func (s *Service) Run(ctx context.Context) (Report, error) {
	execs, err := s.store.ListExecutions(ctx, store.ExecutionFilter{
		Statuses: []schema.ExecutionStatus{
			schema.ExecutionStatusPending,
			schema.ExecutionStatusRunning,
			schema.ExecutionStatusPaused,
		},
	})
	if err != nil {
		return Report{}, err
	}

	report := Report{Scanned: len(execs)}
	for _, exec := range execs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if err := s.advancer.Advance(ctx, exec.ID); err != nil {
			report.Failed++
			s.logger.Error("recovery advance failed",
				slog.String("execution_id", exec.ID),
				slog.String("status", string(exec.Status)),
				slog.String("error", err.Error()),
			)
			continue
		}
		report.Advanced++
	}

	if s.schedules != nil {
		if err := s.schedules.RecoverMissed(ctx); err != nil {
			s.logger.Error("recover missed schedules", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("recovery sweep complete",
		slog.Int("scanned", report.Scanned),
		slog.Int("advanced", report.Advanced),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

// Package scheduler originates executions from cron schedules. It owns the
// fire-time bookkeeping on schedule rows and nothing else: admission creates
// the execution, the engine runs it. A schedule whose previous execution is
// still non-terminal stays due and is retried on later ticks instead of
// overlapping it.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/droverhq/drover/internal/admission"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/pkg/schema"
)

const DefaultInterval = 30 * time.Second

// Admitter originates executions under the capacity ceiling. Satisfied by
// *admission.Controller.
type Admitter interface {
	TryAdmit(ctx context.Context, req admission.Request) (*store.Execution, error)
}

// Advancer drives an admitted execution. Satisfied by *engine.Engine
// (avoids import cycle).
type Advancer interface {
	Advance(ctx context.Context, executionID string) error
}

// Scheduler polls the store for due schedules and fires them.
type Scheduler struct {
	store    store.Store
	admitter Admitter
	advancer Advancer
	bus      events.Publisher
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	advances sync.WaitGroup

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently firing (dedup)
}

// New creates a Scheduler. A non-positive interval falls back to
// DefaultInterval; bus may be nil.
func New(st store.Store, admitter Admitter, advancer Advancer, bus events.Publisher, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    st,
		admitter: admitter,
		advancer: advancer,
		bus:      bus,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: interval,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every enabled schedule whose next fire time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	now := time.Now().UTC()
	due, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled, DueBefore: &now})
	if err != nil {
		s.logger.Error("failed to list due schedules", slog.String("error", err.Error()))
		return
	}

	for _, sched := range due {
		if !s.tryAcquire(sched.ID) {
			continue // still firing from a previous tick (dedup)
		}
		if err := s.fire(ctx, sched, now); err != nil {
			s.logger.Error("failed to fire schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("process", sched.ProcessName),
				slog.String("error", err.Error()),
			)
		}
		s.release(sched.ID)
	}
}

// fire originates one execution for a due schedule, records the fire on the
// schedule row, and advances the execution in the background. The previous
// execution still being non-terminal skips the fire and leaves the schedule
// due; admission at capacity does the same.
func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time) error {
	if active, id := s.previousStillActive(ctx, sched); active {
		s.logger.Warn("schedule fire skipped, previous execution still active",
			slog.String("schedule_id", sched.ID),
			slog.String("execution_id", id),
		)
		s.publish(ctx, schema.EventScheduleSkipped, id, map[string]any{
			"schedule_id": sched.ID,
			"reason":      "previous execution still active",
		})
		return nil
	}

	exec, err := s.admitter.TryAdmit(ctx, admission.Request{
		ProcessName:    sched.ProcessName,
		ProcessVersion: sched.ProcessVersion,
		Input:          sched.Input,
		ScheduleID:     sched.ID,
	})
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeCapacity) {
			// Leave the schedule due; the next tick retries once capacity
			// frees up.
			s.logger.Warn("schedule fire deferred at capacity", slog.String("schedule_id", sched.ID))
			return nil
		}
		// Anything else (missing definition, store trouble) advances the
		// fire time so the schedule does not hot-loop every tick.
		if nerr := s.recordFire(ctx, sched, now, ""); nerr != nil {
			return nerr
		}
		return err
	}

	if err := s.recordFire(ctx, sched, now, exec.ID); err != nil {
		return err
	}

	s.logger.Info("schedule fired",
		slog.String("schedule_id", sched.ID),
		slog.String("process", sched.ProcessName),
		slog.String("execution_id", exec.ID),
	)
	s.appendFireEvent(ctx, sched, exec.ID)
	s.publish(ctx, schema.EventScheduleFired, exec.ID, map[string]any{
		"schedule_id": sched.ID,
		"cron":        sched.CronExpression,
	})

	s.advances.Add(1)
	go func() {
		defer s.advances.Done()
		if err := s.advancer.Advance(ctx, exec.ID); err != nil && !schema.IsCode(err, schema.ErrCodeCancelled) {
			s.logger.Error("advance scheduled execution",
				slog.String("execution_id", exec.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// previousStillActive reports whether the schedule's last originated
// execution has not reached a terminal status.
func (s *Scheduler) previousStillActive(ctx context.Context, sched *store.Schedule) (bool, string) {
	if sched.LastExecutionID == "" {
		return false, ""
	}
	last, err := s.store.GetExecution(ctx, sched.LastExecutionID)
	if err != nil {
		return false, ""
	}
	if last.Status.Terminal() {
		return false, ""
	}
	return true, last.ID
}

// recordFire moves the schedule's bookkeeping past this fire. An empty
// executionID records an attempt that originated nothing.
func (s *Scheduler) recordFire(ctx context.Context, sched *store.Schedule, now time.Time, executionID string) error {
	next, err := s.NextFire(sched.CronExpression, sched.Timezone, now)
	if err != nil {
		return fmt.Errorf("calculate next fire for schedule %q: %w", sched.ID, err)
	}

	update := store.ScheduleUpdate{
		LastFireAt: &now,
		NextFireAt: &next,
	}
	if executionID != "" {
		update.LastExecutionID = &executionID
	}
	return s.store.UpdateSchedule(ctx, sched.ID, update)
}

func (s *Scheduler) appendFireEvent(ctx context.Context, sched *store.Schedule, executionID string) {
	payload, err := json.Marshal(map[string]any{
		"schedule_id": sched.ID,
		"cron":        sched.CronExpression,
	})
	if err != nil {
		return
	}
	if err := s.store.AppendEvent(ctx, &store.ExecutionEvent{
		ExecutionID: executionID,
		Type:        schema.EventScheduleFired,
		Payload:     payload,
	}); err != nil {
		s.logger.Warn("append schedule event",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) publish(ctx context.Context, eventType, executionID string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	ev := events.New(eventType, executionID)
	ev.Payload = payload
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn("publish schedule event",
			slog.String("event", eventType),
			slog.String("error", err.Error()),
		)
	}
}

// tryAcquire returns true and marks the schedule as in-flight if it is not
// already firing.
func (s *Scheduler) tryAcquire(scheduleID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[scheduleID]; ok {
		return false
	}
	s.inflight[scheduleID] = struct{}{}
	return true
}

// release removes the schedule from the in-flight set.
func (s *Scheduler) release(scheduleID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, scheduleID)
}

// NextFire computes the next fire time after from, evaluated in the
// schedule's timezone, returned in UTC. An empty timezone means UTC.
func (s *Scheduler) NextFire(cronExpr, timezone string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
	}
	return schedule.Next(from.In(loc)).UTC(), nil
}

// Stop gracefully shuts down the scheduler and waits for in-flight
// advances to unwind.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.advances.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed advances stale next fire times without originating
// executions. Fires missed while the control plane was down are dropped,
// not replayed; each affected schedule picks up at its next cadence point.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, sched := range schedules {
		if sched.NextFireAt != nil && sched.NextFireAt.After(now) {
			continue
		}
		next, err := s.NextFire(sched.CronExpression, sched.Timezone, now)
		if err != nil {
			s.logger.Error("failed to recover schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{NextFireAt: &next}); err != nil {
			s.logger.Error("failed to update recovered schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}

// Create validates and persists a new schedule with its first fire time
// computed. A missing ID is generated.
func (s *Scheduler) Create(ctx context.Context, sched *store.Schedule) error {
	if sched.ProcessName == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule process name is required")
	}
	next, err := s.NextFire(sched.CronExpression, sched.Timezone, time.Now().UTC())
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}

	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	sched.NextFireAt = &next
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return err
	}

	s.logger.Info("schedule created",
		slog.String("schedule_id", sched.ID),
		slog.String("process", sched.ProcessName),
		slog.String("cron", sched.CronExpression),
	)
	return nil
}

// Update applies mutable fields. A cadence change (cron or timezone)
// recomputes the next fire time from now.
func (s *Scheduler) Update(ctx context.Context, id string, update store.ScheduleUpdate) (*store.Schedule, error) {
	current, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	if update.CronExpression != nil || update.Timezone != nil {
		cronExpr := current.CronExpression
		if update.CronExpression != nil {
			cronExpr = *update.CronExpression
		}
		timezone := current.Timezone
		if update.Timezone != nil {
			timezone = *update.Timezone
		}
		next, err := s.NextFire(cronExpr, timezone, time.Now().UTC())
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
		}
		update.NextFireAt = &next
	}

	if err := s.store.UpdateSchedule(ctx, id, update); err != nil {
		return nil, err
	}
	return s.store.GetSchedule(ctx, id)
}

// Pause disables a schedule, keeping its fire history.
func (s *Scheduler) Pause(ctx context.Context, id string) (*store.Schedule, error) {
	enabled := false
	return s.Update(ctx, id, store.ScheduleUpdate{Enabled: &enabled})
}

// Resume re-enables a schedule. The next fire time is recomputed from now,
// so fires missed while paused are not replayed.
func (s *Scheduler) Resume(ctx context.Context, id string) (*store.Schedule, error) {
	current, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	next, err := s.NextFire(current.CronExpression, current.Timezone, time.Now().UTC())
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}

	enabled := true
	if err := s.store.UpdateSchedule(ctx, id, store.ScheduleUpdate{Enabled: &enabled, NextFireAt: &next}); err != nil {
		return nil, err
	}
	return s.store.GetSchedule(ctx, id)
}

// Delete removes a schedule. Executions it originated stay untouched.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	return s.store.DeleteSchedule(ctx, id)
}

// MaterializeTriggers turns a freshly published definition's schedule
// triggers into schedule rows with deterministic IDs, and pauses trigger
// schedules of earlier versions of the same process so a supersede never
// double-fires.
func (s *Scheduler) MaterializeTriggers(ctx context.Context, def *store.Definition) ([]*store.Schedule, error) {
	var created []*store.Schedule
	for i, trigger := range def.Document.Triggers {
		if trigger.Type != schema.TriggerSchedule {
			continue
		}
		sched := &store.Schedule{
			ID:             triggerScheduleID(def.Name, def.Version, i),
			ProcessName:    def.Name,
			ProcessVersion: def.Version,
			CronExpression: trigger.Cron,
			Timezone:       trigger.Timezone,
			Input:          trigger.Input,
			Enabled:        true,
		}
		if err := s.Create(ctx, sched); err != nil {
			return created, err
		}
		created = append(created, sched)
	}

	if len(created) > 0 {
		if err := s.pauseSuperseded(ctx, def.Name, def.Version); err != nil {
			return created, err
		}
	}
	return created, nil
}

func triggerScheduleID(name, version string, index int) string {
	return fmt.Sprintf("trigger:%s@%s#%d", name, version, index)
}

// pauseSuperseded disables trigger-born schedules of other versions of the
// process.
func (s *Scheduler) pauseSuperseded(ctx context.Context, name, version string) error {
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{})
	if err != nil {
		return err
	}
	prefix := "trigger:" + name + "@"
	keep := prefix + version + "#"
	for _, sched := range schedules {
		if !strings.HasPrefix(sched.ID, prefix) || !sched.Enabled {
			continue
		}
		if strings.HasPrefix(sched.ID, keep) {
			continue
		}
		enabled := false
		if err := s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{Enabled: &enabled}); err != nil {
			return err
		}
		s.logger.Info("superseded trigger schedule paused",
			slog.String("schedule_id", sched.ID),
			slog.String("process", name),
		)
	}
	return nil
}

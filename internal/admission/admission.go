// Package admission is the single construction path for executions. Every
// origin (API, MCP, scheduler, recovery replays) goes through TryAdmit, so
// the active-execution ceiling is enforced in exactly one place: inside the
// store insert, atomically with the capacity count.
package admission

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/pkg/schema"
)

// Request describes an execution to admit. An empty ProcessVersion resolves
// to the latest published definition of the process. ScheduleID is set only
// when a schedule originated the request.
type Request struct {
	ProcessName    string
	ProcessVersion string
	Input          map[string]any
	ScheduleID     string
}

// Controller admits new executions against the configured ceiling.
type Controller struct {
	store   store.Store
	bus     events.Publisher
	ceiling int
	logger  *slog.Logger
}

// New creates an admission controller. A ceiling <= 0 disables the capacity
// check.
func New(st store.Store, bus events.Publisher, ceiling int, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: st, bus: bus, ceiling: ceiling, logger: logger}
}

// TryAdmit resolves the process definition, snapshots it into a new PENDING
// execution, and inserts it under the ceiling. At capacity it returns
// CAPACITY_ERROR immediately; there is no queue. The returned execution has
// not been advanced.
func (c *Controller) TryAdmit(ctx context.Context, req Request) (*store.Execution, error) {
	if req.ProcessName == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "process name is required")
	}

	def, err := c.resolveDefinition(ctx, req.ProcessName, req.ProcessVersion)
	if err != nil {
		return nil, err
	}

	exec := &store.Execution{
		ID:             uuid.New().String(),
		ProcessName:    def.Name,
		ProcessVersion: def.Version,
		Definition:     def.Document,
		Status:         schema.ExecutionStatusPending,
		Input:          req.Input,
		ScheduleID:     req.ScheduleID,
		CreatedAt:      time.Now().UTC(),
	}

	if err := c.store.CreateExecution(ctx, exec, c.ceiling); err != nil {
		if schema.IsCode(err, schema.ErrCodeCapacity) {
			c.logger.Warn("execution rejected at capacity",
				slog.String("process", def.Name),
				slog.Int("ceiling", c.ceiling),
			)
		}
		return nil, err
	}

	c.record(ctx, exec)
	c.logger.Info("execution admitted",
		slog.String("execution_id", exec.ID),
		slog.String("process", def.Name),
		slog.String("version", def.Version),
	)
	return exec, nil
}

// resolveDefinition finds the requested definition snapshot. With no version
// the latest published one wins.
func (c *Controller) resolveDefinition(ctx context.Context, name, version string) (*store.Definition, error) {
	if version != "" {
		return c.store.GetDefinition(ctx, name, version)
	}

	defs, err := c.store.ListDefinitions(ctx, store.DefinitionFilter{Name: name, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "process %q has no published definitions", name)
	}
	return defs[0], nil
}

// record appends the created event to history and publishes it on the bus,
// best-effort on both sinks.
func (c *Controller) record(ctx context.Context, exec *store.Execution) {
	payload := map[string]any{
		"process": exec.ProcessName,
		"version": exec.ProcessVersion,
	}
	if exec.ScheduleID != "" {
		payload["schedule_id"] = exec.ScheduleID
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}

	if err := c.store.AppendEvent(ctx, &store.ExecutionEvent{
		ExecutionID: exec.ID,
		Type:        schema.EventExecutionCreated,
		Payload:     raw,
	}); err != nil {
		c.logger.Warn("append admission event",
			slog.String("execution_id", exec.ID),
			slog.String("error", err.Error()),
		)
	}

	if c.bus == nil {
		return
	}
	ev := events.New(schema.EventExecutionCreated, exec.ID)
	ev.Payload = payload
	if err := c.bus.Publish(ctx, ev); err != nil {
		c.logger.Warn("publish admission event",
			slog.String("execution_id", exec.ID),
			slog.String("error", err.Error()),
		)
	}
}

package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/pkg/schema"
)

// Step mutators. Each validates the transition, mutates the run, persists
// it, then records the event. They key everything off the run itself, so a
// pool goroutine can call them for the one run it owns without touching
// pass state.

// readyStep promotes a pending step whose dependencies are satisfied.
func (e *Engine) readyStep(ctx context.Context, run *store.StepRun) error {
	if err := ValidateStepTransition(run.ExecutionID, run.StepID, run.Status, schema.StepStatusReady); err != nil {
		return err
	}
	run.Status = schema.StepStatusReady
	if err := e.persistRun(ctx, run); err != nil {
		return err
	}
	e.record(ctx, run.ExecutionID, run.StepID, stepEventType(run.Status), nil)
	return nil
}

// completeStep lands a successful outcome. A nil output completes without
// one; timers do this.
func (e *Engine) completeStep(ctx context.Context, run *store.StepRun, output any) error {
	var (
		raw     json.RawMessage
		payload map[string]any
	)
	if output != nil {
		b, err := json.Marshal(output)
		if err != nil {
			return e.failStep(ctx, run,
				schema.NewErrorf(schema.ErrCodeExecution, "step output is not serializable: %s", err.Error()).
					WithCause(err).WithStep(run.StepID))
		}
		raw = b
		payload = map[string]any{"output": output}
	}

	if err := ValidateStepTransition(run.ExecutionID, run.StepID, run.Status, schema.StepStatusCompleted); err != nil {
		return err
	}

	now := time.Now().UTC()
	run.Status = schema.StepStatusCompleted
	run.CompletedAt = &now
	if run.StartedAt != nil {
		run.DurationMs = now.Sub(*run.StartedAt).Milliseconds()
	}
	if raw != nil {
		run.Output = raw
	}

	if err := e.persistRun(ctx, run); err != nil {
		return err
	}
	e.record(ctx, run.ExecutionID, run.StepID, stepEventType(run.Status), payload)
	return nil
}

// failStep lands a terminal failure with the structured error persisted on
// the run.
func (e *Engine) failStep(ctx context.Context, run *store.StepRun, derr *schema.DroverError) error {
	if err := ValidateStepTransition(run.ExecutionID, run.StepID, run.Status, schema.StepStatusFailed); err != nil {
		return err
	}

	now := time.Now().UTC()
	run.Status = schema.StepStatusFailed
	run.CompletedAt = &now
	if run.StartedAt != nil {
		run.DurationMs = now.Sub(*run.StartedAt).Milliseconds()
	}
	if raw, err := json.Marshal(derr); err == nil {
		run.Error = raw
	}

	if err := e.persistRun(ctx, run); err != nil {
		return err
	}
	e.record(ctx, run.ExecutionID, run.StepID, stepEventType(run.Status), map[string]any{"error": derr})
	return nil
}

// skipStep lands a skip with its reason. The reason decides whether the
// skip satisfies dependents.
func (e *Engine) skipStep(ctx context.Context, run *store.StepRun, reason schema.SkipReason) error {
	if err := ValidateStepTransition(run.ExecutionID, run.StepID, run.Status, schema.StepStatusSkipped); err != nil {
		return err
	}

	now := time.Now().UTC()
	run.Status = schema.StepStatusSkipped
	run.SkipReason = reason
	run.CompletedAt = &now

	if err := e.persistRun(ctx, run); err != nil {
		return err
	}
	e.record(ctx, run.ExecutionID, run.StepID, stepEventType(run.Status), map[string]any{"reason": string(reason)})
	return nil
}

// cancelStep terminates a non-terminal step during a cascade. A dangling
// pending decision is expired first so it cannot be resolved afterwards.
func (e *Engine) cancelStep(ctx context.Context, run *store.StepRun) error {
	if err := ValidateStepTransition(run.ExecutionID, run.StepID, run.Status, schema.StepStatusCancelled); err != nil {
		return err
	}

	now := time.Now().UTC()
	if run.DecisionID != "" {
		res := &store.Resolution{Status: string(schema.DecisionExpired), DecidedBy: "system", DecidedAt: &now}
		if err := e.store.ResolveDecision(ctx, run.DecisionID, res); err != nil && !schema.IsCode(err, schema.ErrCodeConflict) {
			e.logger.Warn("expire decision on cancel",
				slog.String("execution_id", run.ExecutionID),
				slog.String("step_id", run.StepID),
				slog.String("decision_id", run.DecisionID),
				slog.String("error", err.Error()))
		}
	}

	run.Status = schema.StepStatusCancelled
	run.CompletedAt = &now

	if err := e.persistRun(ctx, run); err != nil {
		return err
	}
	e.record(ctx, run.ExecutionID, run.StepID, stepEventType(run.Status), nil)
	return nil
}

// applyTimeoutAction lands an expired decision on its waiting step. An
// unset action rejects.
func (e *Engine) applyTimeoutAction(ctx context.Context, run *store.StepRun, dec *store.Decision) error {
	switch timeoutActionOf(dec) {
	case schema.TimeoutApprove:
		return e.completeStep(ctx, run, map[string]any{"approved": true, "resolved_by": "timeout"})
	case schema.TimeoutSkip:
		return e.skipStep(ctx, run, schema.SkipTimeout)
	default:
		return e.failStep(ctx, run,
			schema.NewError(schema.ErrCodeBusiness, "approval timed out and was rejected").WithStep(run.StepID))
	}
}

func timeoutActionOf(dec *store.Decision) schema.TimeoutAction {
	if dec.TimeoutAction == "" {
		return schema.TimeoutReject
	}
	return dec.TimeoutAction
}

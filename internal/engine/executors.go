package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/droverhq/drover/internal/expressions"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/telemetry"
	"github.com/droverhq/drover/internal/worker"
	"github.com/droverhq/drover/pkg/schema"
)

// Step execution. One handler per kind behind an exhaustive switch; the kind
// set is closed, so there is no registry and no dynamic lookup. Handlers run
// inside pool goroutines and own exactly one step run each; they touch
// nothing else on the pass. Errors returned from a handler are store-level
// failures that abort the pass, never step outcomes: those are persisted on
// the run itself.

// dispatchStep moves a step into running and hands it to its kind handler. A
// step loaded as running without a persisted resume condition is a dispatch
// the previous process never finished; it goes through the handler again,
// which is the at-least-once boundary for agent tasks and a pure
// re-evaluation for everything else.
func (e *Engine) dispatchStep(ctx context.Context, p *pass, run *store.StepRun, def *schema.StepDefinition, scope *expressions.Scope) error {
	ctx, span := telemetry.StartSpan(ctx, e.tracer, "engine.step",
		attribute.String(telemetry.ExecutionIDKey, p.exec.ID),
		attribute.String(telemetry.StepIDKey, run.StepID),
		attribute.String(telemetry.StepTypeKey, string(def.Type)))
	defer span.End()

	if run.Status == schema.StepStatusReady {
		if err := ValidateStepTransition(p.exec.ID, run.StepID, run.Status, schema.StepStatusRunning); err != nil {
			return err
		}
		now := time.Now().UTC()
		run.Status = schema.StepStatusRunning
		run.StartedAt = &now
		if err := e.persistRun(ctx, run); err != nil {
			return err
		}
		e.record(ctx, p.exec.ID, run.StepID, stepEventType(run.Status), map[string]any{"attempt": run.Attempts + 1})
	}

	switch def.Type {
	case schema.StepTypeAgentTask:
		return e.runAgentTask(ctx, p, run, def, scope)
	case schema.StepTypeHumanApproval:
		return e.requestApproval(ctx, p, run, def)
	case schema.StepTypeGateway:
		return e.runGateway(ctx, p, run, def, scope)
	case schema.StepTypeTimer:
		return e.startTimer(ctx, p, run, def)
	default:
		return e.failStep(ctx, run,
			schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", def.Type).WithStep(run.StepID))
	}
}

// runAgentTask renders the message template and calls the worker target,
// retrying per policy. The attempt counter is persisted before every call so
// a crash mid-call is visible to the next pass.
func (e *Engine) runAgentTask(ctx context.Context, p *pass, run *store.StepRun, def *schema.StepDefinition, scope *expressions.Scope) error {
	message, err := e.eval.Message(def.Message, scope)
	if err != nil {
		return e.failStep(ctx, run,
			schema.AsDrover(err, schema.ErrCodeExpression).WithStep(run.StepID))
	}

	policy := def.Retry
	maxAttempts := 1
	if policy != nil && policy.MaxAttempts > 0 {
		maxAttempts = policy.MaxAttempts
	}
	timeout := def.Timeout.Std()
	if timeout <= 0 {
		timeout = e.config.StepTimeout
	}

	var lastErr error
	for run.Attempts < maxAttempts {
		attempt := run.Attempts + 1
		run.Attempts = attempt
		if err := e.persistRun(ctx, run); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		callCtx, callSpan := telemetry.StartSpan(callCtx, e.tracer, "worker.invoke",
			attribute.String(telemetry.AgentKey, def.Agent),
			attribute.Int(telemetry.AttemptKey, attempt))
		output, callErr := e.dispatcher.Dispatch(callCtx, def.Agent, &worker.TaskRequest{
			ExecutionID: p.exec.ID,
			StepID:      run.StepID,
			Attempt:     attempt,
			Message:     message,
		})
		if callErr != nil {
			telemetry.SetError(callSpan, callErr)
		}
		callSpan.End()
		cancel()

		if callErr == nil {
			return e.completeStep(ctx, run, output)
		}
		lastErr = callErr

		if ctx.Err() != nil {
			// Pass interrupted; leave the step running for the next advance.
			return nil
		}
		if !Retryable(callErr, policy) || run.Attempts >= maxAttempts {
			break
		}

		delay := Backoff(policy, attempt, e.config.MaxRetryDelay)
		e.record(ctx, p.exec.ID, run.StepID, schema.EventStepRetrying, map[string]any{
			"attempt": attempt + 1,
			"delay":   delay.String(),
			"error":   callErr.Error(),
		})
		if err := WaitBackoff(ctx, delay); err != nil {
			return nil
		}
	}

	return e.failStep(ctx, run, agentFailure(run, policy, maxAttempts, lastErr))
}

// agentFailure shapes the terminal error for an agent task: exhausted retry
// budgets wrap the last error under RETRY_EXHAUSTED, everything else keeps
// its original code. The attempt count always rides along in the details.
func agentFailure(run *store.StepRun, policy *schema.RetryPolicy, maxAttempts int, lastErr error) *schema.DroverError {
	var failure *schema.DroverError
	switch {
	case lastErr == nil:
		// Re-dispatched after a crash with no attempts left in the budget.
		failure = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"interrupted after %d attempts with no recorded outcome", run.Attempts)
	case run.Attempts >= maxAttempts && maxAttempts > 1 && Retryable(lastErr, policy):
		last := schema.AsDrover(lastErr, schema.ErrCodeExecution)
		failure = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"retries exhausted after %d attempts: %s", run.Attempts, last.Message).
			WithCause(lastErr).
			WithDetails(map[string]any{"last_error_code": last.Code})
	default:
		failure = schema.AsDrover(lastErr, schema.ErrCodeExecution)
	}

	if failure.Details == nil {
		failure.Details = make(map[string]any)
	}
	failure.Details["attempts"] = run.Attempts
	return failure.WithStep(run.StepID)
}

// requestApproval creates the pending decision on first dispatch and leaves
// the step running with the decision ID as its resume condition. Resolution
// is applied by the resumption sweep, never here.
func (e *Engine) requestApproval(ctx context.Context, p *pass, run *store.StepRun, def *schema.StepDefinition) error {
	if run.DecisionID != "" {
		return nil
	}

	now := time.Now().UTC()
	dec := &store.Decision{
		ID:            uuid.New().String(),
		ExecutionID:   p.exec.ID,
		StepID:        run.StepID,
		Title:         def.Title,
		Description:   def.Description,
		Status:        schema.DecisionPending,
		TimeoutAction: def.TimeoutAction,
		CreatedAt:     now,
	}
	if !def.Timeout.IsZero() {
		t := now.Add(def.Timeout.Std())
		dec.TimeoutAt = &t
	}
	if err := e.store.CreateDecision(ctx, dec); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create decision for step %s: %s", run.StepID, err.Error()).WithCause(err)
	}

	run.DecisionID = dec.ID
	if err := e.persistRun(ctx, run); err != nil {
		return err
	}

	payload := map[string]any{"decision_id": dec.ID}
	if def.Title != "" {
		payload["title"] = def.Title
	}
	if dec.TimeoutAt != nil {
		payload["timeout_at"] = dec.TimeoutAt.Format(time.RFC3339)
	}
	e.record(ctx, p.exec.ID, run.StepID, schema.EventApprovalRequested, payload)
	return nil
}

// runGateway evaluates the routing arms in declaration order. First true
// expression wins, then the default arm; a gateway with no match and no
// default fails with the expression error retained.
func (e *Engine) runGateway(ctx context.Context, p *pass, run *store.StepRun, def *schema.StepDefinition, scope *expressions.Scope) error {
	selected := ""
	defaultTarget := ""
	for _, arm := range def.Conditions {
		if arm.Default {
			if defaultTarget == "" {
				defaultTarget = arm.Next
			}
			continue
		}
		match, err := e.eval.Condition(ctx, arm.Expression, scope)
		if err != nil {
			return e.failStep(ctx, run,
				schema.AsDrover(err, schema.ErrCodeExpression).WithStep(run.StepID))
		}
		if match {
			selected = arm.Next
			break
		}
	}
	if selected == "" {
		selected = defaultTarget
	}
	if selected == "" {
		return e.failStep(ctx, run,
			schema.NewError(schema.ErrCodeExpression, "no gateway condition matched and no default branch declared").
				WithStep(run.StepID))
	}

	return e.completeStep(ctx, run, map[string]any{"selected": selected})
}

// startTimer persists the resume time as the step's resume condition. No
// goroutine sleeps on it; the pump completes the step once the time is due.
func (e *Engine) startTimer(ctx context.Context, p *pass, run *store.StepRun, def *schema.StepDefinition) error {
	if run.ResumeAt != nil {
		return nil
	}

	resumeAt := time.Now().UTC().Add(def.Duration.Std())
	run.ResumeAt = &resumeAt
	if err := e.persistRun(ctx, run); err != nil {
		return err
	}
	e.record(ctx, p.exec.ID, run.StepID, schema.EventTimerScheduled, map[string]any{
		"resume_at": resumeAt.Format(time.RFC3339),
	})
	return nil
}

// Package engine advances executions through their step graphs. The engine
// is passive: every state change happens inside an advance pass that some
// caller (API handler, pump, recovery) invokes for one execution. A pass
// holds the execution's lock, folds due timers and resolved decisions into
// their steps, recomputes readiness from persisted state, dispatches what
// became ready, and persists each transition as it happens, so a crash at
// any point is repaired by the next pass over the same execution.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/expressions"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/telemetry"
	"github.com/droverhq/drover/internal/worker"
	"github.com/droverhq/drover/pkg/schema"
)

const (
	DefaultPoolSize      = 10
	DefaultStepTimeout   = 30 * time.Second
	DefaultMaxRetryDelay = 5 * time.Minute
)

// Config carries the engine tuning knobs. Zero values fall back to the
// defaults above.
type Config struct {
	// PoolSize bounds the number of concurrently executing steps across
	// all executions.
	PoolSize int
	// StepTimeout applies to agent task attempts whose step declares no
	// timeout of its own.
	StepTimeout time.Duration
	// MaxRetryDelay caps the computed backoff between retry attempts.
	MaxRetryDelay time.Duration
	// Tracer receives spans for advance passes, step dispatches and worker
	// calls. Nil means spans are dropped.
	Tracer trace.Tracer
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultStepTimeout
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	return c
}

// Dispatcher hands one agent task attempt to its worker target. Satisfied
// by *worker.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, agent string, req *worker.TaskRequest) (any, error)
}

// Engine drives executions forward. Safe for concurrent use; advance passes
// for the same execution serialize on a per-execution lock, and the store's
// revision check backstops that across processes.
type Engine struct {
	store      store.Store
	bus        events.Publisher
	dispatcher Dispatcher
	eval       *expressions.Evaluator
	pool       *Pool
	config     Config
	logger     *slog.Logger
	tracer     trace.Tracer

	locks *keyedMutex

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New assembles an engine over its collaborators.
func New(st store.Store, bus events.Publisher, dispatcher Dispatcher, eval *expressions.Evaluator, cfg Config, logger *slog.Logger) *Engine {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.NoopTracer()
	}
	return &Engine{
		store:      st,
		bus:        bus,
		dispatcher: dispatcher,
		eval:       eval,
		pool:       NewPool(cfg.PoolSize),
		config:     cfg,
		logger:     logger,
		tracer:     tracer,
		locks:      newKeyedMutex(),
		active:     make(map[string]context.CancelFunc),
	}
}

// Shutdown stops accepting step work and waits for in-flight steps to
// finish.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// PoolMetrics exposes the dispatch pool counters.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// pass is the working state of one advance: the execution, its graph, and
// every step run keyed by step ID. Only the coordinating goroutine mutates
// it; pool goroutines receive their own run pointer and a scope snapshot,
// nothing else.
type pass struct {
	exec  *store.Execution
	graph *Graph
	runs  map[string]*store.StepRun

	// dispatched guards against handing the same step to the pool twice
	// within one pass.
	dispatched map[string]bool

	waitingDecisions int
	waitingTimers    int

	// mutated records that step state moved, so the pass bumps the
	// execution revision even when no execution-level transition fires.
	mutated bool
}

// Advance drives one execution as far as persisted state allows: due timers
// and resolved decisions land on their steps, readiness is recomputed,
// ready steps run, and the cycle repeats until nothing moves or the
// execution reaches a terminal status. Advancing a terminal execution is a
// no-op. Concurrent calls for the same execution serialize; later callers
// observe the earlier pass's writes and find nothing left to do.
func (e *Engine) Advance(ctx context.Context, executionID string) error {
	unlock := e.locks.lock(executionID)
	defer unlock()

	ctx, span := telemetry.StartSpan(ctx, e.tracer, "engine.advance",
		attribute.String(telemetry.ExecutionIDKey, executionID))
	defer span.End()

	if err := e.advance(ctx, executionID); err != nil {
		telemetry.SetError(span, err)
		return err
	}
	return nil
}

// advance runs one pass under the execution lock held by Advance.
func (e *Engine) advance(ctx context.Context, executionID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.track(executionID, cancel)
	defer e.untrack(executionID)

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	p := &pass{exec: exec, dispatched: make(map[string]bool)}

	graph, err := BuildGraph(&exec.Definition)
	if err != nil {
		return e.failExecutionWith(ctx, p, schema.AsDrover(err, schema.ErrCodeValidation))
	}
	p.graph = graph

	if err := e.loadRuns(ctx, p); err != nil {
		return err
	}

	if exec.Status == schema.ExecutionStatusPending {
		if err := e.transitionExecution(ctx, p, schema.ExecutionStatusRunning, nil); err != nil {
			return err
		}
	}

	if err := e.settle(ctx, p); err != nil {
		return err
	}
	return e.finalize(ctx, p)
}

// Cancel terminates an execution on request. An in-flight advance pass is
// interrupted first, then the cascade runs under the execution lock: every
// non-terminal step cancels, dangling decisions expire, and the execution
// lands cancelled with the reason recorded.
func (e *Engine) Cancel(ctx context.Context, executionID, reason string) error {
	e.interrupt(executionID)

	unlock := e.locks.lock(executionID)
	defer unlock()

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is already %s", executionID, exec.Status)
	}

	p := &pass{exec: exec, dispatched: make(map[string]bool)}
	if graph, gerr := BuildGraph(&exec.Definition); gerr == nil {
		p.graph = graph
		if err := e.loadRuns(ctx, p); err != nil {
			return err
		}
		for _, stepID := range p.graph.Order {
			run := p.runs[stepID]
			if run.Status.Terminal() {
				continue
			}
			if err := e.cancelStep(ctx, run); err != nil {
				return err
			}
		}
	}

	if reason == "" {
		reason = "cancelled by request"
	}
	derr := schema.NewError(schema.ErrCodeCancelled, reason)
	if raw, merr := json.Marshal(derr); merr == nil {
		p.exec.Failure = raw
	}
	return e.transitionExecution(ctx, p, schema.ExecutionStatusCancelled, map[string]any{"reason": reason})
}

func (e *Engine) track(executionID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.active[executionID] = cancel
	e.mu.Unlock()
}

func (e *Engine) untrack(executionID string) {
	e.mu.Lock()
	delete(e.active, executionID)
	e.mu.Unlock()
}

// interrupt cancels the in-flight advance pass for an execution, if any.
func (e *Engine) interrupt(executionID string) {
	e.mu.Lock()
	cancel, ok := e.active[executionID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// loadRuns loads persisted step runs and seeds a pending run for every step
// in the graph that has none yet. Runs persisted for steps no longer in the
// definition are ignored.
func (e *Engine) loadRuns(ctx context.Context, p *pass) error {
	existing, err := e.store.ListStepRuns(ctx, p.exec.ID)
	if err != nil {
		return err
	}

	p.runs = make(map[string]*store.StepRun, len(p.graph.Order))
	for _, run := range existing {
		if _, ok := p.graph.Steps[run.StepID]; ok {
			p.runs[run.StepID] = run
		}
	}
	for _, stepID := range p.graph.Order {
		if _, ok := p.runs[stepID]; ok {
			continue
		}
		run := &store.StepRun{
			ExecutionID: p.exec.ID,
			StepID:      stepID,
			Status:      schema.StepStatusPending,
		}
		if err := e.persistRun(ctx, run); err != nil {
			return err
		}
		p.runs[stepID] = run
	}
	return nil
}

// settle is the advance loop: apply resumptions, recompute readiness, run
// the dispatchable batch, repeat. It returns once a sweep neither changed
// state nor found work, or once a failure must stop the graph.
func (e *Engine) settle(ctx context.Context, p *pass) error {
	for {
		if ctx.Err() != nil {
			return schema.NewError(schema.ErrCodeCancelled, "advance interrupted").WithCause(ctx.Err())
		}

		changed, err := e.applyResumptions(ctx, p)
		if err != nil {
			return err
		}
		readied, err := e.recomputeReady(ctx, p)
		if err != nil {
			return err
		}
		changed = changed || readied

		if e.uncontainedFailure(p) != nil {
			return nil
		}

		batch := p.dispatchable()
		if len(batch) == 0 {
			if changed {
				continue
			}
			return nil
		}
		if err := e.runBatch(ctx, p, batch); err != nil {
			return err
		}
	}
}

// dispatchable returns the steps the next batch should run: every ready
// step, plus running steps with no resume condition that this pass has not
// dispatched. The latter are dispatches a previous process started and
// never finished.
func (p *pass) dispatchable() []string {
	var batch []string
	for _, stepID := range p.graph.Order {
		run := p.runs[stepID]
		switch run.Status {
		case schema.StepStatusReady:
			batch = append(batch, stepID)
		case schema.StepStatusRunning:
			if !p.dispatched[stepID] && run.ResumeAt == nil && run.DecisionID == "" {
				batch = append(batch, stepID)
			}
		}
	}
	return batch
}

// applyResumptions folds externally-settled waits into their steps: due
// timers complete, resolved decisions land their outcome, expired decision
// timeouts apply the step's timeout action. Waits still outstanding are
// counted so finalize can tell a paused execution from a finished one.
func (e *Engine) applyResumptions(ctx context.Context, p *pass) (bool, error) {
	p.waitingDecisions = 0
	p.waitingTimers = 0
	now := time.Now().UTC()
	changed := false

	for _, stepID := range p.graph.Order {
		run := p.runs[stepID]
		if run.Status != schema.StepStatusRunning {
			continue
		}

		if run.ResumeAt != nil {
			if run.ResumeAt.After(now) {
				p.waitingTimers++
				continue
			}
			if err := e.ensureRunning(ctx, p); err != nil {
				return changed, err
			}
			if err := e.completeStep(ctx, run, nil); err != nil {
				return changed, err
			}
			changed = true
			continue
		}

		if run.DecisionID == "" {
			continue
		}
		applied, err := e.applyDecision(ctx, p, run, now)
		if err != nil {
			return changed, err
		}
		changed = changed || applied
	}
	return changed, nil
}

// applyDecision folds a decision's current state into its waiting step,
// reporting whether the step moved.
func (e *Engine) applyDecision(ctx context.Context, p *pass, run *store.StepRun, now time.Time) (bool, error) {
	dec, err := e.store.GetDecision(ctx, run.DecisionID)
	if err != nil {
		return false, err
	}

	switch dec.Status {
	case schema.DecisionPending:
		if dec.TimeoutAt == nil || dec.TimeoutAt.After(now) {
			p.waitingDecisions++
			return false, nil
		}
		res := &store.Resolution{Status: string(schema.DecisionExpired), DecidedBy: "timeout", DecidedAt: &now}
		if err := e.store.ResolveDecision(ctx, run.DecisionID, res); err != nil {
			if schema.IsCode(err, schema.ErrCodeConflict) {
				// Lost the expiry race to a human resolution; the next
				// sweep folds in whatever won.
				return true, nil
			}
			return false, err
		}
		if err := e.ensureRunning(ctx, p); err != nil {
			return false, err
		}
		e.record(ctx, p.exec.ID, run.StepID, schema.EventApprovalResolved, map[string]any{
			"decision_id":    dec.ID,
			"status":         string(schema.DecisionExpired),
			"timeout_action": string(timeoutActionOf(dec)),
		})
		return true, e.applyTimeoutAction(ctx, run, dec)

	case schema.DecisionApproved:
		if err := e.ensureRunning(ctx, p); err != nil {
			return false, err
		}
		e.record(ctx, p.exec.ID, run.StepID, schema.EventApprovalResolved, map[string]any{
			"decision_id": dec.ID,
			"status":      string(dec.Status),
			"decided_by":  dec.DecidedBy,
		})
		output := map[string]any{"approved": true, "decided_by": dec.DecidedBy}
		if dec.Comment != "" {
			output["comment"] = dec.Comment
		}
		return true, e.completeStep(ctx, run, output)

	case schema.DecisionRejected:
		if err := e.ensureRunning(ctx, p); err != nil {
			return false, err
		}
		e.record(ctx, p.exec.ID, run.StepID, schema.EventApprovalResolved, map[string]any{
			"decision_id": dec.ID,
			"status":      string(dec.Status),
			"decided_by":  dec.DecidedBy,
		})
		derr := schema.NewError(schema.ErrCodeBusiness, "approval rejected").WithStep(run.StepID)
		if dec.DecidedBy != "" {
			derr = schema.NewErrorf(schema.ErrCodeBusiness, "approval rejected by %s", dec.DecidedBy).WithStep(run.StepID)
		}
		if dec.Comment != "" {
			derr.Details = map[string]any{"comment": dec.Comment}
		}
		return true, e.failStep(ctx, run, derr)

	case schema.DecisionExpired:
		// Expired by an earlier pass that stopped before moving the step;
		// re-apply the timeout action without re-recording the resolution.
		if err := e.ensureRunning(ctx, p); err != nil {
			return false, err
		}
		return true, e.applyTimeoutAction(ctx, run, dec)
	}
	return false, nil
}

// recomputeReady promotes pending steps whose dependencies have settled.
// The rules, in order: a failed dependency under the default policy fails
// the step and under skip skips it, while proceed counts it satisfied;
// until every dependency is terminal the step stays pending; all terminal
// with none satisfying means the step sits on untaken branches only, so the
// skip cascades; otherwise the step's own condition gates it.
func (e *Engine) recomputeReady(ctx context.Context, p *pass) (bool, error) {
	changed := false
	var scope *expressions.Scope

	for _, stepID := range p.graph.Order {
		run := p.runs[stepID]
		if run.Status != schema.StepStatusPending {
			continue
		}
		def := p.graph.Steps[stepID]
		deps := p.graph.Deps[stepID]

		allTerminal := true
		satisfied := 0
		failedDep := ""
		for _, depID := range deps {
			dep := p.runs[depID]
			switch dep.Status {
			case schema.StepStatusCompleted:
				satisfied++
			case schema.StepStatusSkipped:
				if dep.SkipReason.Satisfies() {
					satisfied++
				}
			case schema.StepStatusFailed:
				if def.OnDependencyFailure == schema.DependencyProceed {
					satisfied++
				} else if failedDep == "" {
					failedDep = depID
				}
			case schema.StepStatusCancelled:
				// Terminal, never satisfying.
			default:
				allTerminal = false
			}
		}

		if failedDep != "" {
			var err error
			if def.OnDependencyFailure == schema.DependencySkip {
				err = e.skipStep(ctx, run, schema.SkipDependencyPolicy)
			} else {
				err = e.failStep(ctx, run,
					schema.NewErrorf(schema.ErrCodeDependency, "dependency %q failed", failedDep).WithStep(stepID))
			}
			if err != nil {
				return changed, err
			}
			changed = true
			continue
		}

		if !allTerminal {
			continue
		}
		if len(deps) > 0 && satisfied == 0 {
			if err := e.skipStep(ctx, run, schema.SkipBranchNotTaken); err != nil {
				return changed, err
			}
			changed = true
			continue
		}

		if def.Condition != "" {
			if scope == nil {
				s, err := e.buildScope(p)
				if err != nil {
					return changed, err
				}
				scope = s
			}
			ok, err := e.eval.Condition(ctx, def.Condition, scope)
			if err != nil {
				if ferr := e.failStep(ctx, run,
					schema.AsDrover(err, schema.ErrCodeExpression).WithStep(stepID)); ferr != nil {
					return changed, ferr
				}
				changed = true
				continue
			}
			if !ok {
				if err := e.skipStep(ctx, run, schema.SkipConditionFalse); err != nil {
					return changed, err
				}
				changed = true
				continue
			}
		}

		if err := e.readyStep(ctx, run); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

// runBatch executes one batch of dispatchable steps on the pool and waits
// for all of them. Store failures inside a handler abort the pass; step
// outcomes do not.
func (e *Engine) runBatch(ctx context.Context, p *pass, batch []string) error {
	scope, err := e.buildScope(p)
	if err != nil {
		return err
	}
	if err := e.ensureRunning(ctx, p); err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(batch))

	for _, stepID := range batch {
		run := p.runs[stepID]
		def := p.graph.Steps[stepID]
		p.dispatched[stepID] = true

		wg.Add(1)
		if err := e.pool.Submit(ctx, func(ctx context.Context) error {
			defer wg.Done()
			err := e.dispatchStep(ctx, p, run, def, scope)
			if err != nil {
				errs <- err
			}
			return err
		}); err != nil {
			wg.Done()
			errs <- err
		}
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}

	if err := e.applyGatewaySelections(ctx, p, batch); err != nil {
		return err
	}
	p.mutated = true
	return nil
}

// applyGatewaySelections skips the arms a completed gateway did not pick.
// Runs on the coordinating goroutine after the batch settles, so arm runs
// are only ever touched by one goroutine.
func (e *Engine) applyGatewaySelections(ctx context.Context, p *pass, batch []string) error {
	for _, stepID := range batch {
		def := p.graph.Steps[stepID]
		run := p.runs[stepID]
		if def.Type != schema.StepTypeGateway || run.Status != schema.StepStatusCompleted {
			continue
		}

		var out struct {
			Selected string `json:"selected"`
		}
		if err := json.Unmarshal(run.Output, &out); err != nil || out.Selected == "" {
			continue
		}

		for _, arm := range def.Conditions {
			if arm.Next == out.Selected {
				continue
			}
			target, ok := p.runs[arm.Next]
			if !ok || target.Status != schema.StepStatusPending {
				continue
			}
			if err := e.skipStep(ctx, target, schema.SkipBranchNotTaken); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildScope assembles the evaluation scope from the execution input and
// every settled step.
func (e *Engine) buildScope(p *pass) (*expressions.Scope, error) {
	sb := expressions.NewScopeBuilder(p.exec.Input, map[string]any{
		"id":      p.exec.ID,
		"process": p.exec.ProcessName,
		"version": p.exec.ProcessVersion,
	})
	for _, stepID := range p.graph.Order {
		run := p.runs[stepID]
		if run.Status == schema.StepStatusPending {
			continue
		}
		var output json.RawMessage
		if run.Status == schema.StepStatusCompleted {
			output = run.Output
		}
		if err := sb.AddStepResult(stepID, run.Status, output); err != nil {
			return nil, err
		}
	}
	return sb.Build(), nil
}

// finalize settles the execution-level status once the step graph stops
// moving: an uncontained failure fails the execution, a fully terminal
// graph completes it, outstanding decision waits pause it, and anything
// else stays running for the pump.
func (e *Engine) finalize(ctx context.Context, p *pass) error {
	if culprit := e.uncontainedFailure(p); culprit != nil {
		return e.failFromStep(ctx, p, culprit)
	}

	for _, stepID := range p.graph.Order {
		if p.runs[stepID].Status.Terminal() {
			continue
		}
		if p.waitingDecisions > 0 && p.exec.Status == schema.ExecutionStatusRunning {
			return e.transitionExecution(ctx, p, schema.ExecutionStatusPaused, nil)
		}
		if p.mutated {
			return e.persistExecution(ctx, p)
		}
		return nil
	}

	return e.completeExecution(ctx, p)
}

// uncontainedFailure returns the first failed step whose failure the graph
// does not absorb. A failure is contained when the step has dependents and
// every direct dependent declares proceed or skip for failed dependencies.
func (e *Engine) uncontainedFailure(p *pass) *store.StepRun {
	for _, stepID := range p.graph.Order {
		run := p.runs[stepID]
		if run.Status != schema.StepStatusFailed {
			continue
		}
		dependents := p.graph.Dependents[stepID]
		if len(dependents) == 0 {
			return run
		}
		for _, depID := range dependents {
			policy := p.graph.Steps[depID].OnDependencyFailure
			if policy != schema.DependencyProceed && policy != schema.DependencySkip {
				return run
			}
		}
	}
	return nil
}

// failFromStep fails the execution because of a failed step: transitive
// pending dependents fail with a dependency error, every other non-terminal
// step cancels, and the culprit's persisted error becomes the execution
// failure.
func (e *Engine) failFromStep(ctx context.Context, p *pass, culprit *store.StepRun) error {
	downstream := make(map[string]bool)
	for _, stepID := range p.graph.TransitiveDependents(culprit.StepID) {
		downstream[stepID] = true
	}

	for _, stepID := range p.graph.Order {
		run := p.runs[stepID]
		if run.Status.Terminal() {
			continue
		}
		if downstream[stepID] && run.Status == schema.StepStatusPending {
			err := e.failStep(ctx, run,
				schema.NewErrorf(schema.ErrCodeDependency, "upstream step %q failed", culprit.StepID).WithStep(stepID))
			if err != nil {
				return err
			}
			continue
		}
		if err := e.cancelStep(ctx, run); err != nil {
			return err
		}
	}

	return e.failExecutionWith(ctx, p, executionFailure(culprit))
}

// executionFailure lifts a failed step's persisted error to the execution
// level.
func executionFailure(culprit *store.StepRun) *schema.DroverError {
	derr := &schema.DroverError{}
	if err := json.Unmarshal(culprit.Error, derr); err != nil || derr.Code == "" {
		derr = schema.NewErrorf(schema.ErrCodeExecution, "step %q failed", culprit.StepID)
	}
	if derr.StepID == "" {
		derr.StepID = culprit.StepID
	}
	if culprit.Attempts > 0 {
		if derr.Details == nil {
			derr.Details = make(map[string]any)
		}
		if _, ok := derr.Details["attempts"]; !ok {
			derr.Details["attempts"] = culprit.Attempts
		}
	}
	return derr
}

// failExecutionWith marks the execution failed with the given error. Steps
// are left as they stand; callers cascade first when step cleanup applies.
func (e *Engine) failExecutionWith(ctx context.Context, p *pass, derr *schema.DroverError) error {
	if raw, err := json.Marshal(derr); err == nil {
		p.exec.Failure = raw
	}
	return e.transitionExecution(ctx, p, schema.ExecutionStatusFailed, map[string]any{"error": derr})
}

// completeExecution resolves the definition's output mappings and lands the
// terminal state. A mapping that fails to evaluate fails the execution.
func (e *Engine) completeExecution(ctx context.Context, p *pass) error {
	outputs, err := e.resolveOutputs(ctx, p)
	if err != nil {
		return e.failExecutionWith(ctx, p, schema.AsDrover(err, schema.ErrCodeExpression))
	}

	var payload map[string]any
	if outputs != nil {
		raw, err := json.Marshal(outputs)
		if err != nil {
			return e.failExecutionWith(ctx, p, schema.AsDrover(err, schema.ErrCodeExpression))
		}
		p.exec.Outputs = raw
		payload = map[string]any{"outputs": outputs}
	}
	return e.transitionExecution(ctx, p, schema.ExecutionStatusCompleted, payload)
}

func (e *Engine) resolveOutputs(ctx context.Context, p *pass) (map[string]any, error) {
	mappings := p.exec.Definition.Outputs
	if len(mappings) == 0 {
		return nil, nil
	}
	scope, err := e.buildScope(p)
	if err != nil {
		return nil, err
	}

	outputs := make(map[string]any, len(mappings))
	for _, m := range mappings {
		value, err := e.eval.Output(ctx, m.Value, scope)
		if err != nil {
			return nil, schema.AsDrover(err, schema.ErrCodeExpression).
				WithDetails(map[string]any{"output": m.Name})
		}
		outputs[m.Name] = value
	}
	return outputs, nil
}

// ensureRunning lifts a paused execution back to running before new step
// activity lands on it.
func (e *Engine) ensureRunning(ctx context.Context, p *pass) error {
	if p.exec.Status != schema.ExecutionStatusPaused {
		return nil
	}
	return e.transitionExecution(ctx, p, schema.ExecutionStatusRunning, nil)
}

// transitionExecution validates and persists an execution status change,
// then records the matching event.
func (e *Engine) transitionExecution(ctx context.Context, p *pass, to schema.ExecutionStatus, payload map[string]any) error {
	from := p.exec.Status
	if err := ValidateExecutionTransition(p.exec.ID, from, to); err != nil {
		return err
	}

	now := time.Now().UTC()
	p.exec.Status = to
	if to == schema.ExecutionStatusRunning && p.exec.StartedAt == nil {
		p.exec.StartedAt = &now
	}
	if to.Terminal() {
		p.exec.CompletedAt = &now
	}
	if err := e.persistExecution(ctx, p); err != nil {
		return err
	}

	e.record(ctx, p.exec.ID, "", executionEventType(from, to), payload)
	return nil
}

// persistExecution writes the execution back under its revision check. The
// store bumps exec.Revision on success.
func (e *Engine) persistExecution(ctx context.Context, p *pass) error {
	return e.store.UpdateExecution(ctx, p.exec, p.exec.Revision)
}

func (e *Engine) persistRun(ctx context.Context, run *store.StepRun) error {
	if err := e.store.UpsertStepRun(ctx, run); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist step %s of %s: %s",
			run.StepID, run.ExecutionID, err.Error()).WithCause(err)
	}
	return nil
}

// record appends one event to the history log and publishes it on the bus.
// Both sinks are best effort: the execution and step records stay
// authoritative, so a failed append degrades observability, not state. A
// cancelled pass still records what already happened.
func (e *Engine) record(ctx context.Context, executionID, stepID, eventType string, payload map[string]any) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}

	var raw json.RawMessage
	if len(payload) > 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			e.logger.Warn("marshal event payload",
				slog.String("execution_id", executionID),
				slog.String("event", eventType),
				slog.String("error", err.Error()))
		} else {
			raw = b
		}
	}

	if err := e.store.AppendEvent(ctx, &store.ExecutionEvent{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     raw,
	}); err != nil {
		e.logger.Warn("append event",
			slog.String("execution_id", executionID),
			slog.String("event", eventType),
			slog.String("error", err.Error()))
	}

	ev := events.New(eventType, executionID)
	ev.StepID = stepID
	ev.Payload = payload
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Warn("publish event",
			slog.String("execution_id", executionID),
			slog.String("event", eventType),
			slog.String("error", err.Error()))
	}
}

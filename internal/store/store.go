package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Definitions (immutable once published)
	PutDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, name, version string) (*Definition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*Definition, error)

	// Executions. CreateExecution runs the admission check atomically with
	// the insert: at or above ceiling active executions it fails with
	// CAPACITY_ERROR and writes nothing (ceiling <= 0 disables the check).
	// UpdateExecution is a compare-and-swap on Revision and fails with
	// CONFLICT when the stored revision no longer matches.
	CreateExecution(ctx context.Context, exec *Execution, ceiling int) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, exec *Execution, expectedRevision int64) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	CountActiveExecutions(ctx context.Context) (int, error)

	// Step runs (materialized per-step state, keyed by execution + step)
	UpsertStepRun(ctx context.Context, run *StepRun) error
	GetStepRun(ctx context.Context, executionID, stepID string) (*StepRun, error)
	ListStepRuns(ctx context.Context, executionID string) ([]*StepRun, error)

	// ListDueExecutionIDs returns distinct IDs of executions holding a
	// suspended step whose resume time, or a pending decision whose
	// timeout, is at or before now.
	ListDueExecutionIDs(ctx context.Context, now time.Time, limit int) ([]string, error)

	// Decisions. ResolveDecision transitions pending decisions only;
	// resolving an already-resolved decision fails with CONFLICT.
	CreateDecision(ctx context.Context, dec *Decision) error
	GetDecision(ctx context.Context, id string) (*Decision, error)
	ResolveDecision(ctx context.Context, id string, resolution *Resolution) error
	ListDecisions(ctx context.Context, filter DecisionFilter) ([]*Decision, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Workers. RegisterWorker upserts by name.
	RegisterWorker(ctx context.Context, worker *Worker) error
	GetWorkerByName(ctx context.Context, name string) (*Worker, error)
	ListWorkers(ctx context.Context) ([]*Worker, error)

	// History (append-only, sequenced per execution)
	AppendEvent(ctx context.Context, event *ExecutionEvent) error
	ListEvents(ctx context.Context, executionID string, sinceSequence int64) ([]*ExecutionEvent, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Resolution carries the outcome applied to a pending decision.
type Resolution struct {
	Status    string     `json:"status"`
	DecidedBy string     `json:"decided_by,omitempty"`
	Comment   string     `json:"comment,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

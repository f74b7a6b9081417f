package store

import (
	"encoding/json"
	"time"

	"github.com/droverhq/drover/pkg/schema"
)

// Definition is a published process definition. Publishing the same
// name+version twice is a conflict; definitions are immutable.
type Definition struct {
	Name        string                   `json:"name"`
	Version     string                   `json:"version"`
	Description string                   `json:"description,omitempty"`
	Document    schema.ProcessDefinition `json:"document"`
	CreatedAt   time.Time                `json:"created_at"`
}

// Execution is the persisted representation of one run of a process.
// Revision increments on every update and is the compare-and-swap token
// enforcing the single-writer invariant.
type Execution struct {
	ID             string                   `json:"id"`
	ProcessName    string                   `json:"process_name"`
	ProcessVersion string                   `json:"process_version"`
	Definition     schema.ProcessDefinition `json:"definition"`
	Status         schema.ExecutionStatus   `json:"status"`
	Input          map[string]any           `json:"input,omitempty"`
	Outputs        json.RawMessage          `json:"outputs,omitempty"`
	Failure        json.RawMessage          `json:"failure,omitempty"`
	ScheduleID     string                   `json:"schedule_id,omitempty"`
	Revision       int64                    `json:"revision"`
	CreatedAt      time.Time                `json:"created_at"`
	StartedAt      *time.Time               `json:"started_at,omitempty"`
	CompletedAt    *time.Time               `json:"completed_at,omitempty"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// StepRun is the state of one step within one execution. A suspended step
// stays running with its resume condition persisted: ResumeAt for timers,
// DecisionID for approvals.
type StepRun struct {
	ExecutionID string            `json:"execution_id"`
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	SkipReason  schema.SkipReason `json:"skip_reason,omitempty"`
	Attempts    int               `json:"attempts"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	ResumeAt    *time.Time        `json:"resume_at,omitempty"`
	DecisionID  string            `json:"decision_id,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Decision is a pending or resolved human approval.
type Decision struct {
	ID            string                `json:"id"`
	ExecutionID   string                `json:"execution_id"`
	StepID        string                `json:"step_id"`
	Title         string                `json:"title,omitempty"`
	Description   string                `json:"description,omitempty"`
	Status        schema.DecisionStatus `json:"status"`
	TimeoutAt     *time.Time            `json:"timeout_at,omitempty"`
	TimeoutAction schema.TimeoutAction  `json:"timeout_action,omitempty"`
	DecidedBy     string                `json:"decided_by,omitempty"`
	Comment       string                `json:"comment,omitempty"`
	DecidedAt     *time.Time            `json:"decided_at,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
}

// Schedule is a cron-cadenced origin of executions. The scheduler owns the
// fire-time bookkeeping; it never mutates execution data.
type Schedule struct {
	ID              string         `json:"id"`
	ProcessName     string         `json:"process_name"`
	ProcessVersion  string         `json:"process_version,omitempty"`
	CronExpression  string         `json:"cron_expression"`
	Timezone        string         `json:"timezone,omitempty"`
	Input           map[string]any `json:"input,omitempty"`
	Enabled         bool           `json:"enabled"`
	NextFireAt      *time.Time     `json:"next_fire_at,omitempty"`
	LastFireAt      *time.Time     `json:"last_fire_at,omitempty"`
	LastExecutionID string         `json:"last_execution_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Worker is a registered external agent target reachable over HTTP.
type Worker struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Endpoint    string     `json:"endpoint"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
}

// ExecutionEvent is an immutable entry in the per-execution history log,
// sequenced monotonically within its execution.
type ExecutionEvent struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// --- Filter and update types ---

// DefinitionFilter specifies criteria for listing definitions.
type DefinitionFilter struct {
	Name  string `json:"name,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Statuses    []schema.ExecutionStatus `json:"statuses,omitempty"`
	ProcessName string                   `json:"process_name,omitempty"`
	ScheduleID  string                   `json:"schedule_id,omitempty"`
	Since       *time.Time               `json:"since,omitempty"`
	Limit       int                      `json:"limit,omitempty"`
	Offset      int                      `json:"offset,omitempty"`
}

// DecisionFilter specifies criteria for listing decisions.
type DecisionFilter struct {
	ExecutionID    string                `json:"execution_id,omitempty"`
	Status         schema.DecisionStatus `json:"status,omitempty"`
	ExpiringBefore *time.Time            `json:"expiring_before,omitempty"`
	Limit          int                   `json:"limit,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled   *bool      `json:"enabled,omitempty"`
	DueBefore *time.Time `json:"due_before,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	CronExpression  *string         `json:"cron_expression,omitempty"`
	Timezone        *string         `json:"timezone,omitempty"`
	Input           *map[string]any `json:"input,omitempty"`
	Enabled         *bool           `json:"enabled,omitempty"`
	NextFireAt      *time.Time      `json:"next_fire_at,omitempty"`
	LastFireAt      *time.Time      `json:"last_fire_at,omitempty"`
	LastExecutionID *string         `json:"last_execution_id,omitempty"`
}

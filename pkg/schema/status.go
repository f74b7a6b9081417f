package schema

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal executions are
// immutable.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusReady     StepStatus = "ready"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)

// Terminal reports whether the status is final for a step run.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	}
	return false
}

// SkipReason records why a step run was skipped. The reason decides whether
// the skip satisfies downstream dependencies: a branch the gateway did not
// take must not wake its dependents, while a condition or timeout skip lets
// the graph continue past the step.
type SkipReason string

const (
	// SkipConditionFalse: the step's condition evaluated false.
	SkipConditionFalse SkipReason = "condition_false"
	// SkipBranchNotTaken: a gateway selected a different branch.
	SkipBranchNotTaken SkipReason = "branch_not_taken"
	// SkipTimeout: an approval expired with timeout_action skip.
	SkipTimeout SkipReason = "timeout_skip"
	// SkipDependencyPolicy: the step declared on_dependency_failure skip.
	SkipDependencyPolicy SkipReason = "dependency_policy"
)

// Satisfies reports whether a skip with this reason counts as a satisfied
// dependency for downstream steps.
func (r SkipReason) Satisfies() bool {
	return r != SkipBranchNotTaken
}

// DecisionStatus represents the lifecycle of a human approval decision.
type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "pending"
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
	DecisionExpired  DecisionStatus = "expired"
)

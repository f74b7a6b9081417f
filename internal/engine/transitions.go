package engine

import (
	"github.com/droverhq/drover/pkg/schema"
)

// Transition tables for the two lifecycles. The engine validates every status
// write against these before persisting, so an impossible transition surfaces
// as INVALID_TRANSITION instead of silently corrupting state.

// ValidExecutionTransitions defines the allowed execution status changes.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending:   {schema.ExecutionStatusRunning, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusPaused, schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusPaused:    {schema.ExecutionStatusRunning, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
}

// ValidStepTransitions defines the allowed step run status changes. There is
// no retrying status: a retried step stays running while its attempt counter
// advances.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusReady, schema.StepStatusSkipped, schema.StepStatusFailed, schema.StepStatusCancelled},
	schema.StepStatusReady:     {schema.StepStatusRunning, schema.StepStatusSkipped, schema.StepStatusCancelled},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusSkipped, schema.StepStatusCancelled},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
	schema.StepStatusCancelled: {},
}

// ValidateExecutionTransition checks an execution status change against the
// table.
func ValidateExecutionTransition(executionID string, from, to schema.ExecutionStatus) error {
	for _, allowed := range ValidExecutionTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
}

// ValidateStepTransition checks a step status change against the table.
func ValidateStepTransition(executionID, stepID string, from, to schema.StepStatus) error {
	for _, allowed := range ValidStepTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid step transition: %s -> %s", from, to).
		WithStep(stepID).
		WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
}

// executionEventType maps an execution transition to its history event type.
func executionEventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		if from == schema.ExecutionStatusPaused {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionStatusPaused:
		return schema.EventExecutionPaused
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}

// stepEventType maps a step status to its history event type.
func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusReady:
		return schema.EventStepReady
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	case schema.StepStatusCancelled:
		return schema.EventStepCancelled
	default:
		return ""
	}
}

package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting. The first block is the
// classification the engine acts on; the second supports store and control
// surface plumbing.
const (
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeDependency = "DEPENDENCY_ERROR"
	ErrCodeTransport  = "TRANSPORT_ERROR"
	ErrCodeTimeout    = "TIMEOUT_ERROR"
	ErrCodeBusiness   = "BUSINESS_ERROR"
	ErrCodeCapacity   = "CAPACITY_ERROR"

	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeDecisionPending   = "DECISION_PENDING"
	ErrCodeExecution         = "EXECUTION_ERROR"
)

// DroverError is the structured error type for all drover operations.
type DroverError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *DroverError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DroverError) Unwrap() error {
	return e.Cause
}

// NewError creates a new DroverError.
func NewError(code, message string) *DroverError {
	return &DroverError{Code: code, Message: message}
}

// NewErrorf creates a new DroverError with a formatted message.
func NewErrorf(code, format string, args ...any) *DroverError {
	return &DroverError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *DroverError) WithStep(stepID string) *DroverError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *DroverError) WithCause(err error) *DroverError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *DroverError) WithDetails(details map[string]any) *DroverError {
	e.Details = details
	return e
}

// CodeOf returns the code of the nearest DroverError in err's chain, or ""
// when there is none.
func CodeOf(err error) string {
	var de *DroverError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// AsDrover extracts the nearest DroverError from err's chain, wrapping
// foreign errors under the given fallback code so callers always get the
// structured form.
func AsDrover(err error, fallbackCode string) *DroverError {
	if err == nil {
		return nil
	}
	var de *DroverError
	if errors.As(err, &de) {
		return de
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}

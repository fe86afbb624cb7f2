package plan

import (
	"errors"
	"fmt"
)

// PlanErrorCode identifies a specific plan orchestration error.
type PlanErrorCode string

const (
	// ErrPlanNotFound indicates an unknown plan identifier.
	ErrPlanNotFound PlanErrorCode = "plan_not_found"

	// ErrDuplicatePlan indicates a plan identifier is already registered.
	ErrDuplicatePlan PlanErrorCode = "duplicate_plan"

	// ErrInvalidStateTransition indicates an operation on a terminal plan
	// or an otherwise disallowed state change.
	ErrInvalidStateTransition PlanErrorCode = "invalid_state_transition"

	// ErrCheckpointNotFound indicates a restore with an unknown checkpoint id.
	ErrCheckpointNotFound PlanErrorCode = "checkpoint_not_found"

	// ErrStepExecution indicates a step executor failure, wrapped with the
	// failing step identifier.
	ErrStepExecution PlanErrorCode = "step_execution_failed"

	// ErrValidation indicates a malformed plan definition or intervention.
	ErrValidation PlanErrorCode = "validation_failed"
)

// PlanError is the typed error returned by structural controller operations.
// It supports errors.Is/As through the Code field.
type PlanError struct {
	// Code identifies the error type.
	Code PlanErrorCode

	// Message is a human-readable description.
	Message string

	// Cause is the underlying error, if any.
	Cause error

	// Context carries additional key/value detail about the failure.
	Context map[string]any
}

// Error implements the error interface.
func (e *PlanError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chain traversal.
func (e *PlanError) Unwrap() error {
	return e.Cause
}

// Is treats two PlanErrors with the same code as equal.
func (e *PlanError) Is(target error) bool {
	var planErr *PlanError
	if errors.As(target, &planErr) {
		return e.Code == planErr.Code
	}
	return false
}

// WithContext attaches contextual detail to the error.
func (e *PlanError) WithContext(key string, value any) *PlanError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// NewPlanError creates a PlanError with the given code and message.
func NewPlanError(code PlanErrorCode, message string) *PlanError {
	return &PlanError{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WrapPlanError wraps cause with plan error context.
func WrapPlanError(code PlanErrorCode, message string, cause error) *PlanError {
	return &PlanError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// NewNotFoundError creates a plan not found error.
func NewNotFoundError(planID string) *PlanError {
	return NewPlanError(ErrPlanNotFound, fmt.Sprintf("plan not found: %s", planID)).
		WithContext("plan_id", planID)
}

// NewDuplicatePlanError creates a duplicate registration error.
func NewDuplicatePlanError(planID string) *PlanError {
	return NewPlanError(ErrDuplicatePlan, fmt.Sprintf("plan already registered: %s", planID)).
		WithContext("plan_id", planID)
}

// NewInvalidStateError creates an invalid state transition error.
func NewInvalidStateError(planID string, current, target PlanStatus) *PlanError {
	return NewPlanError(
		ErrInvalidStateTransition,
		fmt.Sprintf("plan %s: invalid state transition from %s to %s", planID, current, target),
	).WithContext("plan_id", planID).
		WithContext("current_state", current).
		WithContext("target_state", target)
}

// NewTerminalStateError creates an error for operations on a terminal plan.
func NewTerminalStateError(planID string, current PlanStatus) *PlanError {
	return NewPlanError(
		ErrInvalidStateTransition,
		fmt.Sprintf("plan %s is in terminal state %s and accepts no further operations", planID, current),
	).WithContext("plan_id", planID).
		WithContext("current_state", current)
}

// NewCheckpointNotFoundError creates a checkpoint lookup error.
func NewCheckpointNotFoundError(planID, checkpointID string) *PlanError {
	return NewPlanError(
		ErrCheckpointNotFound,
		fmt.Sprintf("checkpoint not found: %s", checkpointID),
	).WithContext("plan_id", planID).
		WithContext("checkpoint_id", checkpointID)
}

// NewStepExecutionError wraps a step executor failure with the failing step id.
func NewStepExecutionError(planID, stepID string, cause error) *PlanError {
	return WrapPlanError(
		ErrStepExecution,
		fmt.Sprintf("step %s failed", stepID),
		cause,
	).WithContext("plan_id", planID).
		WithContext("step_id", stepID)
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *PlanError {
	return NewPlanError(ErrValidation, message)
}

// IsNotFound checks whether err is a plan not found error.
func IsNotFound(err error) bool {
	var planErr *PlanError
	return errors.As(err, &planErr) && planErr.Code == ErrPlanNotFound
}

// IsDuplicate checks whether err is a duplicate plan error.
func IsDuplicate(err error) bool {
	var planErr *PlanError
	return errors.As(err, &planErr) && planErr.Code == ErrDuplicatePlan
}

// IsInvalidState checks whether err is an invalid state transition error.
func IsInvalidState(err error) bool {
	var planErr *PlanError
	return errors.As(err, &planErr) && planErr.Code == ErrInvalidStateTransition
}

// IsCheckpointNotFound checks whether err is a checkpoint lookup error.
func IsCheckpointNotFound(err error) bool {
	var planErr *PlanError
	return errors.As(err, &planErr) && planErr.Code == ErrCheckpointNotFound
}

// IsStepExecution checks whether err is a step execution error.
func IsStepExecution(err error) bool {
	var planErr *PlanError
	return errors.As(err, &planErr) && planErr.Code == ErrStepExecution
}

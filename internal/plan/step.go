package plan

import (
	"context"
	"time"
)

// Step is a single unit of work in a plan. The Params payload is opaque to
// the controller and interpreted only by the external step executor.
type Step struct {
	// ID is the step identifier, unique within the plan.
	ID string `json:"id" yaml:"id"`

	// Sequence is the step's current numeric position in the plan.
	// Recomputed after structural interventions.
	Sequence int `json:"sequence" yaml:"sequence"`

	// Name is a human-readable label for the step.
	Name string `json:"name" yaml:"name"`

	// Action names the operation the executor should perform.
	Action string `json:"action,omitempty" yaml:"action,omitempty"`

	// Params carries executor-specific parameters.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// StepResultStatus is reported by the step executor.
type StepResultStatus string

const (
	StepResultSuccess StepResultStatus = "success"
	StepResultFailed  StepResultStatus = "failed"
)

// StepResult is returned by the step executor for one step invocation.
// Any status other than success means the step is not completed.
type StepResult struct {
	// StepID is the identifier of the executed step.
	StepID string `json:"step_id"`

	// Status indicates whether the step succeeded.
	Status StepResultStatus `json:"status"`

	// Output carries the executor's result payload, opaque to the controller.
	Output map[string]any `json:"output,omitempty"`

	// Error describes the failure when Status is not success.
	Error string `json:"error,omitempty"`

	// Duration is how long the executor ran for this step.
	Duration time.Duration `json:"duration"`
}

// Succeeded reports whether the result status indicates success.
func (r *StepResult) Succeeded() bool {
	return r != nil && r.Status == StepResultSuccess
}

// StepExecutor performs the actual work of one step. It is supplied by the
// caller of Execute; the controller never retries a non-success result and
// imposes no per-step timeout. Implementations own their timeout policy.
type StepExecutor func(ctx context.Context, step Step) (*StepResult, error)

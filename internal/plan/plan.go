package plan

import (
	"time"
)

// PlanStatus represents the lifecycle state of a research plan.
type PlanStatus string

const (
	// PlanStatusIdle indicates the plan is registered but not yet started.
	PlanStatusIdle PlanStatus = "idle"

	// PlanStatusRunning indicates the execution loop is active.
	PlanStatusRunning PlanStatus = "running"

	// PlanStatusPaused indicates the loop is suspended between steps.
	PlanStatusPaused PlanStatus = "paused"

	// PlanStatusCompleted indicates all steps finished normally.
	PlanStatusCompleted PlanStatus = "completed"

	// PlanStatusCancelled indicates the plan was cancelled during execution.
	PlanStatusCancelled PlanStatus = "cancelled"

	// PlanStatusFailed indicates a step failed and no retry policy applied.
	PlanStatusFailed PlanStatus = "failed"
)

// String returns the string representation of the plan status.
func (s PlanStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the status is absorbing: once a plan reaches
// completed, cancelled or failed, no further transitions are accepted.
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanStatusCompleted, PlanStatusCancelled, PlanStatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo validates whether a transition to target is allowed.
func (s PlanStatus) CanTransitionTo(target PlanStatus) bool {
	if s.IsTerminal() {
		return false
	}

	switch s {
	case PlanStatusIdle:
		return target == PlanStatusRunning || target == PlanStatusCancelled
	case PlanStatusRunning:
		return target == PlanStatusPaused ||
			target == PlanStatusCompleted ||
			target == PlanStatusFailed ||
			target == PlanStatusCancelled
	case PlanStatusPaused:
		return target == PlanStatusRunning ||
			target == PlanStatusFailed ||
			target == PlanStatusCancelled
	default:
		return false
	}
}

// Plan holds the mutable orchestration state for one registered plan.
// All access goes through the registry entry lock; Plan itself carries no
// synchronization.
type Plan struct {
	// ID is the caller-supplied plan identifier, unique per controller.
	ID string `json:"id"`

	// Query is the free-text research question. Opaque to the controller.
	Query string `json:"query"`

	// Steps is the ordered step sequence. Mutable: interventions may splice
	// steps in and out while the plan is registered.
	Steps []Step `json:"steps"`

	// Status is the current orchestration state.
	Status PlanStatus `json:"status"`

	// CurrentIndex is the position of the next step to consider.
	CurrentIndex int `json:"current_index"`

	// Completed holds the identifiers of steps the engine finished.
	Completed map[string]struct{} `json:"-"`

	// Skipped holds the identifiers of steps marked skipped by intervention.
	Skipped map[string]struct{} `json:"-"`

	// CreatedAt is when the plan was registered.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when execution began, nil before the first run.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the plan reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error holds the failure message when Status is failed.
	Error string `json:"error,omitempty"`
}

// TotalSteps returns the live length of the step sequence. It is always
// recomputed from the slice so structural interventions cannot leave a stale
// counter behind.
func (p *Plan) TotalSteps() int {
	return len(p.Steps)
}

// StepIndex returns the position of the step with the given identifier,
// or -1 if no such step exists in the current sequence.
func (p *Plan) StepIndex(stepID string) int {
	for i := range p.Steps {
		if p.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// resequence renumbers the step sequence after a structural edit.
func (p *Plan) resequence() {
	for i := range p.Steps {
		p.Steps[i].Sequence = i
	}
}

// PlanState is the read-only projection returned by GetState.
type PlanState struct {
	PlanID         string     `json:"plan_id"`
	Status         PlanStatus `json:"status"`
	CurrentIndex   int        `json:"current_index"`
	TotalSteps     int        `json:"total_steps"`
	CompletedSteps int        `json:"completed_steps"`
	SkippedSteps   int        `json:"skipped_steps"`
}

// RunSummary is returned by Execute when the loop ends.
type RunSummary struct {
	PlanID         string        `json:"plan_id"`
	Status         PlanStatus    `json:"status"`
	CompletedSteps int           `json:"completed_steps"`
	TotalSteps     int           `json:"total_steps"`
	Duration       time.Duration `json:"duration"`
}

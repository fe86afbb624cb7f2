package plan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/atlas-research/atlas/internal/types"
)

// Controller is the public surface of the plan orchestration core. It owns
// the plan registry, the per-plan checkpoint and intervention histories, and
// the execution engine. One controller hosts many plans concurrently; plan
// state is keyed and isolated by plan identifier.
type Controller struct {
	registry *Registry
	emitter  EventEmitter
	logger   *slog.Logger
	tracer   trace.Tracer
}

// ControllerOption is a functional option for configuring the controller.
type ControllerOption func(*Controller)

// WithLogger configures the controller's logger.
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithTracer configures the tracer used for execution spans.
func WithTracer(t trace.Tracer) ControllerOption {
	return func(c *Controller) {
		c.tracer = t
	}
}

// WithEventEmitter configures the emitter that receives step boundary and
// lifecycle events. Without one, events are discarded.
func WithEventEmitter(e EventEmitter) ControllerOption {
	return func(c *Controller) {
		c.emitter = e
	}
}

// NewController creates a plan controller.
// Default values:
//   - logger: slog.Default()
//   - emitter: discard
func NewController(opts ...ControllerOption) *Controller {
	c := &Controller{
		registry: NewRegistry(),
		emitter:  nopEmitter{},
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// RegisterPlan registers a new plan from its definition. The identifier must
// be unique per controller instance; re-registration fails with a duplicate
// plan error. The plan starts idle with an empty progress history.
func (c *Controller) RegisterPlan(ctx context.Context, def *PlanDefinition) (*PlanState, error) {
	p, err := c.registry.Register(def)
	if err != nil {
		return nil, err
	}

	c.logger.Info("plan registered",
		"plan_id", p.ID,
		"steps", p.TotalSteps(),
	)
	c.emitter.Emit(ctx, NewPlanEvent(EventPlanRegistered, p.ID, nil))

	return projectState(p), nil
}

// GetState returns a read-only projection of the plan's current state.
func (c *Controller) GetState(planID string) (*PlanState, error) {
	e, err := c.registry.entry(planID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return projectState(e.plan), nil
}

// PausePlan requests suspension of the plan's execution loop. It returns
// true only when the plan was running. The step currently delegated to the
// executor is allowed to finish; the loop suspends at its next boundary.
// Safe to call speculatively: unknown, idle, paused and terminal plans
// return false without error.
func (c *Controller) PausePlan(planID string) bool {
	e, err := c.registry.entry(planID)
	if err != nil {
		return false
	}

	e.mu.Lock()
	if e.plan.Status != PlanStatusRunning {
		e.mu.Unlock()
		return false
	}

	e.pauseRequested = true
	e.plan.Status = PlanStatusPaused
	e.mu.Unlock()

	c.logger.Info("plan paused", "plan_id", planID)
	c.emitter.Emit(context.Background(), NewPlanEvent(EventPlanPaused, planID, nil))
	return true
}

// ResumePlan clears the pause flag and wakes the suspended loop. Returns
// true only when the plan was paused.
func (c *Controller) ResumePlan(planID string) bool {
	e, err := c.registry.entry(planID)
	if err != nil {
		return false
	}

	e.mu.Lock()
	if e.plan.Status != PlanStatusPaused {
		e.mu.Unlock()
		return false
	}

	e.pauseRequested = false
	e.plan.Status = PlanStatusRunning
	e.cond.Broadcast()
	e.mu.Unlock()

	c.logger.Info("plan resumed", "plan_id", planID)
	c.emitter.Emit(context.Background(), NewPlanEvent(EventPlanResumed, planID, nil))
	return true
}

// CancelPlan requests cooperative cancellation. A step already delegated to
// the executor runs to completion; no new step is started. Returns true when
// cancellation was accepted; terminal and unknown plans return false.
func (c *Controller) CancelPlan(planID string) bool {
	e, err := c.registry.entry(planID)
	if err != nil {
		return false
	}

	e.mu.Lock()
	status := e.plan.Status
	if status.IsTerminal() {
		e.mu.Unlock()
		return false
	}

	if status == PlanStatusIdle {
		// No loop to interrupt; transition directly.
		e.plan.Status = PlanStatusCancelled
		now := time.Now()
		e.plan.CompletedAt = &now
		e.mu.Unlock()

		c.logger.Info("plan cancelled before start", "plan_id", planID)
		c.emitter.Emit(context.Background(), NewPlanEvent(EventPlanCancelled, planID, nil))
		return true
	}

	e.cancelRequested = true
	e.cond.Broadcast()
	e.mu.Unlock()

	c.logger.Info("plan cancellation requested", "plan_id", planID)
	return true
}

// SkipStep marks a step so the engine advances past it without invoking the
// executor. Skipping a step the pointer already passed is permitted but has
// no retroactive effect. Returns the new intervention's identifier.
func (c *Controller) SkipStep(ctx context.Context, planID, stepID, user string) (types.ID, error) {
	e, err := c.registry.entry(planID)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.plan.Status.IsTerminal() {
		status := e.plan.Status
		e.mu.Unlock()
		return "", NewTerminalStateError(planID, status)
	}

	if e.plan.StepIndex(stepID) < 0 {
		e.mu.Unlock()
		return "", NewValidationError(fmt.Sprintf("step not found: %s", stepID)).
			WithContext("plan_id", planID).
			WithContext("step_id", stepID)
	}

	e.plan.Skipped[stepID] = struct{}{}
	iv := newIntervention(planID, InterventionSkipStep, user, map[string]any{
		"step_id": stepID,
	})
	e.interventions = append(e.interventions, iv)
	e.mu.Unlock()

	c.logger.Info("step skipped",
		"plan_id", planID,
		"step_id", stepID,
		"user", user,
	)
	c.emitInterventionEvent(ctx, planID, iv)
	return iv.ID, nil
}

// AddStep splices a new step into the sequence immediately after the step
// named by afterStepID, or at the end when afterStepID is empty. Insertion
// is addressed by step identifier, never by numeric position, so concurrent
// interventions compose predictably. The total step count is recomputed
// atomically with the splice.
func (c *Controller) AddStep(ctx context.Context, planID string, def StepDefinition, afterStepID, user string) (types.ID, error) {
	e, err := c.registry.entry(planID)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.plan.Status.IsTerminal() {
		status := e.plan.Status
		e.mu.Unlock()
		return "", NewTerminalStateError(planID, status)
	}

	if def.ID == "" {
		e.mu.Unlock()
		return "", NewValidationError("step id is required")
	}
	if e.plan.StepIndex(def.ID) >= 0 {
		e.mu.Unlock()
		return "", NewValidationError(fmt.Sprintf("duplicate step id: %s", def.ID)).
			WithContext("plan_id", planID)
	}

	insertAt := len(e.plan.Steps)
	if afterStepID != "" {
		anchor := e.plan.StepIndex(afterStepID)
		if anchor < 0 {
			e.mu.Unlock()
			return "", NewValidationError(fmt.Sprintf("insertion anchor not found: %s", afterStepID)).
				WithContext("plan_id", planID)
		}
		insertAt = anchor + 1
	}

	name := def.Name
	if name == "" {
		name = def.ID
	}
	step := Step{ID: def.ID, Name: name, Action: def.Action, Params: def.Params}

	e.plan.Steps = append(e.plan.Steps, Step{})
	copy(e.plan.Steps[insertAt+1:], e.plan.Steps[insertAt:])
	e.plan.Steps[insertAt] = step
	e.plan.resequence()

	// Keep the execution pointer on the same next step when the splice
	// happens strictly behind it. A step inserted exactly at the pointer
	// becomes the next step to run.
	if insertAt < e.plan.CurrentIndex {
		e.plan.CurrentIndex++
	}

	iv := newIntervention(planID, InterventionAddStep, user, map[string]any{
		"step_id":       def.ID,
		"after_step_id": afterStepID,
		"position":      insertAt,
	})
	e.interventions = append(e.interventions, iv)
	total := e.plan.TotalSteps()
	e.mu.Unlock()

	c.logger.Info("step added",
		"plan_id", planID,
		"step_id", def.ID,
		"position", insertAt,
		"total_steps", total,
		"user", user,
	)
	c.emitInterventionEvent(ctx, planID, iv)
	return iv.ID, nil
}

// RemoveStep removes a step from the sequence and renumbers the remainder.
// The execution pointer is adjusted so the engine's next step is unchanged.
func (c *Controller) RemoveStep(ctx context.Context, planID, stepID, user string) (types.ID, error) {
	e, err := c.registry.entry(planID)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.plan.Status.IsTerminal() {
		status := e.plan.Status
		e.mu.Unlock()
		return "", NewTerminalStateError(planID, status)
	}

	idx := e.plan.StepIndex(stepID)
	if idx < 0 {
		e.mu.Unlock()
		return "", NewValidationError(fmt.Sprintf("step not found: %s", stepID)).
			WithContext("plan_id", planID).
			WithContext("step_id", stepID)
	}

	e.plan.Steps = append(e.plan.Steps[:idx], e.plan.Steps[idx+1:]...)
	e.plan.resequence()

	if idx < e.plan.CurrentIndex {
		e.plan.CurrentIndex--
	}

	iv := newIntervention(planID, InterventionRemoveStep, user, map[string]any{
		"step_id":  stepID,
		"position": idx,
	})
	e.interventions = append(e.interventions, iv)
	total := e.plan.TotalSteps()
	e.mu.Unlock()

	c.logger.Info("step removed",
		"plan_id", planID,
		"step_id", stepID,
		"total_steps", total,
		"user", user,
	)
	c.emitInterventionEvent(ctx, planID, iv)
	return iv.ID, nil
}

// RetryStep clears the completed/skipped marks for a step so a subsequent
// run re-executes it, typically after RestoreFromCheckpoint. It never moves
// the execution pointer. Rejected while the loop is running: clearing a
// completed mark mid-run would make the completed count go backwards.
func (c *Controller) RetryStep(ctx context.Context, planID, stepID, user string) (types.ID, error) {
	e, err := c.registry.entry(planID)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.plan.Status.IsTerminal() {
		status := e.plan.Status
		e.mu.Unlock()
		return "", NewTerminalStateError(planID, status)
	}
	if e.plan.Status == PlanStatusRunning {
		e.mu.Unlock()
		return "", NewInvalidStateError(planID, PlanStatusRunning, PlanStatusRunning).
			WithContext("reason", "retry requires a paused or idle plan")
	}

	if e.plan.StepIndex(stepID) < 0 {
		e.mu.Unlock()
		return "", NewValidationError(fmt.Sprintf("step not found: %s", stepID)).
			WithContext("plan_id", planID).
			WithContext("step_id", stepID)
	}

	delete(e.plan.Completed, stepID)
	delete(e.plan.Skipped, stepID)

	iv := newIntervention(planID, InterventionRetryStep, user, map[string]any{
		"step_id": stepID,
	})
	e.interventions = append(e.interventions, iv)
	e.mu.Unlock()

	c.logger.Info("step marked for retry",
		"plan_id", planID,
		"step_id", stepID,
		"user", user,
	)
	c.emitInterventionEvent(ctx, planID, iv)
	return iv.ID, nil
}

// RestoreFromCheckpoint rewinds the plan's current index and completed and
// skipped sets to the values captured in the named checkpoint. The
// checkpoint history itself is never truncated: checkpoints recorded after
// the restored point remain for audit, and a subsequent run may produce
// duplicate step indices in the sequence. Restoring a terminal plan also
// rewinds its status to idle so it can run again.
func (c *Controller) RestoreFromCheckpoint(ctx context.Context, planID string, checkpointID types.ID) error {
	e, err := c.registry.entry(planID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	var found *Checkpoint
	for i := range e.checkpoints {
		if e.checkpoints[i].ID == checkpointID {
			found = &e.checkpoints[i]
			break
		}
	}
	if found == nil {
		e.mu.Unlock()
		return NewCheckpointNotFoundError(planID, checkpointID.String())
	}

	e.plan.CurrentIndex = found.StepIndex
	e.plan.Completed = setFromSlice(found.Completed)
	e.plan.Skipped = setFromSlice(found.Skipped)
	if e.plan.Status.IsTerminal() {
		e.plan.Status = PlanStatusIdle
		e.plan.CompletedAt = nil
		e.plan.Error = ""
	}
	e.mu.Unlock()

	c.logger.Info("plan restored from checkpoint",
		"plan_id", planID,
		"checkpoint_id", checkpointID,
		"step_index", found.StepIndex,
	)
	c.emitter.Emit(ctx, NewPlanEvent(EventPlanRestored, planID, CheckpointEventPayload{
		CheckpointID: checkpointID,
		StepIndex:    found.StepIndex,
		Completed:    len(found.Completed),
	}))
	return nil
}

// EvictTerminal removes plans that reached a terminal state more than
// olderThan ago and returns the number evicted. Long-lived processes call
// this periodically so finished plans do not accumulate forever.
func (c *Controller) EvictTerminal(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	evicted := 0

	for _, id := range c.registry.PlanIDs() {
		e, err := c.registry.entry(id)
		if err != nil {
			continue
		}

		e.mu.Lock()
		expired := e.plan.Status.IsTerminal() &&
			e.plan.CompletedAt != nil &&
			e.plan.CompletedAt.Before(cutoff)
		e.mu.Unlock()

		if expired {
			c.registry.Remove(id)
			evicted++
		}
	}

	if evicted > 0 {
		c.logger.Info("evicted terminal plans", "count", evicted)
	}
	return evicted
}

// PlanCount returns the number of registered plans.
func (c *Controller) PlanCount() int {
	return c.registry.Len()
}

func (c *Controller) emitInterventionEvent(ctx context.Context, planID string, iv Intervention) {
	c.emitter.Emit(ctx, NewPlanEvent(EventIntervention, planID, InterventionEventPayload{
		InterventionID: iv.ID,
		Kind:           iv.Kind,
		User:           iv.User,
	}))
}

func projectState(p *Plan) *PlanState {
	return &PlanState{
		PlanID:         p.ID,
		Status:         p.Status,
		CurrentIndex:   p.CurrentIndex,
		TotalSteps:     p.TotalSteps(),
		CompletedSteps: len(p.Completed),
		SkippedSteps:   len(p.Skipped),
	}
}

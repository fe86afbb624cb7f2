package plan

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RunOutcome pairs the run summary with the terminal error, if any.
type RunOutcome struct {
	Summary *RunSummary
	Err     error
}

// ExecuteAsync runs Execute in its own goroutine and returns a buffered
// channel that receives the single outcome when the loop ends.
func (c *Controller) ExecuteAsync(ctx context.Context, planID string, executor StepExecutor) <-chan RunOutcome {
	out := make(chan RunOutcome, 1)
	go func() {
		summary, err := c.Execute(ctx, planID, executor)
		out <- RunOutcome{Summary: summary, Err: err}
		close(out)
	}()
	return out
}

// Execute drives the plan's step loop to a terminal state. It transitions
// the plan to running, appends the initial checkpoint, and then iterates
// the step sequence by current index:
//
//  1. While paused, the loop suspends on the plan's condition variable
//     until resumed or cancelled. No polling.
//  2. A cancellation request stops the loop at the boundary; the step
//     already delegated to the executor finishes first.
//  3. Steps marked skipped advance the index without invoking the executor.
//  4. Otherwise the executor runs outside the plan lock; on success the
//     step is marked completed, a checkpoint is appended, and the index
//     advances. A non-success result terminates the plan in failed state.
//  5. When the index reaches the live step count the plan completes.
//
// Pause, resume, cancel and interventions from other goroutines are
// observed at these boundaries; an in-flight executor call is never
// preempted. Context cancellation is treated as a cancellation request.
func (c *Controller) Execute(ctx context.Context, planID string, executor StepExecutor) (*RunSummary, error) {
	e, err := c.registry.entry(planID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.executing {
		status := e.plan.Status
		e.mu.Unlock()
		return nil, NewInvalidStateError(planID, status, PlanStatusRunning).
			WithContext("reason", "execution already in progress")
	}
	if !e.plan.Status.CanTransitionTo(PlanStatusRunning) {
		status := e.plan.Status
		e.mu.Unlock()
		return nil, NewInvalidStateError(planID, status, PlanStatusRunning)
	}

	e.executing = true
	e.plan.Status = PlanStatusRunning
	now := time.Now()
	e.plan.StartedAt = &now

	initial := captureCheckpoint(e.plan)
	e.checkpoints = append(e.checkpoints, initial)
	totalAtStart := e.plan.TotalSteps()
	e.mu.Unlock()

	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "plan.execute",
			trace.WithAttributes(
				attribute.String("plan.id", planID),
				attribute.Int("plan.steps", totalAtStart),
			),
		)
		defer span.End()
	}

	c.logger.Info("starting plan execution",
		"plan_id", planID,
		"steps", totalAtStart,
	)
	c.emitter.Emit(ctx, NewPlanEvent(EventPlanStarted, planID, nil))
	c.emitCheckpointEvent(ctx, planID, initial)

	// Propagate context cancellation into the loop's cancel flag so a
	// paused loop wakes instead of waiting forever.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.cancelRequested = true
			e.cond.Broadcast()
			e.mu.Unlock()
		case <-watchDone:
		}
	}()

	for {
		e.mu.Lock()

		for e.pauseRequested && !e.cancelRequested {
			e.cond.Wait()
		}

		if e.cancelRequested {
			// All steps may already have finished by the time cancellation
			// is observed; that race resolves in favor of completion.
			final := PlanStatusCancelled
			if e.plan.CurrentIndex >= e.plan.TotalSteps() {
				final = PlanStatusCompleted
			}
			summary := c.finishLocked(e, final, "")
			e.mu.Unlock()

			c.finishSpan(span, final)
			c.emitFinished(ctx, planID, final, summary)
			return summary, nil
		}

		if e.plan.CurrentIndex >= e.plan.TotalSteps() {
			summary := c.finishLocked(e, PlanStatusCompleted, "")
			e.mu.Unlock()

			c.finishSpan(span, PlanStatusCompleted)
			c.emitFinished(ctx, planID, PlanStatusCompleted, summary)
			return summary, nil
		}

		step := e.plan.Steps[e.plan.CurrentIndex]
		stepIndex := e.plan.CurrentIndex

		if _, skipped := e.plan.Skipped[step.ID]; skipped {
			e.plan.CurrentIndex++
			cp := captureCheckpoint(e.plan)
			e.checkpoints = append(e.checkpoints, cp)
			e.mu.Unlock()

			c.logger.Debug("skipping step",
				"plan_id", planID,
				"step_id", step.ID,
				"step_index", stepIndex,
			)
			c.emitter.Emit(ctx, NewPlanEvent(EventStepSkipped, planID, StepEventPayload{
				StepID:    step.ID,
				StepIndex: stepIndex,
			}))
			c.emitCheckpointEvent(ctx, planID, cp)
			continue
		}
		e.mu.Unlock()

		c.logger.Info("executing step",
			"plan_id", planID,
			"step_id", step.ID,
			"step_index", stepIndex,
			"action", step.Action,
		)
		c.emitter.Emit(ctx, NewPlanEvent(EventStepStarted, planID, StepEventPayload{
			StepID:    step.ID,
			StepIndex: stepIndex,
		}))

		result, execErr := c.runStep(ctx, step, stepIndex, executor)

		e.mu.Lock()
		if execErr != nil || !result.Succeeded() {
			cause := execErr
			if cause == nil {
				cause = errors.New(resultFailureMessage(result))
			}

			// Checkpoint reflects pre-failure state: the failed step is
			// not marked completed and the index does not advance.
			cp := captureCheckpoint(e.plan)
			e.checkpoints = append(e.checkpoints, cp)

			stepErr := NewStepExecutionError(planID, step.ID, cause)
			summary := c.finishLocked(e, PlanStatusFailed, stepErr.Error())
			e.mu.Unlock()

			c.logger.Error("step execution failed",
				"plan_id", planID,
				"step_id", step.ID,
				"error", cause,
			)
			if span != nil {
				span.SetStatus(codes.Error, "step execution failed")
				span.RecordError(cause)
			}
			c.emitter.Emit(ctx, NewPlanEvent(EventStepFailed, planID, StepEventPayload{
				StepID:    step.ID,
				StepIndex: stepIndex,
				Error:     cause.Error(),
			}))
			c.emitCheckpointEvent(ctx, planID, cp)
			c.emitFinished(ctx, planID, PlanStatusFailed, summary)
			return summary, stepErr
		}

		e.plan.Completed[step.ID] = struct{}{}

		// Structural interventions may have moved or removed the step while
		// it was in flight; advance relative to its current position so the
		// pointer stays on the correct next step.
		if j := e.plan.StepIndex(step.ID); j >= 0 {
			e.plan.CurrentIndex = j + 1
		}

		cp := captureCheckpoint(e.plan)
		e.checkpoints = append(e.checkpoints, cp)
		completed := len(e.plan.Completed)
		e.mu.Unlock()

		c.logger.Info("step completed",
			"plan_id", planID,
			"step_id", step.ID,
			"completed", completed,
			"duration", result.Duration,
		)
		c.emitter.Emit(ctx, NewPlanEvent(EventStepCompleted, planID, StepEventPayload{
			StepID:    step.ID,
			StepIndex: stepIndex,
		}))
		c.emitCheckpointEvent(ctx, planID, cp)
	}
}

// runStep invokes the step executor with a per-step span.
func (c *Controller) runStep(ctx context.Context, step Step, stepIndex int, executor StepExecutor) (*StepResult, error) {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "step.execute",
			trace.WithAttributes(
				attribute.String("step.id", step.ID),
				attribute.Int("step.index", stepIndex),
				attribute.String("step.action", step.Action),
			),
		)
		defer span.End()

		result, err := executor(ctx, step)
		switch {
		case err != nil:
			span.SetStatus(codes.Error, "executor error")
			span.RecordError(err)
		case !result.Succeeded():
			span.SetStatus(codes.Error, "step reported failure")
		default:
			span.SetStatus(codes.Ok, "step completed")
		}
		return result, err
	}

	return executor(ctx, step)
}

// finishLocked transitions the plan to its terminal state and builds the
// run summary. Caller must hold the entry lock.
func (c *Controller) finishLocked(e *planEntry, final PlanStatus, errMsg string) *RunSummary {
	e.plan.Status = final
	now := time.Now()
	e.plan.CompletedAt = &now
	e.plan.Error = errMsg
	e.executing = false
	e.pauseRequested = false
	e.cancelRequested = false

	var duration time.Duration
	if e.plan.StartedAt != nil {
		duration = now.Sub(*e.plan.StartedAt)
	}

	return &RunSummary{
		PlanID:         e.plan.ID,
		Status:         final,
		CompletedSteps: len(e.plan.Completed),
		TotalSteps:     e.plan.TotalSteps(),
		Duration:       duration,
	}
}

func (c *Controller) emitFinished(ctx context.Context, planID string, final PlanStatus, summary *RunSummary) {
	c.logger.Info("plan execution finished",
		"plan_id", planID,
		"status", final,
		"completed", summary.CompletedSteps,
		"total", summary.TotalSteps,
	)

	var eventType PlanEventType
	switch final {
	case PlanStatusCompleted:
		eventType = EventPlanCompleted
	case PlanStatusCancelled:
		eventType = EventPlanCancelled
	default:
		eventType = EventPlanFailed
	}
	c.emitter.Emit(ctx, NewPlanEvent(eventType, planID, summary))
}

func (c *Controller) emitCheckpointEvent(ctx context.Context, planID string, cp Checkpoint) {
	c.emitter.Emit(ctx, NewPlanEvent(EventCheckpoint, planID, CheckpointEventPayload{
		CheckpointID: cp.ID,
		StepIndex:    cp.StepIndex,
		Completed:    len(cp.Completed),
	}))
}

func (c *Controller) finishSpan(span trace.Span, final PlanStatus) {
	if span == nil {
		return
	}
	if final == PlanStatusCompleted {
		span.SetStatus(codes.Ok, "plan completed")
	} else {
		span.SetStatus(codes.Error, string(final))
	}
	span.SetAttributes(attribute.String("plan.final_status", string(final)))
}

func resultFailureMessage(result *StepResult) string {
	if result == nil {
		return "step executor returned no result"
	}
	if result.Error != "" {
		return result.Error
	}
	return "step reported status " + string(result.Status)
}

package plan

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// delayedExecutor sleeps per step and records every step it was handed.
type delayedExecutor struct {
	delay time.Duration

	mu    sync.Mutex
	calls []string
}

func (d *delayedExecutor) run(ctx context.Context, step Step) (*StepResult, error) {
	d.mu.Lock()
	d.calls = append(d.calls, step.ID)
	d.mu.Unlock()

	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return &StepResult{StepID: step.ID, Status: StepResultSuccess, Duration: d.delay}, nil
}

func (d *delayedExecutor) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *delayedExecutor) executed(stepID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.calls {
		if id == stepID {
			return true
		}
	}
	return false
}

func TestExecute_CompletesAllSteps(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	_, err := c.RegisterPlan(ctx, testDefinition("plan-1", 5))
	require.NoError(t, err)

	summary, err := c.Execute(ctx, "plan-1", instantExecutor)
	require.NoError(t, err)

	assert.Equal(t, PlanStatusCompleted, summary.Status)
	assert.Equal(t, 5, summary.CompletedSteps)
	assert.Equal(t, 5, summary.TotalSteps)

	state, err := c.GetState("plan-1")
	require.NoError(t, err)
	assert.Equal(t, PlanStatusCompleted, state.Status)
	assert.Equal(t, 5, state.CurrentIndex)

	snap, err := c.GetSnapshot("plan-1")
	require.NoError(t, err)
	// One initial checkpoint plus one per executed step.
	assert.Len(t, snap.Checkpoints, 6)
	for i := range snap.Checkpoints {
		assert.NoError(t, snap.Checkpoints[i].Verify())
	}
}

func TestExecute_EmptyPlanCompletesImmediately(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	_, err := c.RegisterPlan(ctx, testDefinition("plan-1", 0))
	require.NoError(t, err)

	summary, err := c.Execute(ctx, "plan-1", instantExecutor)
	require.NoError(t, err)
	assert.Equal(t, PlanStatusCompleted, summary.Status)
	assert.Equal(t, 0, summary.CompletedSteps)
}

func TestExecute_UnknownPlan(t *testing.T) {
	c := NewController()

	_, err := c.Execute(context.Background(), "missing", instantExecutor)
	assert.True(t, IsNotFound(err))
}

func TestExecute_RejectsTerminalAndConcurrentRuns(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	_, err := c.RegisterPlan(ctx, testDefinition("plan-1", 1))
	require.NoError(t, err)

	_, err = c.Execute(ctx, "plan-1", instantExecutor)
	require.NoError(t, err)

	// Completed plan cannot run again.
	_, err = c.Execute(ctx, "plan-1", instantExecutor)
	require.Error(t, err)
	assert.True(t, IsInvalidState(err))
}

func TestExecute_SkippedStepsNeverReachExecutor(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	_, err := c.RegisterPlan(ctx, testDefinition("plan-1", 4))
	require.NoError(t, err)

	_, err = c.SkipStep(ctx, "plan-1", "step-2", "alice")
	require.NoError(t, err)
	_, err = c.SkipStep(ctx, "plan-1", "step-4", "alice")
	require.NoError(t, err)

	exec := &delayedExecutor{}
	summary, err := c.Execute(ctx, "plan-1", exec.run)
	require.NoError(t, err)

	assert.Equal(t, PlanStatusCompleted, summary.Status)
	assert.Equal(t, 2, summary.CompletedSteps)

	assert.False(t, exec.executed("step-2"))
	assert.False(t, exec.executed("step-4"))
	assert.True(t, exec.executed("step-1"))
	assert.True(t, exec.executed("step-3"))

	state, err := c.GetState("plan-1")
	require.NoError(t, err)
	assert.Equal(t, 2, state.SkippedSteps)
	// Skip boundaries checkpoint too: initial + 2 executed + 2 skipped.
	snap, err := c.GetSnapshot("plan-1")
	require.NoError(t, err)
	assert.Len(t, snap.Checkpoints, 5)
}

func TestExecute_StepFailureTerminatesPlan(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	_, err := c.RegisterPlan(ctx, testDefinition("plan-1", 3))
	require.NoError(t, err)

	boom := errors.New("search backend unavailable")
	executor := func(ctx context.Context, step Step) (*StepResult, error) {
		if step.ID == "step-2" {
			return nil, boom
		}
		return &StepResult{StepID: step.ID, Status: StepResultSuccess}, nil
	}

	summary, err := c.Execute(ctx, "plan-1", executor)
	require.Error(t, err)
	assert.True(t, IsStepExecution(err))
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, PlanStatusFailed, summary.Status)
	assert.Equal(t, 1, summary.CompletedSteps)

	state, err := c.GetState("plan-1")
	require.NoError(t, err)
	assert.Equal(t, PlanStatusFailed, state.Status)
	assert.Equal(t, 1, state.CurrentIndex, "pointer stays on the failed step")

	snap, err := c.GetSnapshot("plan-1")
	require.NoError(t, err)
	// Initial + step-1 success + pre-failure checkpoint.
	require.Len(t, snap.Checkpoints, 3)
	last := snap.Checkpoints[len(snap.Checkpoints)-1]
	assert.Equal(t, 1, last.StepIndex)
	assert.NotContains(t, last.Completed, "step-2", "failed step is not completed")
}

func TestExecute_FailureResultWithoutError(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	_, err := c.RegisterPlan(ctx, testDefinition("plan-1", 1))
	require.NoError(t, err)

	executor := func(ctx context.Context, step Step) (*StepResult, error) {
		return &StepResult{StepID: step.ID, Status: StepResultFailed, Error: "no results found"}, nil
	}

	summary, err := c.Execute(ctx, "plan-1", executor)
	require.Error(t, err)
	assert.True(t, IsStepExecution(err))
	assert.Contains(t, err.Error(), "no results found")
	assert.Equal(t, PlanStatusFailed, summary.Status)
}

func TestExecute_PauseAndResume(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	_, err := c.RegisterPlan(ctx, testDefinition("plan-1", 3))
	require.NoError(t, err)

	exec := &delayedExecutor{delay: 100 * time.Millisecond}
	outcome := c.ExecuteAsync(ctx, "plan-1", exec.run)

	// Pause mid-run; the in-flight step finishes, then the loop suspends.
	time.Sleep(150 * time.Millisecond)
	require.True(t, c.PausePlan("plan-1"))

	// Give the in-flight step time to finish and the loop to park.
	time.Sleep(250 * time.Millisecond)

	state, err := c.GetState("plan-1")
	require.NoError(t, err)
	assert.Equal(t, PlanStatusPaused, state.Status)
	assert.GreaterOrEqual(t, state.CompletedSteps, 1)
	assert.Less(t, state.CompletedSteps, 3)
	parked := exec.callCount()

	// While parked no further step may start.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, parked, exec.callCount())

	// Pausing a paused plan is a no-op.
	assert.False(t, c.PausePlan("plan-1"))

	require.True(t, c.ResumePlan("plan-1"))

	result := <-outcome
	require.NoError(t, result.Err)
	assert.Equal(t, PlanStatusCompleted, result.Summary.Status)
	assert.Equal(t, 3, result.Summary.CompletedSteps)
	assert.Equal(t, 3, exec.callCount(), "every step runs exactly once")
}

func TestExecute_InterventionsWhilePaused(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	_, err := c.RegisterPlan(ctx, testDefinition("plan-1", 3))
	require.NoError(t, err)

	exec := &delayedExecutor{delay: 80 * time.Millisecond}
	outcome := c.ExecuteAsync(ctx, "plan-1", exec.run)

	time.Sleep(40 * time.Millisecond)
	require.True(t, c.PausePlan("plan-1"))
	time.Sleep(150 * time.Millisecond)

	// Reshape the plan while the loop is parked: skip one step, add another,
	// remove a third.
	_, err = c.SkipStep(ctx, "plan-1", "step-2", "alice")
	require.NoError(t, err)
	_, err = c.AddStep(ctx, "plan-1", StepDefinition{ID: "added", Action: "noop"}, "step-2", "alice")
	require.NoError(t, err)
	_, err = c.RemoveStep(ctx, "plan-1", "step-3", "alice")
	require.NoError(t, err)

	state, err := c.GetState("plan-1")
	require.NoError(t, err)
	assert.Equal(t, 3, state.TotalSteps)

	require.True(t, c.ResumePlan("plan-1"))

	result := <-outcome
	require.NoError(t, result.Err)
	assert.Equal(t, PlanStatusCompleted, result.Summary.Status)

	assert.False(t, exec.executed("step-2"), "skipped step never reaches the executor")
	assert.False(t, exec.executed("step-3"), "removed step never reaches the executor")
	assert.True(t, exec.executed("added"))

	snap, err := c.GetSnapshot("plan-1")
	require.NoError(t, err)
	require.Len(t, snap.Interventions, 3)
	assert.Equal(t, InterventionSkipStep, snap.Interventions[0].Kind)
	assert.Equal(t, InterventionAddStep, snap.Interventions[1].Kind)
	assert.Equal(t, InterventionRemoveStep, snap.Interventions[2].Kind)
}

func TestExecute_StepInsertedAtPointerRuns(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	_, err := c.RegisterPlan(ctx, testDefinition("plan-1", 2))
	require.NoError(t, err)

	exec := &delayedExecutor{delay: 80 * time.Millisecond}
	outcome := c.ExecuteAsync(ctx, "plan-1", exec.run)

	// Pause during step-1, then queue a new step to run immediately after it.
	time.Sleep(40 * time.Millisecond)
	require.True(t, c.PausePlan("plan-1"))
	time.Sleep(150 * time.Millisecond)

	_, err = c.AddStep(ctx, "plan-1", StepDefinition{ID: "inserted", Action: "noop"}, "step-1", "alice")
	require.NoError(t, err)

	require.True(t, c.ResumePlan("plan-1"))

	result := <-outcome
	require.NoError(t, result.Err)
	assert.Equal(t, PlanStatusCompleted, result.Summary.Status)
	assert.Equal(t, 3, result.Summary.CompletedSteps)
	assert.Equal(t, 3, result.Summary.TotalSteps)

	assert.True(t, exec.executed("inserted"), "step inserted at the pointer must run")
	assert.Equal(t, []string{"step-1", "inserted", "step-2"}, exec.calls)
}

func TestExecute_CancelStopsAtBoundary(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	_, err := c.RegisterPlan(ctx, testDefinition("plan-1", 4))
	require.NoError(t, err)

	exec := &delayedExecutor{delay: 150 * time.Millisecond}
	outcome := c.ExecuteAsync(ctx, "plan-1", exec.run)

	time.Sleep(200 * time.Millisecond)
	require.True(t, c.CancelPlan("plan-1"))

	result := <-outcome
	require.NoError(t, result.Err)
	assert.Equal(t, PlanStatusCancelled, result.Summary.Status)

	// The in-flight step finished; nothing beyond it started.
	completed := result.Summary.CompletedSteps
	assert.GreaterOrEqual(t, completed, 1)
	assert.Less(t, completed, 4)
	assert.Equal(t, completed, exec.callCount(), "no step starts after the cancel request")

	state, err := c.GetState("plan-1")
	require.NoError(t, err)
	assert.Equal(t, PlanStatusCancelled, state.Status)
}

func TestExecute_CancelWakesPausedLoop(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	_, err := c.RegisterPlan(ctx, testDefinition("plan-1", 3))
	require.NoError(t, err)

	exec := &delayedExecutor{delay: 60 * time.Millisecond}
	outcome := c.ExecuteAsync(ctx, "plan-1", exec.run)

	time.Sleep(30 * time.Millisecond)
	require.True(t, c.PausePlan("plan-1"))
	time.Sleep(100 * time.Millisecond)

	require.True(t, c.CancelPlan("plan-1"))

	select {
	case result := <-outcome:
		require.NoError(t, result.Err)
		assert.Equal(t, PlanStatusCancelled, result.Summary.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not wake the paused loop")
	}
}

func TestExecute_ContextCancellation(t *testing.T) {
	c := NewController()

	_, err := c.RegisterPlan(context.Background(), testDefinition("plan-1", 10))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	executor := func(ctx context.Context, step Step) (*StepResult, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return &StepResult{StepID: step.ID, Status: StepResultSuccess}, nil
	}

	outcome := c.ExecuteAsync(ctx, "plan-1", executor)

	time.Sleep(75 * time.Millisecond)
	cancel()

	result := <-outcome
	require.NoError(t, result.Err)
	assert.Equal(t, PlanStatusCancelled, result.Summary.Status)
	assert.Less(t, int(calls.Load()), 10)
}

func TestExecute_CancelAfterLastStepCompletes(t *testing.T) {
	c := NewController()
	ctx := context.Background()

	_, err := c.RegisterPlan(ctx, testDefinition("plan-1", 1))
	require.NoError(t, err)

	// Cancellation observed after the final step already finished resolves
	// in favor of completion.
	e, err := c.registry.entry("plan-1")
	require.NoError(t, err)

	executor := func(ctx context.Context, step Step) (*StepResult, error) {
		e.mu.Lock()
		e.cancelRequested = true
		e.mu.Unlock()
		return &StepResult{StepID: step.ID, Status: StepResultSuccess}, nil
	}

	summary, err := c.Execute(ctx, "plan-1", executor)
	require.NoError(t, err)
	assert.Equal(t, PlanStatusCompleted, summary.Status)
	assert.Equal(t, 1, summary.CompletedSteps)
}

func TestExecute_EmitsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	c := NewController(WithTracer(provider.Tracer("test")))
	ctx := context.Background()

	_, err := c.RegisterPlan(ctx, testDefinition("plan-1", 2))
	require.NoError(t, err)

	_, err = c.Execute(ctx, "plan-1", instantExecutor)
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 3, "one plan span and one span per step")

	names := make(map[string]int)
	for _, span := range spans {
		names[span.Name()]++
	}
	assert.Equal(t, 1, names["plan.execute"])
	assert.Equal(t, 2, names["step.execute"])
}

func TestExecute_EmitsLifecycleEvents(t *testing.T) {
	emitter := NewChannelEventEmitter(WithEmitterBuffer(64))
	defer emitter.Close()

	events, cleanup := emitter.Subscribe(context.Background())
	defer cleanup()

	c := NewController(WithEventEmitter(emitter))
	ctx := context.Background()

	_, err := c.RegisterPlan(ctx, testDefinition("plan-1", 2))
	require.NoError(t, err)

	_, err = c.Execute(ctx, "plan-1", instantExecutor)
	require.NoError(t, err)

	var seen []PlanEventType
	deadline := time.After(time.Second)
collect:
	for {
		select {
		case ev := <-events:
			seen = append(seen, ev.Type)
			if ev.Type == EventPlanCompleted {
				break collect
			}
		case <-deadline:
			t.Fatal("timed out waiting for plan.completed")
		}
	}

	assert.Equal(t, EventPlanRegistered, seen[0])
	assert.Contains(t, seen, EventPlanStarted)
	assert.Contains(t, seen, EventStepStarted)
	assert.Contains(t, seen, EventStepCompleted)
	assert.Contains(t, seen, EventCheckpoint)
	assert.Equal(t, EventPlanCompleted, seen[len(seen)-1])
}

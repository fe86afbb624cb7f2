package plan

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-research/atlas/internal/types"
)

// PlanEventType identifies the type of plan lifecycle event.
type PlanEventType string

const (
	// EventPlanRegistered indicates a plan was registered.
	EventPlanRegistered PlanEventType = "plan.registered"

	// EventPlanStarted indicates the execution loop began.
	EventPlanStarted PlanEventType = "plan.started"

	// EventPlanPaused indicates the plan was paused.
	EventPlanPaused PlanEventType = "plan.paused"

	// EventPlanResumed indicates the plan resumed execution.
	EventPlanResumed PlanEventType = "plan.resumed"

	// EventPlanCompleted indicates all steps finished normally.
	EventPlanCompleted PlanEventType = "plan.completed"

	// EventPlanFailed indicates a step failure terminated the plan.
	EventPlanFailed PlanEventType = "plan.failed"

	// EventPlanCancelled indicates the plan was cancelled.
	EventPlanCancelled PlanEventType = "plan.cancelled"

	// EventStepStarted indicates a step was handed to the executor.
	EventStepStarted PlanEventType = "plan.step.started"

	// EventStepCompleted indicates a step finished successfully.
	EventStepCompleted PlanEventType = "plan.step.completed"

	// EventStepFailed indicates the executor reported a failure.
	EventStepFailed PlanEventType = "plan.step.failed"

	// EventStepSkipped indicates the loop advanced past a skipped step.
	EventStepSkipped PlanEventType = "plan.step.skipped"

	// EventCheckpoint indicates a checkpoint was appended.
	EventCheckpoint PlanEventType = "plan.checkpoint"

	// EventIntervention indicates an intervention was recorded.
	EventIntervention PlanEventType = "plan.intervention"

	// EventPlanRestored indicates the plan was rewound to a checkpoint.
	EventPlanRestored PlanEventType = "plan.restored"
)

// String returns the string representation of the event type.
func (t PlanEventType) String() string {
	return string(t)
}

// PlanEvent is emitted at every step boundary and lifecycle transition so an
// external broadcast layer can fan progress out to subscribers.
type PlanEvent struct {
	// Type identifies the event.
	Type PlanEventType `json:"type"`

	// PlanID is the plan the event belongs to.
	PlanID string `json:"plan_id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Payload carries type-specific event data.
	Payload any `json:"payload,omitempty"`
}

// StepEventPayload describes a step boundary event.
type StepEventPayload struct {
	StepID    string `json:"step_id"`
	StepIndex int    `json:"step_index"`
	Error     string `json:"error,omitempty"`
}

// CheckpointEventPayload describes a checkpoint event.
type CheckpointEventPayload struct {
	CheckpointID types.ID `json:"checkpoint_id"`
	StepIndex    int      `json:"step_index"`
	Completed    int      `json:"completed"`
}

// InterventionEventPayload describes an intervention event.
type InterventionEventPayload struct {
	InterventionID types.ID         `json:"intervention_id"`
	Kind           InterventionKind `json:"kind"`
	User           string           `json:"user"`
}

// NewPlanEvent creates a plan event stamped with the current time.
func NewPlanEvent(eventType PlanEventType, planID string, payload any) PlanEvent {
	return PlanEvent{
		Type:      eventType,
		PlanID:    planID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// EventEmitter publishes plan events to subscribers.
// Implementations must be safe for concurrent use.
type EventEmitter interface {
	// Emit publishes an event to all subscribers.
	Emit(ctx context.Context, event PlanEvent) error

	// Subscribe returns a channel of events and a cleanup function. The
	// cleanup function must be called to release the subscription.
	Subscribe(ctx context.Context) (<-chan PlanEvent, func())

	// Close shuts down the emitter and all subscriptions.
	Close() error
}

// ChannelEventEmitter implements EventEmitter with buffered channels.
// Slow subscribers have events dropped rather than blocking the engine.
type ChannelEventEmitter struct {
	mu          sync.RWMutex
	subscribers map[string]chan PlanEvent
	bufferSize  int
	closed      bool
}

// EmitterOption configures a ChannelEventEmitter.
type EmitterOption func(*ChannelEventEmitter)

// WithEmitterBuffer sets the per-subscriber channel buffer size.
func WithEmitterBuffer(size int) EmitterOption {
	return func(e *ChannelEventEmitter) {
		e.bufferSize = size
	}
}

// NewChannelEventEmitter creates an emitter with a default buffer of 100.
func NewChannelEventEmitter(opts ...EmitterOption) *ChannelEventEmitter {
	e := &ChannelEventEmitter{
		subscribers: make(map[string]chan PlanEvent),
		bufferSize:  100,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit publishes an event to all subscribers without blocking. If a
// subscriber's buffer is full the event is dropped for that subscriber.
func (e *ChannelEventEmitter) Emit(ctx context.Context, event PlanEvent) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return NewPlanError(ErrValidation, "event emitter is closed")
	}

	for _, ch := range e.subscribers {
		select {
		case ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// full buffer; drop for this subscriber
		}
	}

	return nil
}

// Subscribe registers a new subscriber channel. Subscribing to a closed
// emitter returns an already-closed channel.
func (e *ChannelEventEmitter) Subscribe(ctx context.Context) (<-chan PlanEvent, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		ch := make(chan PlanEvent)
		close(ch)
		return ch, func() {}
	}

	id := types.NewID().String()
	ch := make(chan PlanEvent, e.bufferSize)
	e.subscribers[id] = ch

	cleanup := func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		if sub, ok := e.subscribers[id]; ok {
			delete(e.subscribers, id)
			close(sub)
		}
	}

	return ch, cleanup
}

// Close shuts down the emitter and closes all subscriber channels.
func (e *ChannelEventEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	for id, ch := range e.subscribers {
		close(ch)
		delete(e.subscribers, id)
	}

	return nil
}

// SubscriberCount returns the number of active subscribers.
func (e *ChannelEventEmitter) SubscriberCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers)
}

// nopEmitter discards every event. Used when the controller is built without
// an emitter.
type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, PlanEvent) error { return nil }
func (nopEmitter) Subscribe(context.Context) (<-chan PlanEvent, func()) {
	ch := make(chan PlanEvent)
	close(ch)
	return ch, func() {}
}
func (nopEmitter) Close() error { return nil }

var _ EventEmitter = (*ChannelEventEmitter)(nil)
var _ EventEmitter = nopEmitter{}

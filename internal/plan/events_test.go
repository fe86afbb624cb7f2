package plan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelEventEmitter_EmitAndSubscribe(t *testing.T) {
	emitter := NewChannelEventEmitter()
	defer emitter.Close()

	events, cleanup := emitter.Subscribe(context.Background())
	defer cleanup()

	assert.Equal(t, 1, emitter.SubscriberCount())

	err := emitter.Emit(context.Background(), NewPlanEvent(EventPlanStarted, "plan-1", nil))
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, EventPlanStarted, ev.Type)
		assert.Equal(t, "plan-1", ev.PlanID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestChannelEventEmitter_FanOut(t *testing.T) {
	emitter := NewChannelEventEmitter()
	defer emitter.Close()

	first, cleanupFirst := emitter.Subscribe(context.Background())
	defer cleanupFirst()
	second, cleanupSecond := emitter.Subscribe(context.Background())
	defer cleanupSecond()

	require.NoError(t, emitter.Emit(context.Background(), NewPlanEvent(EventCheckpoint, "plan-1", nil)))

	for _, ch := range []<-chan PlanEvent{first, second} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventCheckpoint, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestChannelEventEmitter_DropsWhenBufferFull(t *testing.T) {
	emitter := NewChannelEventEmitter(WithEmitterBuffer(1))
	defer emitter.Close()

	events, cleanup := emitter.Subscribe(context.Background())
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, emitter.Emit(ctx, NewPlanEvent(EventStepStarted, "plan-1", nil)))
	// Buffer is full; this one is dropped rather than blocking the engine.
	require.NoError(t, emitter.Emit(ctx, NewPlanEvent(EventStepCompleted, "plan-1", nil)))

	ev := <-events
	assert.Equal(t, EventStepStarted, ev.Type)

	select {
	case ev := <-events:
		t.Fatalf("expected the second event to be dropped, got %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelEventEmitter_CleanupReleasesSubscription(t *testing.T) {
	emitter := NewChannelEventEmitter()
	defer emitter.Close()

	_, cleanup := emitter.Subscribe(context.Background())
	require.Equal(t, 1, emitter.SubscriberCount())

	cleanup()
	assert.Equal(t, 0, emitter.SubscriberCount())

	// Double cleanup is safe.
	cleanup()
	assert.Equal(t, 0, emitter.SubscriberCount())
}

func TestChannelEventEmitter_Close(t *testing.T) {
	emitter := NewChannelEventEmitter()

	events, cleanup := emitter.Subscribe(context.Background())
	defer cleanup()

	require.NoError(t, emitter.Close())
	require.NoError(t, emitter.Close(), "close is idempotent")

	_, open := <-events
	assert.False(t, open, "subscriber channels are closed on shutdown")

	err := emitter.Emit(context.Background(), NewPlanEvent(EventPlanStarted, "plan-1", nil))
	assert.Error(t, err, "emit after close fails")

	t.Run("subscribe after close", func(t *testing.T) {
		late, lateCleanup := emitter.Subscribe(context.Background())
		defer lateCleanup()

		_, open := <-late
		assert.False(t, open, "late subscribers get an already-closed channel")
		assert.Equal(t, 0, emitter.SubscriberCount())
	})
}

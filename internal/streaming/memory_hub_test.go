package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/reqchain/pkg/schema"
)

func receive(t *testing.T, ch <-chan RunEvent) RunEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return RunEvent{}
	}
}

func assertQuiet(t *testing.T, ch <-chan RunEvent) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryHub_PublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	e := RunEvent{WorkflowID: "wf-1", RunID: "run-1", EventType: EventStepStarted, StepID: "login"}
	require.NoError(t, hub.Publish(ctx, e))

	assert.Equal(t, e, receive(t, ch1))
	assert.Equal(t, e, receive(t, ch2))
}

func TestMemoryHub_Filters(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	byWorkflow, c1, err := hub.Subscribe(ctx, EventFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	defer c1()
	byType, c2, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{EventRunFinished}})
	require.NoError(t, err)
	defer c2()
	byTrigger, c3, err := hub.Subscribe(ctx, EventFilter{Triggers: []string{"schedule"}})
	require.NoError(t, err)
	defer c3()

	require.NoError(t, hub.Publish(ctx, RunEvent{WorkflowID: "wf-2", EventType: EventStepStarted, Trigger: "manual"}))
	require.NoError(t, hub.Publish(ctx, RunEvent{WorkflowID: "wf-1", EventType: EventStepStarted, Trigger: "mcp"}))
	require.NoError(t, hub.Publish(ctx, RunEvent{WorkflowID: "wf-2", EventType: EventRunFinished, Trigger: "schedule"}))

	assert.Equal(t, "wf-1", receive(t, byWorkflow).WorkflowID)
	assertQuiet(t, byWorkflow)

	assert.Equal(t, EventRunFinished, receive(t, byType).EventType)
	assertQuiet(t, byType)

	assert.Equal(t, "schedule", receive(t, byTrigger).Trigger)
	assertQuiet(t, byTrigger)
}

func TestMemoryHub_Cancel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()
	cancel()

	require.NoError(t, hub.Publish(ctx, RunEvent{EventType: EventRunFinished}))
	assertQuiet(t, ch)

	hub.mu.RLock()
	assert.Empty(t, hub.subs)
	hub.mu.RUnlock()
}

func TestMemoryHub_SlowSubscriberMissesEvents(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := range subscriberBuffer + 10 {
		require.NoError(t, hub.Publish(ctx, RunEvent{EventType: EventStepStarted, StepIndex: i}))
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, subscriberBuffer, drained)
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestMemoryHub_Concurrent(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	var wg sync.WaitGroup

	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := range 50 {
				_ = hub.Publish(ctx, RunEvent{EventType: EventStepCompleted, StepIndex: j})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
}

func TestMemoryHub_CancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, RunEvent{}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStepEvents(t *testing.T) {
	step := schema.WorkflowStep{ID: "s1", Name: "Login"}

	started := StepStarted(0, step)
	assert.Equal(t, map[string]any{
		"event":      EventStepStarted,
		"step_index": 0,
		"step_id":    "s1",
		"name":       "Login",
	}, started.Fields())

	done := StepCompleted(0, step, schema.StepExecutionResult{
		Status:   schema.StepStatusFailure,
		Error:    "expectation failed",
		Response: &schema.ResponseData{Status: 500},
	})
	done.RunID = "run-1"
	fields := done.Fields()
	assert.Equal(t, "failure", fields["status"])
	assert.Equal(t, 500, fields["http_status"])
	assert.Equal(t, "expectation failed", fields["error"])
	assert.Equal(t, "run-1", fields["run_id"])
	assert.NotContains(t, fields, "workflow_id")
}

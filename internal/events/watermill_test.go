package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newBus(t *testing.T) *WatermillBus {
	t.Helper()
	bus := NewBus(testLogger())
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func newBlockingBus(t *testing.T) *WatermillBus {
	t.Helper()
	bus := NewTestBus(testLogger())
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "subscription closed unexpectedly")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectNone(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewEnvelope(t *testing.T) {
	evt := New("step_started", "exec-1")

	assert.NotEmpty(t, evt.ID)
	assert.Equal(t, "step_started", evt.Type)
	assert.Equal(t, "exec-1", evt.ExecutionID)
	assert.WithinDuration(t, time.Now().UTC(), evt.Timestamp, time.Second)

	later := New("step_started", "exec-1")
	assert.NotEqual(t, evt.ID, later.ID)
}

func TestPublishSubscribe(t *testing.T) {
	bus := newBus(t)
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	evt := New("step_completed", "exec-1")
	evt.StepID = "reserve"
	evt.Payload = map[string]any{"status": "COMPLETED"}

	require.NoError(t, bus.Publish(ctx, evt))

	got := receive(t, ch)
	assert.Equal(t, evt.ID, got.ID)
	assert.Equal(t, "step_completed", got.Type)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, "reserve", got.StepID)
	assert.Equal(t, map[string]any{"status": "COMPLETED"}, got.Payload)
}

func TestFilterByExecution(t *testing.T) {
	bus := newBus(t)
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, Filter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, bus.Publish(ctx, New("step_started", "exec-2")))
	require.NoError(t, bus.Publish(ctx, New("step_started", "exec-1")))

	got := receive(t, ch)
	assert.Equal(t, "exec-1", got.ExecutionID)

	// The exec-2 event was filtered out.
	expectNone(t, ch)
}

func TestFilterByType(t *testing.T) {
	bus := newBlockingBus(t)
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, Filter{
		Types: []string{"step_completed", "execution_failed"},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, bus.Publish(ctx, New("step_completed", "exec-1")))
	require.NoError(t, bus.Publish(ctx, New("step_started", "exec-1")))
	require.NoError(t, bus.Publish(ctx, New("execution_failed", "exec-1")))

	assert.Equal(t, "step_completed", receive(t, ch).Type)
	assert.Equal(t, "execution_failed", receive(t, ch).Type)
	expectNone(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	bus := newBus(t)
	ctx := context.Background()

	ch1, cancel1, err := bus.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel1()

	ch2, cancel2, err := bus.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, bus.Publish(ctx, New("execution_started", "exec-1")))

	for _, ch := range []<-chan Event{ch1, ch2} {
		got := receive(t, ch)
		assert.Equal(t, "execution_started", got.Type)
		assert.Equal(t, "exec-1", got.ExecutionID)
	}
}

func TestOrderingPreserved(t *testing.T) {
	bus := newBlockingBus(t)
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, Filter{ExecutionID: "exec-ordered"})
	require.NoError(t, err)
	defer cancel()

	const n = 40
	for i := 0; i < n; i++ {
		evt := New("step_started", "exec-ordered")
		evt.Payload = map[string]any{"seq": i}
		require.NoError(t, bus.Publish(ctx, evt))
	}

	for i := 0; i < n; i++ {
		got := receive(t, ch)
		assert.Equal(t, float64(i), got.Payload["seq"])
	}
}

func TestCancelSubscription(t *testing.T) {
	bus := newBus(t)
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, Filter{})
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should close after cancel")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}

	// Publishing with no subscribers left is not an error.
	require.NoError(t, bus.Publish(ctx, New("step_started", "exec-1")))
}

func TestCloseEndsSubscriptions(t *testing.T) {
	bus := NewBus(testLogger())
	ctx := context.Background()

	ch, cancel, err := bus.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, bus.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should close when bus closes")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel close")
	}

	assert.Error(t, bus.Publish(ctx, New("step_started", "exec-1")))
}

func TestPublishCancelledContext(t *testing.T) {
	bus := newBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := bus.Publish(ctx, New("step_started", "exec-1"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentPublishers(t *testing.T) {
	bus := newBus(t)
	ctx := context.Background()

	const publishers = 10
	const perPublisher = 20

	ch, cancel, err := bus.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				_ = bus.Publish(ctx, New("tick", "exec-concurrent"))
			}
		}()
	}

	received := 0
	deadline := time.After(5 * time.Second)
	for received < publishers*perPublisher {
		select {
		case <-ch:
			received++
		case <-deadline:
			t.Fatalf("received %d of %d events", received, publishers*perPublisher)
		}
	}

	wg.Wait()
	assert.Equal(t, publishers*perPublisher, received)
}

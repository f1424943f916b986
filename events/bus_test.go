package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_OnAndEmit(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	var got []any
	bus.On("tick", func(p any) { got = append(got, p) })

	bus.Emit("tick", 1)
	bus.Emit("tick", 2)

	assert.Equal(t, []any{1, 2}, got)
}

func TestBus_RegistrationOrder(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	var order []string
	bus.On("e", func(any) { order = append(order, "first") })
	bus.On("e", func(any) { order = append(order, "second") })
	bus.On("e", func(any) { order = append(order, "third") })

	bus.Emit("e", nil)

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestBus_Once(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	count := 0
	bus.Once("e", func(any) { count++ })

	bus.Emit("e", nil)
	bus.Emit("e", nil)

	assert.Equal(t, 1, count)
	assert.Equal(t, 0, bus.ListenerCount("e"))
}

func TestBus_Unsubscribe(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	count := 0
	sub := bus.On("e", func(any) { count++ })

	bus.Emit("e", nil)
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent
	bus.Emit("e", nil)

	assert.Equal(t, 1, count)
}

func TestBus_HandlerAddedDuringEmissionNotInvoked(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	lateCalls := 0
	bus.On("e", func(any) {
		bus.On("e", func(any) { lateCalls++ })
	})

	bus.Emit("e", nil)
	assert.Equal(t, 0, lateCalls)

	bus.Emit("e", nil)
	assert.Equal(t, 1, lateCalls)
}

func TestBus_ReentrantEmitDoesNotDeadlock(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	inner := 0
	bus.On("inner", func(any) { inner++ })
	bus.On("outer", func(any) { bus.Emit("inner", nil) })

	done := make(chan struct{})
	go func() {
		bus.Emit("outer", nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("re-entrant emit deadlocked")
	}
	assert.Equal(t, 1, inner)
}

func TestBus_PanicIsolatedAndReported(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	var meta *ListenerError
	bus.On(MetaListenerError, func(p any) { meta = p.(*ListenerError) })

	reached := false
	bus.On("e", func(any) { panic("boom") })
	bus.On("e", func(any) { reached = true })

	bus.Emit("e", nil)

	assert.True(t, reached, "listeners after the panicking one must still run")
	require.NotNil(t, meta)
	assert.Equal(t, "e", meta.Event)
	assert.Equal(t, "boom", meta.Recovered)
}

func TestBus_WaitOn(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	go func() {
		time.Sleep(10 * time.Millisecond)
		bus.Emit("ready", "payload")
	}()

	got, err := bus.WaitOn(context.Background(), "ready")
	require.NoError(t, err)
	assert.Equal(t, "payload", got)
}

func TestBus_WaitOnContextCancelled(t *testing.T) {
	t.Parallel()

	bus := NewBus()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := bus.WaitOn(ctx, "never")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

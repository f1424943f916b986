package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/workflowgo/store/memory"
)

func TestOutputCache_MissThenHit(t *testing.T) {
	t.Parallel()

	c := New(memory.New())
	ctx := context.Background()
	input := map[string]any{"text": "hello"}

	_, found, err := c.Get(ctx, "upper", input)
	require.NoError(t, err)
	assert.False(t, found)

	calls := 0
	out, err := c.GetOrCompute(ctx, "upper", input, func(context.Context) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"text":"HELLO"}`), nil
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"HELLO"}`, string(out))
	assert.Equal(t, 1, calls)

	// Second call hits the store; compute must not run again.
	out, err = c.GetOrCompute(ctx, "upper", input, func(context.Context) (json.RawMessage, error) {
		calls++
		return nil, errors.New("should not run")
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"HELLO"}`, string(out))
	assert.Equal(t, 1, calls)
}

func TestOutputCache_Singleflight(t *testing.T) {
	t.Parallel()

	c := New(memory.New())
	ctx := context.Background()
	input := map[string]any{"n": 42}

	var calls atomic.Int32
	release := make(chan struct{})

	const callers = 10
	outputs := make([]json.RawMessage, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := c.GetOrCompute(ctx, "slow", input, func(context.Context) (json.RawMessage, error) {
				calls.Add(1)
				<-release
				return json.RawMessage(`"result"`), nil
			})
			require.NoError(t, err)
			outputs[i] = out
		}(i)
	}

	// Let the goroutines pile up on the flight before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "compute must run exactly once")
	for i := 0; i < callers; i++ {
		assert.JSONEq(t, `"result"`, string(outputs[i]))
	}
}

func TestOutputCache_ErrorsNotCached(t *testing.T) {
	t.Parallel()

	c := New(memory.New())
	ctx := context.Background()
	input := map[string]any{"x": 1}

	_, err := c.GetOrCompute(ctx, "flaky", input, func(context.Context) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)

	out, err := c.GetOrCompute(ctx, "flaky", input, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	})
	require.NoError(t, err)
	assert.JSONEq(t, `"ok"`, string(out))
}

func TestOutputCache_KeyDistinguishesTypeAndInput(t *testing.T) {
	t.Parallel()

	c := New(memory.New())

	k1, err := c.Key("a", map[string]any{"x": 1})
	require.NoError(t, err)
	k2, err := c.Key("b", map[string]any{"x": 1})
	require.NoError(t, err)
	k3, err := c.Key("a", map[string]any{"x": 2})
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestOutputCache_Invalidate(t *testing.T) {
	t.Parallel()

	c := New(memory.New())
	ctx := context.Background()
	input := map[string]any{"x": 1}

	_, err := c.GetOrCompute(ctx, "t", input, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"v1"`), nil
	})
	require.NoError(t, err)

	require.NoError(t, c.Invalidate(ctx, "t", input))

	out, err := c.GetOrCompute(ctx, "t", input, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`"v2"`), nil
	})
	require.NoError(t, err)
	assert.JSONEq(t, `"v2"`, string(out))
}

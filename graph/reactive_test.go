package graph

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/workflowgo/schema"
)

// reactiveUpperDef uppercases; its reactive path is the same computation.
func reactiveUpperDef(fullRuns *atomic.Int32) *Definition {
	return &Definition{
		Type:         "r-upper",
		InputSchema:  schema.New(schema.Port{Name: "text", Type: schema.TypeText}),
		OutputSchema: schema.New(schema.Port{Name: "text", Type: schema.TypeText}),
		New:          func() Executor { return &reactiveUpper{fullRuns: fullRuns} },
	}
}

type reactiveUpper struct {
	fullRuns *atomic.Int32
}

func (e *reactiveUpper) Execute(_ context.Context, input Values, _ *RunContext) (Values, error) {
	if e.fullRuns != nil {
		e.fullRuns.Add(1)
	}
	return Values{"text": strings.ToUpper(input["text"].(string))}, nil
}

func (e *reactiveUpper) ExecuteReactive(_ context.Context, input Values, _ Values) (Values, error) {
	return Values{"text": strings.ToUpper(input["text"].(string))}, nil
}

func reactiveChain(t *testing.T, fullRuns *atomic.Int32) (*TaskGraph, *Task, *Task) {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(reactiveUpperDef(fullRuns)))

	a, err := reg.NewTask("r-upper", TaskConfig{ID: "a"})
	require.NoError(t, err)
	b, err := reg.NewTask("r-upper", TaskConfig{ID: "b"})
	require.NoError(t, err)
	a.BindInput(Values{"text": "hi"})

	g := NewTaskGraph()
	require.NoError(t, g.AddTask(a))
	require.NoError(t, g.AddTask(b))
	_, err = g.AddDataflow("a", "text", "b", "text")
	require.NoError(t, err)

	require.NoError(t, NewRunner(RunnerOptions{}).Run(context.Background(), g))
	require.Equal(t, Values{"text": "HI"}, b.Output())
	return g, a, b
}

func TestReactiveRunner_PropagatesChange(t *testing.T) {
	t.Parallel()

	var fullRuns atomic.Int32
	g, a, b := reactiveChain(t, &fullRuns)
	require.Equal(t, int32(2), fullRuns.Load())

	r := NewReactiveRunner(g)
	require.NoError(t, r.SetInput(context.Background(), "a", "text", "bye"))

	assert.Equal(t, Values{"text": "BYE"}, a.Output())
	assert.Equal(t, Values{"text": "BYE"}, b.Output())
	assert.Equal(t, int32(2), fullRuns.Load(), "reactive runs must not invoke execute")
	assert.Equal(t, StatusCompleted, a.Status(), "status never advances past prior completion")
	assert.Equal(t, StatusCompleted, b.Status())
}

func TestReactiveRunner_UnknownTaskOrPort(t *testing.T) {
	t.Parallel()

	g, _, _ := reactiveChain(t, nil)
	r := NewReactiveRunner(g)

	err := r.SetInput(context.Background(), "ghost", "text", "x")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	err = r.SetInput(context.Background(), "a", "nope", "x")
	assert.ErrorIs(t, err, ErrConfig)
}

func TestReactiveRunner_NonReactiveMarksStale(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	var fullRuns atomic.Int32
	require.NoError(t, reg.Register(reactiveUpperDef(&fullRuns)))
	// sideEffect has no ExecuteReactive.
	require.NoError(t, reg.Register(&Definition{
		Type:         "side-effect",
		InputSchema:  schema.New(schema.Port{Name: "text", Type: schema.TypeText}),
		OutputSchema: schema.New(schema.Port{Name: "text", Type: schema.TypeText}),
		New: func() Executor {
			return ExecutorFunc(func(_ context.Context, input Values, _ *RunContext) (Values, error) {
				return Values{"text": input["text"]}, nil
			})
		},
	}))

	a, _ := reg.NewTask("r-upper", TaskConfig{ID: "a"})
	b, _ := reg.NewTask("side-effect", TaskConfig{ID: "b"})
	c, _ := reg.NewTask("r-upper", TaskConfig{ID: "c"})
	a.BindInput(Values{"text": "hi"})

	g := NewTaskGraph()
	require.NoError(t, g.AddTask(a))
	require.NoError(t, g.AddTask(b))
	require.NoError(t, g.AddTask(c))
	_, err := g.AddDataflow("a", "text", "b", "text")
	require.NoError(t, err)
	_, err = g.AddDataflow("b", "text", "c", "text")
	require.NoError(t, err)

	require.NoError(t, NewRunner(RunnerOptions{}).Run(context.Background(), g))
	priorC := c.Output()

	r := NewReactiveRunner(g)
	require.NoError(t, r.SetInput(context.Background(), "a", "text", "bye"))

	assert.Equal(t, Values{"text": "BYE"}, a.Output(), "reactive head refreshes")
	assert.True(t, b.Stale(), "non-reactive task goes stale")
	assert.True(t, c.Stale(), "downstream of a stale task is stale too")
	assert.Equal(t, priorC, c.Output(), "stale outputs stay untouched")
}

func TestReactiveRunner_SkipsUncompletedTasks(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(reactiveUpperDef(nil)))

	a, _ := reg.NewTask("r-upper", TaskConfig{ID: "a"})
	g := NewTaskGraph()
	require.NoError(t, g.AddTask(a))

	// Never executed: reactive propagation must not run or change status.
	r := NewReactiveRunner(g)
	require.NoError(t, r.SetInput(context.Background(), "a", "text", "x"))
	assert.Equal(t, StatusPending, a.Status())
	assert.Nil(t, a.Output())
}

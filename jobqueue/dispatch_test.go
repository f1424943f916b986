package jobqueue

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/workflowgo/graph"
	"github.com/smallnest/workflowgo/log"
	"github.com/smallnest/workflowgo/schema"
	"github.com/smallnest/workflowgo/store/memory"
)

func durableRegistry(t *testing.T) *graph.Registry {
	t.Helper()
	reg := graph.NewRegistry()
	require.NoError(t, reg.Register(&graph.Definition{
		Type:         "shout",
		InputSchema:  schema.New(schema.Port{Name: "text", Type: schema.TypeText, Required: true}),
		OutputSchema: schema.New(schema.Port{Name: "text", Type: schema.TypeText}),
		New: func() graph.Executor {
			return graph.ExecutorFunc(func(_ context.Context, input graph.Values, rc *graph.RunContext) (graph.Values, error) {
				rc.UpdateProgress(50, "shouting", nil)
				return graph.Values{"text": strings.ToUpper(input["text"].(string))}, nil
			})
		},
	}))
	return reg
}

func TestTaskHandler_ExecutesRegisteredType(t *testing.T) {
	t.Parallel()

	st := memory.New()
	reg := durableRegistry(t)

	srv, err := NewServer(ServerOptions{Store: st, PollInterval: 10 * time.Millisecond, Logger: log.NopLogger{}})
	require.NoError(t, err)
	handler, err := TaskHandler(reg, "shout")
	require.NoError(t, err)
	srv.Register("shout-queue", handler)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)

	cli, err := NewClient(ClientOptions{Store: st, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	id, err := cli.Enqueue(context.Background(), "shout-queue", graph.Values{"text": "hi"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := cli.WaitFor(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"HI"}`, string(rec.Output))
}

func TestTaskHandler_MissingRequiredInput(t *testing.T) {
	t.Parallel()

	reg := durableRegistry(t)
	handler, err := TaskHandler(reg, "shout")
	require.NoError(t, err)

	_, err = handler.Execute(context.Background(), &Execution{ID: "j", Queue: "q"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required task input")
}

func TestTaskHandler_UnknownType(t *testing.T) {
	t.Parallel()

	_, err := TaskHandler(graph.NewRegistry(), "ghost")
	assert.Error(t, err)
}

func TestTaskDispatcher_RoutesGraphTaskThroughQueue(t *testing.T) {
	t.Parallel()

	st := memory.New()
	reg := durableRegistry(t)

	srv, err := NewServer(ServerOptions{Store: st, PollInterval: 10 * time.Millisecond, Logger: log.NopLogger{}})
	require.NoError(t, err)
	handler, err := TaskHandler(reg, "shout")
	require.NoError(t, err)
	srv.Register("shout-queue", handler)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Stop)

	cli, err := NewClient(ClientOptions{Store: st, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	task, err := reg.NewTask("shout", graph.TaskConfig{ID: "durable", Queue: "shout-queue"})
	require.NoError(t, err)
	task.BindInput(graph.Values{"text": "deep"})

	g := graph.NewTaskGraph()
	require.NoError(t, g.AddTask(task))

	runner := graph.NewRunner(graph.RunnerOptions{Dispatch: TaskDispatcher(cli)})
	require.NoError(t, runner.Run(context.Background(), g))

	assert.Equal(t, graph.StatusCompleted, task.Status())
	assert.Equal(t, "DEEP", task.Output()["text"])
}

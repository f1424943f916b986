package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/smallnest/workflowgo/graph"
	"github.com/smallnest/workflowgo/store"
)

// TaskDispatcher returns a graph.DispatchFunc that runs queue-routed tasks
// as durable jobs: the input is enqueued on the task's configured queue and
// the call blocks until the job reaches a terminal state. Cancelling ctx
// aborts the job.
func TaskDispatcher(cli *Client) graph.DispatchFunc {
	return func(ctx context.Context, t *graph.Task, input graph.Values) (graph.Values, error) {
		jobID, err := cli.Enqueue(ctx, t.Config().Queue, input)
		if err != nil {
			return nil, err
		}

		rec, err := cli.WaitFor(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				// Best-effort abort so the worker stops too.
				_ = cli.Abort(context.WithoutCancel(ctx), jobID)
			}
			return nil, err
		}

		if rec.Status != store.JobCompleted {
			return nil, fmt.Errorf("job %s failed: %s", jobID, rec.LastError)
		}
		var out graph.Values
		if len(rec.Output) > 0 {
			if err := json.Unmarshal(rec.Output, &out); err != nil {
				return nil, fmt.Errorf("decode job output: %w", err)
			}
		}
		return out, nil
	}
}

// TaskHandler adapts a registered task type into a queue handler: the job
// payload is the task input, the job output is the task output. Progress
// reported by the executor lands on the job record.
func TaskHandler(registry *graph.Registry, taskType string) (Handler, error) {
	def, ok := registry.Get(taskType)
	if !ok {
		return nil, fmt.Errorf("jobqueue: task type %s not registered", taskType)
	}
	return HandlerFunc(func(ctx context.Context, exec *Execution) (json.RawMessage, error) {
		var input graph.Values
		if len(exec.Input) > 0 {
			if err := exec.Bind(&input); err != nil {
				return nil, fmt.Errorf("decode task input: %w", err)
			}
		}
		if s := def.InputSchema; s != nil {
			for _, p := range s.Ports() {
				if p.Required && input[p.Name] == nil {
					return nil, fmt.Errorf("required task input %s missing", p.Name)
				}
			}
		}

		t, err := registry.NewTask(taskType, graph.TaskConfig{})
		if err != nil {
			return nil, err
		}
		rc := graph.NewRunContext(func(progress int, message string, _ any) {
			exec.UpdateProgress(progress, message)
		})

		out, err := t.Executor().Execute(ctx, input, rc)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}), nil
}

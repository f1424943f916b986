package graph

import (
	"fmt"
	"reflect"
	"sort"
)

// arrayInputs returns the replicated input ports bound to array values,
// keyed by port name. A replicated port bound to a scalar stays scalar.
func arrayInputs(t *Task, input Values) map[string][]any {
	out := make(map[string][]any)
	for _, p := range t.InputSchema().ReplicatedPorts() {
		v, ok := input[p.Name]
		if !ok {
			continue
		}
		if arr, ok := toSlice(v); ok {
			out[p.Name] = arr
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// toSlice converts array-shaped values to []any.
func toSlice(v any) ([]any, bool) {
	if arr, ok := v.([]any); ok {
		return arr, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		// []byte is a scalar blob, not a replication source.
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// expandTask builds the array-mode subgraph: one child per combination of
// the Cartesian product over the replicated array inputs, ordered
// lexicographically over (port name, index). Non-replicated inputs
// broadcast unchanged. Returns the subgraph and the ordered child ids.
func expandTask(t *Task, input Values, arrays map[string][]any) (*TaskGraph, []string, error) {
	ports := make([]string, 0, len(arrays))
	for p := range arrays {
		ports = append(ports, p)
	}
	sort.Strings(ports)

	combos := cartesian(ports, arrays)

	sub := NewTaskGraph()
	ids := make([]string, 0, len(combos))
	for i, combo := range combos {
		childInput := input.Clone()
		for port, v := range combo {
			childInput[port] = v
		}
		child := newTask(t.def, TaskConfig{
			ID:    fmt.Sprintf("%s_child_%d", t.ID(), i),
			Name:  fmt.Sprintf("%s[%d]", t.config.Name, i),
			Retry: t.config.Retry,
			Queue: t.config.Queue,
		})
		child.parentID = t.ID()
		child.setInput(childInput)
		if err := sub.AddTask(child); err != nil {
			return nil, nil, err
		}
		ids = append(ids, child.ID())
	}
	return sub, ids, nil
}

// cartesian enumerates the product over the ports in order; the first
// port's index is most significant, so identical inputs always yield
// identical child order.
func cartesian(ports []string, arrays map[string][]any) []Values {
	if len(ports) == 0 {
		return nil
	}
	total := 1
	for _, p := range ports {
		total *= len(arrays[p])
	}
	if total == 0 {
		return nil
	}

	combos := make([]Values, 0, total)
	indices := make([]int, len(ports))
	for {
		combo := make(Values, len(ports))
		for i, p := range ports {
			combo[p] = arrays[p][indices[i]]
		}
		combos = append(combos, combo)

		// Advance the odometer, last port fastest.
		pos := len(ports) - 1
		for pos >= 0 {
			indices[pos]++
			if indices[pos] < len(arrays[ports[pos]]) {
				break
			}
			indices[pos] = 0
			pos--
		}
		if pos < 0 {
			break
		}
	}
	return combos
}

// mergeChildOutputs is the default array-mode merge: replicated output
// ports concatenate child values in child order, scalar ports take the
// first child's value. Executors implementing MergeExecutor override it.
func mergeChildOutputs(t *Task, input Values, childOutputs []Values) (Values, error) {
	if merger, ok := t.exec.(MergeExecutor); ok {
		return merger.ExecuteMerge(input, childOutputs)
	}

	out := make(Values)
	for _, p := range t.OutputSchema().Ports() {
		if p.Replicate {
			arr := make([]any, 0, len(childOutputs))
			for _, child := range childOutputs {
				if v, ok := child[p.Name]; ok {
					arr = append(arr, v)
				}
			}
			out[p.Name] = arr
			continue
		}
		if len(childOutputs) > 0 {
			if v, ok := childOutputs[0][p.Name]; ok {
				out[p.Name] = v
			}
		}
	}
	return out, nil
}

// emptyArrayOutput is the result for a replicated input that arrived as an
// empty array: empty arrays on replicated output ports, nothing else.
func emptyArrayOutput(t *Task) Values {
	out := make(Values)
	for _, p := range t.OutputSchema().Ports() {
		if p.Replicate {
			out[p.Name] = []any{}
		}
	}
	return out
}

package graph

import (
	"encoding/json"
	"fmt"

	"github.com/smallnest/workflowgo/schema"
)

// StreamEventType tags the variants of a StreamEvent.
type StreamEventType string

const (
	// StreamTextDelta carries an incremental text fragment.
	StreamTextDelta StreamEventType = "text-delta"
	// StreamSnapshot carries a full replacement value.
	StreamSnapshot StreamEventType = "snapshot"
	// StreamFinish closes the stream with the aggregate output.
	StreamFinish StreamEventType = "finish"
	// StreamErr aborts the stream with an error.
	StreamErr StreamEventType = "error"
)

// StreamEvent is one chunk flowing across a streaming edge.
type StreamEvent struct {
	Type StreamEventType

	// TextDelta is set for StreamTextDelta events.
	TextDelta string

	// Data is set for StreamSnapshot and StreamFinish events.
	Data Values

	// Err is set for StreamErr events.
	Err error
}

// streamEventWire is the compact tagged serialization of a StreamEvent.
type streamEventWire struct {
	Type      StreamEventType `json:"type"`
	TextDelta string          `json:"textDelta,omitempty"`
	Data      Values          `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	w := streamEventWire{Type: e.Type, TextDelta: e.TextDelta, Data: e.Data}
	if e.Err != nil {
		w.Error = e.Err.Error()
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *StreamEvent) UnmarshalJSON(data []byte) error {
	var w streamEventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Type = w.Type
	e.TextDelta = w.TextDelta
	e.Data = w.Data
	if w.Error != "" {
		e.Err = fmt.Errorf("%s", w.Error)
	} else {
		e.Err = nil
	}
	return nil
}

// Stream is a live chunk sequence bound to a port value. Pass-through
// streaming edges deliver a *Stream to the consumer, which ranges over C
// until it closes.
type Stream struct {
	// C yields events until the stream finishes or errors.
	C <-chan StreamEvent
}

// Accumulator folds stream events into materialized port values according
// to each port's stream mode.
type Accumulator struct {
	schema *schema.Schema
	text   map[string]string
	data   Values
}

// NewAccumulator creates an accumulator for the given output schema.
func NewAccumulator(s *schema.Schema) *Accumulator {
	return &Accumulator{
		schema: s,
		text:   make(map[string]string),
		data:   make(Values),
	}
}

// Apply folds one event. Deltas append to every append-mode port; snapshot
// and finish events overwrite the ports they carry, leaving other ports as
// they were.
func (a *Accumulator) Apply(ev StreamEvent) {
	switch ev.Type {
	case StreamTextDelta:
		for _, p := range a.schema.Ports() {
			if p.Stream == schema.StreamAppend {
				a.text[p.Name] += ev.TextDelta
			}
		}
	case StreamSnapshot:
		for k, v := range ev.Data {
			a.data[k] = v
		}
	case StreamFinish:
		for k, v := range ev.Data {
			a.data[k] = v
		}
	}
}

// Values materializes the accumulated state. Finish/snapshot data wins over
// accumulated text for the same port.
func (a *Accumulator) Values() Values {
	out := make(Values, len(a.data)+len(a.text))
	for k, v := range a.text {
		out[k] = v
	}
	for k, v := range a.data {
		out[k] = v
	}
	return out
}

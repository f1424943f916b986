package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func textPort(name string, mode StreamMode) Port {
	return Port{Name: name, Type: TypeText, Stream: mode}
}

func TestSchema_OrderAndLookup(t *testing.T) {
	t.Parallel()

	s := New(
		Port{Name: "b", Type: TypeNumber},
		Port{Name: "a", Type: TypeText},
		Port{Name: "b", Type: TypeText}, // duplicate, dropped
	)

	assert.Equal(t, []string{"b", "a"}, s.Names())

	p, ok := s.Port("b")
	assert.True(t, ok)
	assert.Equal(t, TypeNumber, p.Type)

	_, ok = s.Port("missing")
	assert.False(t, ok)
}

func TestSchema_ReplicatedPorts(t *testing.T) {
	t.Parallel()

	s := New(
		Port{Name: "a", Type: TypeNumber, Replicate: true},
		Port{Name: "b", Type: TypeNumber},
		Port{Name: "c", Type: TypeText, Replicate: true},
	)

	reps := s.ReplicatedPorts()
	assert.Len(t, reps, 2)
	assert.Equal(t, "a", reps[0].Name)
	assert.Equal(t, "c", reps[1].Name)
}

func TestPortStreamMode(t *testing.T) {
	t.Parallel()

	s := New(
		textPort("plain", ""),
		textPort("delta", StreamAppend),
	)

	assert.Equal(t, StreamNone, PortStreamMode(s, "plain"))
	assert.Equal(t, StreamAppend, PortStreamMode(s, "delta"))
	assert.Equal(t, StreamNone, PortStreamMode(s, "missing"))
	assert.Equal(t, StreamNone, PortStreamMode(nil, "x"))
}

func TestOutputStreamMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		s    *Schema
		want StreamMode
	}{
		{"nil schema", nil, StreamNone},
		{"no streaming ports", New(textPort("a", "")), StreamNone},
		{"replace only", New(textPort("a", StreamReplace)), StreamReplace},
		{"append wins", New(textPort("a", StreamReplace), textPort("b", StreamAppend)), StreamAppend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OutputStreamMode(tt.s))
		})
	}
}

func TestEdgeNeedsAccumulation(t *testing.T) {
	t.Parallel()

	src := New(textPort("out", StreamAppend))
	plainSink := New(textPort("in", ""))
	appendSink := New(textPort("in", StreamAppend))
	nonStreamSrc := New(textPort("out", ""))

	assert.True(t, EdgeNeedsAccumulation(src, "out", plainSink, "in"),
		"append source into none sink needs accumulation")
	assert.False(t, EdgeNeedsAccumulation(src, "out", appendSink, "in"),
		"matching modes pass through")
	assert.False(t, EdgeNeedsAccumulation(nonStreamSrc, "out", plainSink, "in"),
		"non-streaming source never accumulates")
}

func TestSchema_Defaults(t *testing.T) {
	t.Parallel()

	s := New(
		Port{Name: "a", Type: TypeNumber, Default: 5},
		Port{Name: "b", Type: TypeText},
	)

	d := s.Defaults()
	assert.Equal(t, map[string]any{"a": 5}, d)
}

// Package schema describes task ports: their types, defaults, replication
// hints and streaming behavior. Schemas are plain data consumed by the graph
// runtime; they carry no validation logic of their own.
package schema

// StreamMode describes how chunk events compose into a port value.
type StreamMode string

const (
	// StreamNone means the port carries one full value per run.
	StreamNone StreamMode = "none"
	// StreamAppend means delta chunks accumulate into the port value.
	StreamAppend StreamMode = "append"
	// StreamReplace means snapshot chunks replace the port value.
	StreamReplace StreamMode = "replace"
)

// PortType is the declared value type of a port.
type PortType string

const (
	TypeText    PortType = "text"
	TypeNumber  PortType = "number"
	TypeBoolean PortType = "boolean"
	TypeObject  PortType = "object"
	TypeArray   PortType = "array"
	TypeAny     PortType = "any"
)

// Port describes one named input or output of a task.
type Port struct {
	// Name is the port identifier, unique within a schema.
	Name string `json:"name"`

	// Type is the declared value type.
	Type PortType `json:"type"`

	// Default is used when no value is bound to the port.
	Default any `json:"default,omitempty"`

	// Required marks ports that must be bound before execution.
	Required bool `json:"required,omitempty"`

	// Replicate marks an input port that fans the task out when it
	// receives an array value.
	Replicate bool `json:"replicate,omitempty"`

	// Stream is the port's streaming mode. Empty means StreamNone.
	Stream StreamMode `json:"stream,omitempty"`
}

// Schema is an ordered set of ports. Order matters for deterministic
// iteration (array expansion, merging, visualization).
type Schema struct {
	ports []Port
	index map[string]int
}

// New builds a schema from the given ports. Duplicate names keep the first
// declaration.
func New(ports ...Port) *Schema {
	s := &Schema{index: make(map[string]int, len(ports))}
	for _, p := range ports {
		if _, dup := s.index[p.Name]; dup {
			continue
		}
		s.index[p.Name] = len(s.ports)
		s.ports = append(s.ports, p)
	}
	return s
}

// Ports returns the ports in declaration order.
func (s *Schema) Ports() []Port {
	if s == nil {
		return nil
	}
	out := make([]Port, len(s.ports))
	copy(out, s.ports)
	return out
}

// Port looks up a port by name.
func (s *Schema) Port(name string) (Port, bool) {
	if s == nil {
		return Port{}, false
	}
	i, ok := s.index[name]
	if !ok {
		return Port{}, false
	}
	return s.ports[i], true
}

// Has reports whether the schema declares the named port.
func (s *Schema) Has(name string) bool {
	_, ok := s.Port(name)
	return ok
}

// Names returns the port names in declaration order.
func (s *Schema) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, len(s.ports))
	for i, p := range s.ports {
		names[i] = p.Name
	}
	return names
}

// ReplicatedPorts returns the ports flagged for replication, in order.
func (s *Schema) ReplicatedPorts() []Port {
	if s == nil {
		return nil
	}
	var out []Port
	for _, p := range s.ports {
		if p.Replicate {
			out = append(out, p)
		}
	}
	return out
}

// PortStreamMode returns the stream mode of the named port; missing ports
// and unset modes report StreamNone.
func PortStreamMode(s *Schema, port string) StreamMode {
	p, ok := s.Port(port)
	if !ok || p.Stream == "" {
		return StreamNone
	}
	return p.Stream
}

// OutputStreamMode collapses a schema's port modes into one: append wins
// over replace, replace wins over none.
func OutputStreamMode(s *Schema) StreamMode {
	if s == nil {
		return StreamNone
	}
	mode := StreamNone
	for _, p := range s.ports {
		switch p.Stream {
		case StreamAppend:
			return StreamAppend
		case StreamReplace:
			mode = StreamReplace
		}
	}
	return mode
}

// EdgeNeedsAccumulation reports whether a streaming edge must be materialized
// before the target can consume it: true iff the source port streams and the
// target port's mode differs from the source's.
func EdgeNeedsAccumulation(src *Schema, srcPort string, tgt *Schema, tgtPort string) bool {
	srcMode := PortStreamMode(src, srcPort)
	if srcMode == StreamNone {
		return false
	}
	return PortStreamMode(tgt, tgtPort) != srcMode
}

// Defaults returns a map of port name to default value for every port that
// declares one.
func (s *Schema) Defaults() map[string]any {
	if s == nil {
		return nil
	}
	out := make(map[string]any)
	for _, p := range s.ports {
		if p.Default != nil {
			out[p.Name] = p.Default
		}
	}
	return out
}

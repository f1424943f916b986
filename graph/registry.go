package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/smallnest/workflowgo/schema"
)

// Definition describes a registered task type: its schemas, capabilities
// and executor constructor.
type Definition struct {
	// Type is the unique registration key.
	Type string

	// Title and Description label the type for UIs.
	Title       string
	Description string

	// Category groups related types.
	Category string

	// Cacheable allows the runner to reuse outputs by input fingerprint.
	Cacheable bool

	// Streamable declares that instances implement StreamExecutor.
	Streamable bool

	// InputSchema and OutputSchema declare the ports.
	InputSchema  *schema.Schema
	OutputSchema *schema.Schema

	// New constructs a fresh executor instance per task.
	New func() Executor
}

// Registry maps task type strings to definitions. Method tables (Execute,
// ExecuteReactive, ExecuteStream, ExecuteMerge) resolve through interface
// assertions on the constructed executor.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition. Re-registering a type replaces it.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Type == "" {
		return fmt.Errorf("%w: definition needs a type", ErrConfig)
	}
	if def.New == nil {
		return fmt.Errorf("%w: definition %s needs a constructor", ErrConfig, def.Type)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Type] = def
	return nil
}

// Get returns the definition for a type.
func (r *Registry) Get(taskType string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[taskType]
	return def, ok
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// NewTask constructs a task of the given type.
func (r *Registry) NewTask(taskType string, cfg TaskConfig) (*Task, error) {
	def, ok := r.Get(taskType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTypeNotRegistered, taskType)
	}
	return newTask(def, cfg), nil
}

// defaultRegistry is the process-wide registry. Tests and embedders can
// swap it or carry their own Registry instances.
var (
	defaultRegistry   = NewRegistry()
	defaultRegistryMu sync.RWMutex
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	defaultRegistryMu.RLock()
	defer defaultRegistryMu.RUnlock()
	return defaultRegistry
}

// SetDefaultRegistry replaces the process-wide registry.
func SetDefaultRegistry(r *Registry) {
	defaultRegistryMu.Lock()
	defer defaultRegistryMu.Unlock()
	defaultRegistry = r
}

// RegisterType registers a definition on the process-wide registry.
func RegisterType(def *Definition) error {
	return DefaultRegistry().Register(def)
}

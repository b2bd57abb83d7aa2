// Package tools holds the capability-addressed tool executors.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xiaot623/conductor/internal/domain"
)

// ExecutorFunc defines a tool executor.
type ExecutorFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

type entry struct {
	spec domain.ToolSpec
	exec ExecutorFunc
}

// Registry stores tool executors keyed by tool name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// DefaultRegistry holds the builtin tools.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty tool executor registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]entry),
	}
}

// Register adds a new executor for a tool.
func (r *Registry) Register(spec domain.ToolSpec, exec ExecutorFunc) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if spec.Name == domain.DelegateToolName {
		return fmt.Errorf("tool name %q is reserved", spec.Name)
	}
	if exec == nil {
		return fmt.Errorf("executor is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[spec.Name]; exists {
		return fmt.Errorf("executor already registered for %s", spec.Name)
	}
	r.entries[spec.Name] = entry{spec: spec, exec: exec}
	return nil
}

// Execute runs the executor for the tool name.
func (r *Registry) Execute(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error) {
	if toolName == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	r.mu.RLock()
	e, ok := r.entries[toolName]
	r.mu.RUnlock()
	if !ok {
		return nil, &domain.ToolError{Code: domain.ToolErrorCodeUnknownTool, Message: "no executor registered for " + toolName}
	}
	return e.exec(ctx, args)
}

// Spec returns the registered spec of a tool.
func (r *Registry) Spec(toolName string) (domain.ToolSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[toolName]
	return e.spec, ok
}

// List returns all registered specs ordered by name.
func (r *Registry) List() []domain.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]domain.ToolSpec, 0, len(r.entries))
	for _, e := range r.entries {
		specs = append(specs, e.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Clone copies the registry so callers can add tools without touching the
// original.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := NewRegistry()
	for name, e := range r.entries {
		c.entries[name] = e
	}
	return c
}

// Register adds an executor to the default registry.
func Register(spec domain.ToolSpec, exec ExecutorFunc) error {
	return DefaultRegistry.Register(spec, exec)
}

// MustRegister adds an executor to the default registry or panics.
func MustRegister(spec domain.ToolSpec, exec ExecutorFunc) {
	if err := Register(spec, exec); err != nil {
		panic(err)
	}
}

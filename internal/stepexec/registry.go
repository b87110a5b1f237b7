// Package stepexec is the Step Executor Registry (spec.md §4.2): a map,
// filled at startup, from step kind to the implementation that runs it, a
// mutex-guarded map keyed by pipeline.StepType with Register/Get/List,
// returning a ports.StepExecutor for each registered kind.
package stepexec

import (
	"fmt"
	"sync"

	"github.com/chengis/chengis/internal/cherrors"
	"github.com/chengis/chengis/internal/domain/pipeline"
	"github.com/chengis/chengis/internal/ports"
)

// Registry implements ports.StepExecutorRegistry.
type Registry struct {
	mu        sync.RWMutex
	executors map[pipeline.StepType]ports.StepExecutor
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[pipeline.StepType]ports.StepExecutor)}
}

// Register binds kind to executor. Re-registering the same kind overwrites
// the previous binding, which lets tests swap in fakes without a full
// registry rebuild.
func (r *Registry) Register(kind pipeline.StepType, executor ports.StepExecutor) error {
	if executor == nil {
		return cherrors.New(cherrors.CodeValidation, fmt.Sprintf("nil executor for step kind %q", kind))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[kind] = executor
	return nil
}

// Get resolves the executor for kind.
func (r *Registry) Get(kind pipeline.StepType) (ports.StepExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[kind]
	if !ok {
		return nil, cherrors.New(cherrors.CodeValidation, fmt.Sprintf("no executor registered for step kind %q", kind))
	}
	return exec, nil
}

// List returns the registered step kinds.
func (r *Registry) List() []pipeline.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]pipeline.StepType, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	return kinds
}

var _ ports.StepExecutorRegistry = (*Registry)(nil)

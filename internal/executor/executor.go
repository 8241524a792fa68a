// Package executor defines the execution-provider boundary: the single
// external capability the scheduler consumes. Worker-type tags are resolved
// to providers at registration time, so an unknown tag fails at submission
// instead of mid-run.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/odgrim/abathur-swarm-sub017/internal/task"
)

// ErrUnknownWorkerType is returned when no provider serves a tag.
var ErrUnknownWorkerType = errors.New("no provider registered for worker type")

// Provider performs a task's work. Implementations must respect ctx: the
// orchestrator enforces per-invocation timeouts through it.
type Provider interface {
	// Execute runs the task and returns its result payload.
	Execute(ctx context.Context, t *task.Task) (string, error)
}

// Func adapts a plain function to the Provider interface.
type Func func(ctx context.Context, t *task.Task) (string, error)

// Execute implements Provider.
func (f Func) Execute(ctx context.Context, t *task.Task) (string, error) {
	return f(ctx, t)
}

// Registry maps worker-type tags to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register binds a worker type to a provider. Rebinding an existing tag
// is an error; the mapping is fixed at wiring time.
func (r *Registry) Register(workerType string, p Provider) error {
	if workerType == "" {
		return errors.New("worker type is required")
	}
	if p == nil {
		return errors.New("provider is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[workerType]; exists {
		return fmt.Errorf("worker type %q already registered", workerType)
	}
	r.providers[workerType] = p
	return nil
}

// Resolve returns the provider for a worker type.
func (r *Registry) Resolve(workerType string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[workerType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkerType, workerType)
	}
	return p, nil
}

// Validate reports whether a worker type is registered. Shaped for
// queue.WithWorkerTypeValidator.
func (r *Registry) Validate(workerType string) error {
	_, err := r.Resolve(workerType)
	return err
}

// Types returns the registered worker types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

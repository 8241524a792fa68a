package executor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/odgrim/abathur-swarm-sub017/internal/task"
)

// ErrTimeout marks an invocation that exceeded its deadline. The
// orchestrator treats it like any other provider failure.
var ErrTimeout = errors.New("execution timed out")

// Runner executes tasks through the registry with an enforced timeout and
// a per-worker-type circuit breaker, so one misbehaving provider cannot
// burn the whole swarm's retry budget.
type Runner struct {
	registry *Registry
	timeout  time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRunner creates a runner. timeout bounds each invocation; <= 0 means
// no deadline is imposed.
func NewRunner(registry *Registry, timeout time.Duration) *Runner {
	return &Runner{
		registry: registry,
		timeout:  timeout,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Run resolves the task's provider and executes it under the timeout and
// the worker type's circuit breaker.
func (r *Runner) Run(ctx context.Context, t *task.Task) (string, error) {
	p, err := r.registry.Resolve(t.WorkerType)
	if err != nil {
		return "", err
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cb := r.breaker(t.WorkerType)
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Execute(ctx, t)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", ErrTimeout
		}
		return "", err
	}
	return result.(string), nil
}

// breaker returns the circuit breaker for a worker type, creating it on
// first use.
func (r *Runner) breaker(workerType string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[workerType]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        workerType,
		MaxRequests: 3, // Test requests allowed in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Caller-initiated cancellation is not a provider failure.
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			return false
		},
	})

	r.breakers[workerType] = cb
	return cb
}

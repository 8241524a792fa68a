// Package orchestrator drives the swarm: it claims ready tasks under a
// concurrency bound, executes them through the provider runner, reports
// outcomes back to the queue, and shuts down gracefully.
package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/odgrim/abathur-swarm-sub017/internal/events"
	"github.com/odgrim/abathur-swarm-sub017/internal/executor"
	"github.com/odgrim/abathur-swarm-sub017/internal/persistence"
	"github.com/odgrim/abathur-swarm-sub017/internal/queue"
	"github.com/odgrim/abathur-swarm-sub017/internal/task"
)

// Config configures a swarm run.
type Config struct {
	// MaxConcurrent bounds in-flight task executions (default 4).
	MaxConcurrent int
	// TaskLimit caps reported outcomes for the run. nil runs until the
	// queue drains; zero claims nothing and returns immediately.
	TaskLimit *int
	// PollInterval is the wait between claim attempts when no task is
	// claimable (default 200ms).
	PollInterval time.Duration
}

// Stats summarizes a finished run.
type Stats struct {
	RunID     string
	Completed int // successful outcomes
	Failed    int // permanent-failure outcomes
	Claimed   int
}

// Outcomes is the limit-relevant count: successes plus permanent failures.
func (s Stats) Outcomes() int { return s.Completed + s.Failed }

// Orchestrator consumes the queue under a semaphore of size MaxConcurrent.
type Orchestrator struct {
	queue  *queue.Service
	runner *executor.Runner
	store  persistence.Store
	bus    *events.Bus
	cfg    Config

	mu       sync.Mutex
	stats    Stats
	inflight int
}

// New creates an orchestrator.
func New(q *queue.Service, r *executor.Runner, store persistence.Store, cfg Config) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	return &Orchestrator{queue: q, runner: r, store: store, cfg: cfg}
}

// SetBus attaches an event bus for outcome events.
func (o *Orchestrator) SetBus(b *events.Bus) { o.bus = b }

// Run executes the claim loop until the task limit is reached, the queue
// drains, or ctx is cancelled. It always awaits in-flight tasks and writes
// a final checkpoint before returning.
//
// The limit counts reported outcomes (successes plus permanent failures),
// never claims: a retryable failure releases its slot without consuming
// limit budget, and claims are additionally gated on outcomes + in-flight
// so a wide concurrency window cannot overshoot the cap.
func (o *Orchestrator) Run(ctx context.Context) (Stats, error) {
	if o.cfg.TaskLimit != nil && *o.cfg.TaskLimit == 0 {
		return Stats{}, nil
	}

	// Tasks left Running by a previous process are claimable again.
	if recovered, err := o.store.RecoverRunning(ctx); err != nil {
		return Stats{}, err
	} else if recovered > 0 {
		log.Printf("recovered %d orphaned running task(s)", recovered)
	}

	runID := uuid.NewString()
	startedAt := time.Now().UTC()
	if err := o.store.StartRun(ctx, runID, startedAt); err != nil {
		return Stats{}, err
	}
	o.mu.Lock()
	o.stats = Stats{RunID: runID}
	o.mu.Unlock()

	sem := semaphore.NewWeighted(int64(o.cfg.MaxConcurrent))
	var wg sync.WaitGroup
	var loopErr error

	for {
		if ctx.Err() != nil {
			break
		}
		if o.limitReached() {
			break
		}
		if o.limitCovered() {
			// Enough work in flight to satisfy the cap; claiming more
			// would risk exceeding it.
			if !o.sleep(ctx) {
				break
			}
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		t, err := o.queue.ClaimNext(ctx)
		if errors.Is(err, queue.ErrNoReadyTask) {
			sem.Release(1)
			done, serr := o.idle(ctx)
			if serr != nil {
				loopErr = serr
				break
			}
			if done {
				break
			}
			continue
		}
		if err != nil {
			sem.Release(1)
			loopErr = err
			break
		}

		o.mu.Lock()
		o.stats.Claimed++
		o.inflight++
		o.mu.Unlock()

		wg.Add(1)
		go func(t *task.Task) {
			defer wg.Done()
			defer sem.Release(1)
			defer func() {
				o.mu.Lock()
				o.inflight--
				o.mu.Unlock()
			}()
			o.execute(ctx, t)
		}(t)
	}

	// Graceful shutdown: no new claims, but every in-flight task is
	// awaited before the final checkpoint.
	wg.Wait()

	o.mu.Lock()
	stats := o.stats
	o.mu.Unlock()

	// Final checkpoint must land even when ctx is already cancelled.
	ckptCtx := context.WithoutCancel(ctx)
	if err := o.store.FinalizeRun(ckptCtx, runID, stats.Completed, stats.Failed, time.Now().UTC()); err != nil {
		log.Printf("ERROR: failed to write final checkpoint for run %s: %v", runID, err)
		if loopErr == nil {
			loopErr = err
		}
	}
	return stats, loopErr
}

// idle handles an empty claim: with nothing in flight it sweeps, then
// decides whether the queue is drained of eligible work.
func (o *Orchestrator) idle(ctx context.Context) (done bool, err error) {
	o.mu.Lock()
	inflight := o.inflight
	o.mu.Unlock()

	if inflight > 0 {
		// Completions may unblock dependents; just wait.
		o.sleep(ctx)
		return false, nil
	}

	promoted, _, err := o.queue.Sweep(ctx)
	if err != nil {
		return false, err
	}
	if promoted > 0 {
		return false, nil
	}

	stats, err := o.queue.QueueStats(ctx)
	if err != nil {
		return false, err
	}
	eligible := stats.Counts[task.StatusReady] +
		stats.Counts[task.StatusPending] +
		stats.Counts[task.StatusRunning]
	if eligible == 0 {
		return true, nil
	}

	o.sleep(ctx)
	return false, nil
}

// execute runs one claimed task and reports its outcome. Outcome reporting
// uses a cancellation-free context so shutdown cannot lose a result that
// the provider already produced.
func (o *Orchestrator) execute(ctx context.Context, t *task.Task) {
	result, err := o.runner.Run(ctx, t)

	reportCtx := context.WithoutCancel(ctx)

	if err != nil && ctx.Err() != nil {
		// Shutdown interrupted the provider. Leave the task Running;
		// restart recovery demotes it back to Ready, so the work is
		// neither lost nor double-counted.
		log.Printf("task %s interrupted by shutdown: %v", t.ID, err)
		return
	}

	if err == nil {
		if cerr := o.queue.Complete(reportCtx, t.ID, result); cerr != nil {
			if errors.Is(cerr, persistence.ErrConflict) {
				// Cancelled while running; discard the result.
				log.Printf("task %s cancelled during execution, result discarded", t.ID)
				return
			}
			log.Printf("ERROR: failed to record completion of %s: %v", t.ID, cerr)
			return
		}
		o.recordOutcome(reportCtx, t.ID, true)
		return
	}

	permanent, ferr := o.queue.Fail(reportCtx, t.ID, err.Error())
	if ferr != nil {
		if errors.Is(ferr, persistence.ErrConflict) || errors.Is(ferr, task.ErrInvalidTransition) {
			log.Printf("task %s cancelled during execution, failure discarded", t.ID)
			return
		}
		log.Printf("ERROR: failed to record failure of %s: %v", t.ID, ferr)
		return
	}
	if permanent {
		o.recordOutcome(reportCtx, t.ID, false)
	}
}

// recordOutcome increments the outcome counters and checkpoints the run.
// This is the one place the task-limit counter moves: on reported outcome,
// never on claim or spawn.
func (o *Orchestrator) recordOutcome(ctx context.Context, taskID string, success bool) {
	o.mu.Lock()
	if success {
		o.stats.Completed++
	} else {
		o.stats.Failed++
	}
	stats := o.stats
	o.mu.Unlock()

	if o.bus != nil {
		o.bus.Publish(events.OutcomeEvent{
			ID: taskID, Success: success,
			Outcomes: stats.Outcomes(), Timestamp: time.Now().UTC(),
		})
	}

	if err := o.store.FinalizeRun(ctx, stats.RunID, stats.Completed, stats.Failed, time.Now().UTC()); err != nil {
		log.Printf("WARNING: failed to checkpoint run %s: %v", stats.RunID, err)
	}
}

func (o *Orchestrator) limitReached() bool {
	if o.cfg.TaskLimit == nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats.Outcomes() >= *o.cfg.TaskLimit
}

func (o *Orchestrator) limitCovered() bool {
	if o.cfg.TaskLimit == nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats.Outcomes()+o.inflight >= *o.cfg.TaskLimit
}

// sleep waits one poll interval; returns false if ctx ended first.
func (o *Orchestrator) sleep(ctx context.Context) bool {
	timer := time.NewTimer(o.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/odgrim/abathur-swarm-sub017/internal/events"
	"github.com/odgrim/abathur-swarm-sub017/internal/persistence"
	"github.com/odgrim/abathur-swarm-sub017/internal/task"
)

// Complete records a successful outcome: the task moves Running ->
// Completed and, atomically with it, every direct dependent whose
// prerequisites are now all met is promoted Blocked -> Ready.
func (s *Service) Complete(ctx context.Context, taskID, result string) error {
	now := s.now().UTC()
	promoted, err := s.store.Complete(ctx, taskID, result, now)
	if err != nil {
		return err
	}

	s.publish(events.TransitionEvent{
		ID: taskID, From: task.StatusRunning, To: task.StatusCompleted,
		Detail: "completed", Timestamp: now,
	})

	// Promotion changed what is claimable; refresh promoted scores.
	for _, id := range promoted {
		s.rescore(ctx, id, now)
		s.publish(events.TransitionEvent{
			ID: id, From: task.StatusBlocked, To: task.StatusReady,
			Detail: "unblocked by " + taskID, Timestamp: now,
		})
	}
	return nil
}

// Fail records a failed attempt. Under max_retries the task re-enters
// scheduling as Pending with an exponential eligibility delay; otherwise it
// becomes permanently Failed and the configured failure policy is applied
// to its dependents. Returns whether the failure was permanent.
func (s *Service) Fail(ctx context.Context, taskID, reason string) (permanent bool, err error) {
	now := s.now().UTC()
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if t.Status != task.StatusRunning {
		return false, fmt.Errorf("%w: fail of %s in status %s",
			task.ErrInvalidTransition, taskID, t.Status)
	}

	t.LastError = reason
	t.UpdatedAt = now

	if t.RetryCount < t.MaxRetries {
		t.RetryCount++
		t.NotBefore = now.Add(s.retryDelay(t.RetryCount))
		t.StartedAt = time.Time{}
		detail := fmt.Sprintf("retry %d/%d: %s", t.RetryCount, t.MaxRetries, reason)
		if err := s.store.Transition(ctx, t, task.StatusRunning, task.StatusPending, detail); err != nil {
			return false, err
		}
		s.publish(events.TransitionEvent{
			ID: taskID, From: task.StatusRunning, To: task.StatusPending,
			Detail: detail, Timestamp: now,
		})
		return false, nil
	}

	t.CompletedAt = now
	detail := fmt.Sprintf("retries exhausted after %d attempts: %s", t.RetryCount+1, reason)
	if err := s.store.Transition(ctx, t, task.StatusRunning, task.StatusFailed, detail); err != nil {
		return false, err
	}
	s.publish(events.TransitionEvent{
		ID: taskID, From: task.StatusRunning, To: task.StatusFailed,
		Detail: detail, Timestamp: now,
	})

	if s.policy == FailureCascadeCancel {
		dependents := s.graph.TransitiveDependents(taskID)
		if len(dependents) > 0 {
			cancelled, err := s.store.CancelCascade(ctx, dependents, now)
			if err != nil {
				return true, fmt.Errorf("cascading failure of %s: %w", taskID, err)
			}
			for _, id := range cancelled {
				s.publish(events.TransitionEvent{
					ID: id, From: "", To: task.StatusCancelled,
					Detail: "cascade from failed " + taskID, Timestamp: now,
				})
			}
		}
	}
	return true, nil
}

// Cancel cancels the task and, recursively, every transitive dependent,
// as one atomic unit. Running tasks are marked; their in-flight work is
// discarded cooperatively, never preempted. Returns the ids cancelled.
func (s *Service) Cancel(ctx context.Context, taskID string) ([]string, error) {
	now := s.now().UTC()
	ids := append([]string{taskID}, s.graph.TransitiveDependents(taskID)...)
	cancelled, err := s.store.CancelCascade(ctx, ids, now)
	if err != nil {
		return nil, err
	}
	for _, id := range cancelled {
		s.publish(events.TransitionEvent{
			ID: id, From: "", To: task.StatusCancelled,
			Detail: "cancelled via " + taskID, Timestamp: now,
		})
	}
	return cancelled, nil
}

// Sweep is the periodic maintenance pass: it re-evaluates every Blocked
// task's readiness, promotes Pending tasks whose backoff window has
// passed, and refreshes starvation-driven scores for all claimable work.
// It is a safety net; correctness never depends on it running.
func (s *Service) Sweep(ctx context.Context) (promoted, rescored int, err error) {
	now := s.now().UTC()

	blocked, err := s.store.ListTasks(ctx, persistence.ListFilter{Status: task.StatusBlocked})
	if err != nil {
		return 0, 0, err
	}
	for _, t := range blocked {
		unmet, err := s.store.UnmetPrerequisites(ctx, t.ID)
		if err != nil {
			return promoted, rescored, err
		}
		if unmet > 0 {
			continue
		}
		t.UpdatedAt = now
		if err := s.store.Transition(ctx, t, task.StatusBlocked, task.StatusReady, "promoted by sweep"); err != nil {
			return promoted, rescored, err
		}
		s.publish(events.TransitionEvent{
			ID: t.ID, From: task.StatusBlocked, To: task.StatusReady,
			Detail: "promoted by sweep", Timestamp: now,
		})
		promoted++
	}

	pending, err := s.store.ListTasks(ctx, persistence.ListFilter{Status: task.StatusPending})
	if err != nil {
		return promoted, rescored, err
	}
	for _, t := range pending {
		if !t.NotBefore.IsZero() && t.NotBefore.After(now) {
			continue
		}
		unmet, err := s.store.UnmetPrerequisites(ctx, t.ID)
		if err != nil {
			return promoted, rescored, err
		}
		target := task.StatusReady
		detail := "backoff elapsed"
		if unmet > 0 {
			target = task.StatusBlocked
			detail = "backoff elapsed, prerequisites unmet"
		}
		t.UpdatedAt = now
		if err := s.store.Transition(ctx, t, task.StatusPending, target, detail); err != nil {
			return promoted, rescored, err
		}
		s.publish(events.TransitionEvent{
			ID: t.ID, From: task.StatusPending, To: target,
			Detail: detail, Timestamp: now,
		})
		if target == task.StatusReady {
			promoted++
		}
	}

	// Starvation scores age; refresh everything still claimable.
	for _, st := range []task.Status{task.StatusReady, task.StatusBlocked, task.StatusPending} {
		tasks, err := s.store.ListTasks(ctx, persistence.ListFilter{Status: st})
		if err != nil {
			return promoted, rescored, err
		}
		for _, t := range tasks {
			s.rescore(ctx, t.ID, now)
			rescored++
		}
	}

	s.publish(events.SweepEvent{Promoted: promoted, Rescored: rescored, Timestamp: now})
	return promoted, rescored, nil
}

// retryDelay computes the eligibility delay for the given retry attempt
// (1-based) by stepping the exponential schedule without jitter.
func (s *Service) retryDelay(retry int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialInterval
	b.MaxInterval = s.retry.MaxInterval
	b.Multiplier = s.retry.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	d := b.NextBackOff()
	for i := 1; i < retry; i++ {
		d = b.NextBackOff()
	}
	return d
}

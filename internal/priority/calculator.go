// Package priority computes the derived scheduling score for tasks.
//
// The calculator is pure: the same task, metrics, and clock reading always
// produce the same score, so every component of the formula can be tested
// in isolation.
package priority

import (
	"math"
	"time"

	"github.com/odgrim/abathur-swarm-sub017/internal/resolver"
	"github.com/odgrim/abathur-swarm-sub017/internal/task"
)

// Formula weights.
const (
	weightBase       = 1.0
	weightUrgency    = 2.0
	weightDependency = 1.5
	weightStarvation = 0.5
	weightSource     = 1.0
)

// urgencyHorizon is the window before a deadline in which urgency ramps
// from 0 to maxUrgency.
const (
	urgencyHorizon = 24 * time.Hour
	maxUrgency     = 10.0
)

// starvationUnit converts wall-clock age into starvation score:
// one point per hour waited, capped so starvation cannot dominate.
const (
	starvationUnit = time.Hour
	maxStarvation  = 20.0
)

// sourceBoost ranks task origins. Human submissions outrank every machine
// tier; unknown sources get no boost.
var sourceBoost = map[task.Source]float64{
	task.SourceHuman:     5.0,
	task.SourceAgent:     3.0,
	task.SourceWorkflow:  2.0,
	task.SourceScheduled: 1.0,
}

// Score computes the weighted priority of t at time now, given the
// resolver's structural metrics for t.
func Score(t *task.Task, m resolver.Metrics, now time.Time) float64 {
	return float64(t.BasePriority)*weightBase +
		urgency(t.Deadline, now)*weightUrgency +
		dependencyScore(m)*weightDependency +
		starvation(t.SubmittedAt, now)*weightStarvation +
		sourceBoost[t.Source]*weightSource
}

// urgency rises linearly from 0 to maxUrgency as the deadline approaches,
// and stays at maxUrgency once the deadline has passed. Zero deadline
// means no urgency.
func urgency(deadline, now time.Time) float64 {
	if deadline.IsZero() {
		return 0
	}
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return maxUrgency
	}
	if remaining >= urgencyHorizon {
		return 0
	}
	return maxUrgency * (1 - float64(remaining)/float64(urgencyHorizon))
}

// dependencyScore is monotonic in the transitive-dependent count:
// log-damped so a task blocking hundreds of others does not drown out
// every other signal.
func dependencyScore(m resolver.Metrics) float64 {
	return math.Log2(float64(m.TransitiveDependents) + 1)
}

// starvation grows with age since submission, capped at maxStarvation.
func starvation(submitted, now time.Time) float64 {
	if submitted.IsZero() {
		return 0
	}
	age := now.Sub(submitted)
	if age <= 0 {
		return 0
	}
	s := float64(age) / float64(starvationUnit)
	if s > maxStarvation {
		return maxStarvation
	}
	return s
}

// Less orders two tasks for claiming: higher computed priority first,
// then older submission (FIFO), then lexical id for a total order.
func Less(a, b *task.Task) bool {
	if a.ComputedPriority != b.ComputedPriority {
		return a.ComputedPriority > b.ComputedPriority
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.ID < b.ID
}

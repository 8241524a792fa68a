package task

import (
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"   // Submitted, not yet runnable (backoff or pre-resolution)
	StatusBlocked   Status = "blocked"   // Waiting on unmet prerequisites
	StatusReady     Status = "ready"     // All prerequisites satisfied, claimable
	StatusRunning   Status = "running"   // Claimed by a worker
	StatusCompleted Status = "completed" // Finished successfully (terminal)
	StatusFailed    Status = "failed"    // Retries exhausted (terminal)
	StatusCancelled Status = "cancelled" // Cancelled directly or by cascade (terminal)
)

// Source classifies where a task came from. It feeds the priority
// calculator's source boost: human submissions outrank machine ones.
type Source string

const (
	SourceHuman     Source = "human"
	SourceAgent     Source = "agent"     // Spawned by a running worker
	SourceWorkflow  Source = "workflow"  // Spawned by decomposition of a parent task
	SourceScheduled Source = "scheduled" // Periodic / machine-scheduled
)

// EdgeKind distinguishes how a prerequisite edge was declared.
// Readiness is always the conjunction of all edges; a sequential edge is
// a join of one.
type EdgeKind string

const (
	EdgeSequential   EdgeKind = "sequential"
	EdgeParallelJoin EdgeKind = "parallel_join"
)

// Edge is a directed prerequisite edge: DependentID cannot run until
// PrerequisiteID reaches terminal success.
type Edge struct {
	DependentID    string
	PrerequisiteID string
	Kind           EdgeKind
}

// Task is a unit of work in the swarm.
type Task struct {
	ID          string
	Summary     string
	Description string
	WorkerType  string // Key into the executor registry
	Source      Source
	ParentID    string // Optional parent for hierarchical decomposition
	Branch      string // Optional grouping tag

	BasePriority     int     // Fixed small range, see ClampBasePriority
	ComputedPriority float64 // Derived; recomputed, never authoritative

	Status     Status
	RetryCount int
	MaxRetries int

	DependsOn []Edge // Prerequisite edges (this task is the dependent)

	Deadline    time.Time // Zero means no deadline
	NotBefore   time.Time // Retry backoff eligibility gate; zero means eligible now
	SubmittedAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	UpdatedAt   time.Time

	Result    string // Payload on Completed
	LastError string // Last failure reason on Failed / retry
}

// Base priority bounds. Values outside are clamped at submission.
const (
	MinBasePriority = 0
	MaxBasePriority = 10
)

// ClampBasePriority forces p into [MinBasePriority, MaxBasePriority].
func ClampBasePriority(p int) int {
	if p < MinBasePriority {
		return MinBasePriority
	}
	if p > MaxBasePriority {
		return MaxBasePriority
	}
	return p
}

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// SatisfiesDependency reports whether a prerequisite in state s unblocks
// its dependents. Only terminal success counts.
func (s Status) SatisfiesDependency() bool {
	return s == StatusCompleted
}

// PrerequisiteIDs returns the prerequisite ids of the task's edges.
func (t *Task) PrerequisiteIDs() []string {
	if len(t.DependsOn) == 0 {
		return nil
	}
	ids := make([]string, 0, len(t.DependsOn))
	for _, e := range t.DependsOn {
		ids = append(ids, e.PrerequisiteID)
	}
	return ids
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	if t.DependsOn != nil {
		cp.DependsOn = append([]Edge(nil), t.DependsOn...)
	}
	return &cp
}

package events

import (
	"time"

	"github.com/odgrim/abathur-swarm-sub017/internal/task"
)

// Event is the base interface for all lifecycle events.
type Event interface {
	Topic() string
	TaskID() string
}

// Topic constants
const (
	TopicQueue = "queue" // submission and status transitions
	TopicSwarm = "swarm" // orchestrator progress
)

// SubmittedEvent is published when a task is accepted by the queue.
type SubmittedEvent struct {
	ID        string
	Status    task.Status
	Source    task.Source
	Timestamp time.Time
}

func (e SubmittedEvent) Topic() string  { return TopicQueue }
func (e SubmittedEvent) TaskID() string { return e.ID }

// TransitionEvent is published on every status change the queue applies.
type TransitionEvent struct {
	ID        string
	From      task.Status
	To        task.Status
	Detail    string
	Timestamp time.Time
}

func (e TransitionEvent) Topic() string  { return TopicQueue }
func (e TransitionEvent) TaskID() string { return e.ID }

// OutcomeEvent is published by the orchestrator when a claimed task
// reports success or permanent failure.
type OutcomeEvent struct {
	ID        string
	Success   bool
	Outcomes  int // reported outcomes so far this run
	Timestamp time.Time
}

func (e OutcomeEvent) Topic() string  { return TopicSwarm }
func (e OutcomeEvent) TaskID() string { return e.ID }

// SweepEvent is published after a maintenance sweep with the number of
// tasks it promoted or rescored.
type SweepEvent struct {
	Promoted  int
	Rescored  int
	Timestamp time.Time
}

func (e SweepEvent) Topic() string  { return TopicQueue }
func (e SweepEvent) TaskID() string { return "" }

package task

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is wrapped by every rejected status transition.
var ErrInvalidTransition = errors.New("invalid status transition")

// allowedTransitions is the legal status graph:
//
//	Pending -> Blocked | Ready | Cancelled
//	Blocked -> Ready | Cancelled
//	Ready   -> Running | Blocked | Cancelled
//	Running -> Completed | Failed | Pending | Cancelled
//
// Running -> Pending is the bounded retry re-entry. Ready -> Blocked covers
// the sweep demoting a task whose readiness was promoted in error.
var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusBlocked, StatusReady, StatusCancelled},
	StatusBlocked: {StatusReady, StatusCancelled},
	StatusReady:   {StatusRunning, StatusBlocked, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusPending, StatusCancelled},
}

// ValidateTransition returns nil if from -> to is a legal move.
// The caller supplies the expected prior state so races surface as errors
// rather than silent overwrites.
func ValidateTransition(from, to Status) error {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

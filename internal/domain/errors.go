package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a task, worker or schedule id does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError rejects malformed input at creation time. Nothing is
// persisted when it is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError rejects a state transition attempted from an invalid state,
// e.g. canceling a task that is already running. No mutation happens.
type ConflictError struct {
	TaskID string
	State  string
	Action string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot %s task %s in state %s", e.Action, e.TaskID, e.State)
}

package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task states. A task is created in StateWaiting, moves to StateRunning at
// most once (by the worker that wins its claims), and ends in exactly one of
// the terminal states.
const (
	StateWaiting   = "waiting"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCanceled  = "canceled"
)

// ErrorReasonWorkerLost is recorded on tasks finalized by the dead-worker
// sweep rather than by the worker that claimed them.
const ErrorReasonWorkerLost = "worker lost"

// IsTerminal reports whether state is one of the terminal task states.
func IsTerminal(state string) bool {
	return state == StateCompleted || state == StateFailed || state == StateCanceled
}

// ResourceClaim is a declared intent to hold a named resource for the
// duration of a task's execution. The resource string is an opaque key.
type ResourceClaim struct {
	Resource  string `json:"resource"`
	Exclusive bool   `json:"exclusive"`
}

// ConflictsWith reports whether two claims on the same resource cannot be
// held at the same time: an exclusive claim conflicts with everything,
// shared claims only conflict with exclusive ones.
func (c ResourceClaim) ConflictsWith(other ResourceClaim) bool {
	return c.Resource == other.Resource && (c.Exclusive || other.Exclusive)
}

// ValidateClaims rejects malformed claim sets: empty resource identifiers
// and duplicate identifiers (a task declares each resource at most once).
func ValidateClaims(claims []ResourceClaim) error {
	seen := make(map[string]struct{}, len(claims))
	for _, c := range claims {
		if c.Resource == "" {
			return &ValidationError{Field: "resource_claims", Reason: "empty resource identifier"}
		}
		if _, dup := seen[c.Resource]; dup {
			return &ValidationError{Field: "resource_claims", Reason: fmt.Sprintf("duplicate resource %q", c.Resource)}
		}
		seen[c.Resource] = struct{}{}
	}
	return nil
}

type Task struct {
	ID         uuid.UUID       `json:"id"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args"`
	State      string          `json:"state"`
	Claims     []ResourceClaim `json:"resource_claims"`
	WorkerID   *uuid.UUID      `json:"worker_id,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// ClaimEntry is one row of the resource lock ledger: a claim currently held
// by a running task.
type ClaimEntry struct {
	Resource  string    `json:"resource"`
	TaskID    uuid.UUID `json:"task_id"`
	Exclusive bool      `json:"exclusive"`
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	State string
	Name  string
	Limit int
}

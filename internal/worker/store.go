package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/decko/pulpcore/internal/domain"

	"github.com/google/uuid"
)

// Store is the durable coordination substrate the worker loop runs against.
// It is the single source of truth: every method that mutates shared state
// must be atomic and conditional, so racing workers resolve locally and a
// lost race is never an error.
type Store interface {
	// RegisterWorker announces the worker, refreshing the heartbeat if
	// the record already exists.
	RegisterWorker(ctx context.Context, w *domain.Worker) error
	// Heartbeat refreshes the worker's lease; false means the record is
	// gone (swept by a peer) and the worker must re-register.
	Heartbeat(ctx context.Context, workerID uuid.UUID) (bool, error)
	// DeregisterWorker removes the record on clean shutdown, unless a
	// task is still running under it; then the record stays so the
	// sweep can finish the cleanup.
	DeregisterWorker(ctx context.Context, workerID uuid.UUID) error

	// NextWaiting returns waiting tasks oldest-first, bounded by limit.
	NextWaiting(ctx context.Context, limit int) ([]domain.Task, error)
	// TryClaim atomically inserts the task's declared claims and flips it
	// to running under workerID; false means taken, canceled or blocked by
	// a conflicting claim.
	TryClaim(ctx context.Context, taskID, workerID uuid.UUID) (bool, error)
	// FinishTask atomically writes the outcome, moves the task to a
	// terminal state and releases its claims; false means someone else
	// (the sweep) finalized it first.
	FinishTask(ctx context.Context, taskID, workerID uuid.UUID, state string, result json.RawMessage, errDetail string) (bool, error)
	// ReleaseClaims drops any ledger entries left for taskID. Idempotent.
	ReleaseClaims(ctx context.Context, taskID uuid.UUID) error

	ExpiredWorkers(ctx context.Context, timeout time.Duration) ([]domain.Worker, error)
	FailWorkerTasks(ctx context.Context, workerID uuid.UUID) ([]uuid.UUID, error)
	DeleteWorkerIfExpired(ctx context.Context, workerID uuid.UUID, timeout time.Duration) (bool, error)
}

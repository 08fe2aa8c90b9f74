package repo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/decko/pulpcore/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store adapts the package-level persistence functions to the interface the
// worker loop consumes.
type Store struct {
	DB *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{DB: db}
}

func (s *Store) RegisterWorker(ctx context.Context, w *domain.Worker) error {
	return RegisterWorker(ctx, s.DB, w)
}

func (s *Store) Heartbeat(ctx context.Context, workerID uuid.UUID) (bool, error) {
	return Heartbeat(ctx, s.DB, workerID)
}

func (s *Store) DeregisterWorker(ctx context.Context, workerID uuid.UUID) error {
	return DeregisterWorker(ctx, s.DB, workerID)
}

func (s *Store) NextWaiting(ctx context.Context, limit int) ([]domain.Task, error) {
	return NextWaiting(ctx, s.DB, limit)
}

func (s *Store) TryClaim(ctx context.Context, taskID, workerID uuid.UUID) (bool, error) {
	return TryClaim(ctx, s.DB, taskID, workerID)
}

func (s *Store) FinishTask(ctx context.Context, taskID, workerID uuid.UUID, state string, result json.RawMessage, errDetail string) (bool, error) {
	return FinishTask(ctx, s.DB, taskID, workerID, state, result, errDetail)
}

func (s *Store) ReleaseClaims(ctx context.Context, taskID uuid.UUID) error {
	return ReleaseClaims(ctx, s.DB, taskID)
}

func (s *Store) ExpiredWorkers(ctx context.Context, timeout time.Duration) ([]domain.Worker, error) {
	return ExpiredWorkers(ctx, s.DB, timeout)
}

func (s *Store) FailWorkerTasks(ctx context.Context, workerID uuid.UUID) ([]uuid.UUID, error) {
	return FailWorkerTasks(ctx, s.DB, workerID)
}

func (s *Store) DeleteWorkerIfExpired(ctx context.Context, workerID uuid.UUID, timeout time.Duration) (bool, error) {
	return DeleteWorkerIfExpired(ctx, s.DB, workerID, timeout)
}

package service

import (
	"context"
	"encoding/json"

	"github.com/decko/pulpcore/internal/domain"
	"github.com/decko/pulpcore/internal/repo"
	"github.com/decko/pulpcore/internal/wakeup"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TaskService is the enqueue/status/cancel boundary consumed by the HTTP
// surface, the CLI and the recurring-dispatch scheduler.
type TaskService struct {
	db       *pgxpool.Pool
	notifier wakeup.Notifier
}

func NewTaskService(db *pgxpool.Pool, notifier wakeup.Notifier) *TaskService {
	return &TaskService{db: db, notifier: notifier}
}

type CreateTaskParams struct {
	Name   string
	Args   json.RawMessage
	Claims []domain.ResourceClaim
}

// CreateTask inserts a waiting task and wakes idle workers. Malformed input
// is rejected with ValidationError before anything is persisted.
func (s *TaskService) CreateTask(ctx context.Context, p CreateTaskParams) (uuid.UUID, error) {
	if p.Name == "" {
		return uuid.Nil, &domain.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if err := domain.ValidateClaims(p.Claims); err != nil {
		return uuid.Nil, err
	}

	args := p.Args
	if len(args) == 0 {
		args = json.RawMessage("null")
	}
	claims := p.Claims
	if claims == nil {
		claims = []domain.ResourceClaim{}
	}
	t := domain.Task{
		ID:     uuid.New(),
		Name:   p.Name,
		Args:   args,
		State:  domain.StateWaiting,
		Claims: claims,
	}
	if err := repo.InsertTask(ctx, s.db, &t); err != nil {
		return uuid.Nil, err
	}

	// A new waiting task may be claimable right away.
	_ = s.notifier.NotifyAll(ctx)
	return t.ID, nil
}

func (s *TaskService) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return repo.GetTaskByID(ctx, s.db, id)
}

func (s *TaskService) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	return repo.ListTasks(ctx, s.db, f)
}

// CancelTask cancels a waiting task. Running and terminal tasks cannot be
// canceled; the caller gets ConflictError and nothing changes.
func (s *TaskService) CancelTask(ctx context.Context, id uuid.UUID) error {
	if err := repo.CancelTask(ctx, s.db, id); err != nil {
		return err
	}
	// Canceling frees a scan slot; idle workers should re-scan.
	_ = s.notifier.NotifyAll(ctx)
	return nil
}

func (s *TaskService) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	return repo.ListWorkers(ctx, s.db)
}

func (s *TaskService) ListClaims(ctx context.Context) ([]domain.ClaimEntry, error) {
	return repo.ListClaims(ctx, s.db)
}

package repo

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/decko/pulpcore/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const taskColumns = `id, name, args, state, resource_claims, worker_id, result, error, created_at, started_at, finished_at`

func scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	var rawClaims []byte
	err := row.Scan(
		&t.ID, &t.Name, &t.Args, &t.State, &rawClaims, &t.WorkerID,
		&t.Result, &t.Error, &t.CreatedAt, &t.StartedAt, &t.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(rawClaims, &t.Claims); err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertTask persists a new waiting task together with its declared claims.
// The claim set is immutable after this point.
func InsertTask(ctx context.Context, db *pgxpool.Pool, t *domain.Task) error {
	claims, err := json.Marshal(t.Claims)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO tasks (id, name, args, state, resource_claims, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, t.ID, t.Name, t.Args, t.State, claims)
	return err
}

func GetTaskByID(ctx context.Context, db *pgxpool.Pool, id uuid.UUID) (*domain.Task, error) {
	row := db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id)
	return scanTask(row)
}

// ListTasks returns tasks matching the filter, newest first.
func ListTasks(ctx context.Context, db *pgxpool.Pool, f domain.TaskFilter) ([]domain.Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE ($1 = '' OR state = $1) AND ($2 = '' OR name = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, f.State, f.Name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// NextWaiting returns the oldest waiting tasks, bounded by limit. Workers
// walk the batch in order and try to claim each candidate.
func NextWaiting(ctx context.Context, db *pgxpool.Pool, limit int) ([]domain.Task, error) {
	rows, err := db.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE state=$1
		ORDER BY created_at ASC
		LIMIT $2
	`, domain.StateWaiting, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// CancelTask moves a waiting task to canceled. Running and terminal tasks
// cannot be canceled; the conditional update makes the check race-free.
func CancelTask(ctx context.Context, db *pgxpool.Pool, id uuid.UUID) error {
	tag, err := db.Exec(ctx, `
		UPDATE tasks
		SET state=$2, finished_at=NOW()
		WHERE id=$1 AND state=$3
	`, id, domain.StateCanceled, domain.StateWaiting)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	t, err := GetTaskByID(ctx, db, id)
	if err != nil {
		return err
	}
	return &domain.ConflictError{TaskID: id.String(), State: t.State, Action: "cancel"}
}

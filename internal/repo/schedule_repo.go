package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/decko/pulpcore/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const scheduleColumns = `id, task_name, args, resource_claims, cron_expr, enabled, last_dispatched, next_dispatch, created_at`

func scanSchedule(row pgx.Row) (*domain.Schedule, error) {
	var s domain.Schedule
	var rawClaims []byte
	err := row.Scan(
		&s.ID, &s.TaskName, &s.Args, &rawClaims, &s.CronExpr,
		&s.Enabled, &s.LastDispatched, &s.NextDispatch, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(rawClaims, &s.Claims); err != nil {
		return nil, err
	}
	return &s, nil
}

func InsertSchedule(ctx context.Context, db *pgxpool.Pool, s *domain.Schedule) error {
	claims, err := json.Marshal(s.Claims)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO schedules (id, task_name, args, resource_claims, cron_expr, enabled, next_dispatch, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, s.ID, s.TaskName, s.Args, claims, s.CronExpr, s.Enabled, s.NextDispatch)
	return err
}

func GetScheduleByID(ctx context.Context, db *pgxpool.Pool, id uuid.UUID) (*domain.Schedule, error) {
	row := db.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=$1`, id)
	return scanSchedule(row)
}

func ListSchedules(ctx context.Context, db *pgxpool.Pool) ([]domain.Schedule, error) {
	rows, err := db.Query(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// DueSchedules returns enabled schedules whose next dispatch time has passed.
func DueSchedules(ctx context.Context, db *pgxpool.Pool, now time.Time) ([]domain.Schedule, error) {
	rows, err := db.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE enabled AND next_dispatch IS NOT NULL AND next_dispatch <= $1
		ORDER BY next_dispatch ASC
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// MarkDispatched advances a schedule past the window it just fired for. The
// guard on next_dispatch makes concurrent scheduler ticks dispatch once:
// only the tick that advances the row proceeds to create the task.
func MarkDispatched(ctx context.Context, db *pgxpool.Pool, id uuid.UUID, prev, next time.Time) (bool, error) {
	tag, err := db.Exec(ctx, `
		UPDATE schedules
		SET last_dispatched=NOW(), next_dispatch=$3
		WHERE id=$1 AND next_dispatch=$2
	`, id, prev, next)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func ToggleSchedule(ctx context.Context, db *pgxpool.Pool, id uuid.UUID, enabled bool, next *time.Time) error {
	tag, err := db.Exec(ctx, `
		UPDATE schedules SET enabled=$2, next_dispatch=$3 WHERE id=$1
	`, id, enabled, next)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return domain.ErrNotFound
	}
	return nil
}

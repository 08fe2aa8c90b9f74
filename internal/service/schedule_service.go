package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/decko/pulpcore/internal/domain"
	"github.com/decko/pulpcore/internal/repo"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
)

// CronParser accepts standard five-field cron expressions.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type ScheduleService struct {
	db *pgxpool.Pool
}

func NewScheduleService(db *pgxpool.Pool) *ScheduleService {
	return &ScheduleService{db: db}
}

type CreateScheduleParams struct {
	TaskName string
	Args     json.RawMessage
	Claims   []domain.ResourceClaim
	CronExpr string
	Enabled  bool
}

func (s *ScheduleService) CreateSchedule(ctx context.Context, p CreateScheduleParams) (uuid.UUID, error) {
	if p.TaskName == "" {
		return uuid.Nil, &domain.ValidationError{Field: "task_name", Reason: "must not be empty"}
	}
	if err := domain.ValidateClaims(p.Claims); err != nil {
		return uuid.Nil, err
	}
	sched, err := CronParser.Parse(p.CronExpr)
	if err != nil {
		return uuid.Nil, &domain.ValidationError{Field: "cron_expr", Reason: err.Error()}
	}

	args := p.Args
	if len(args) == 0 {
		args = json.RawMessage("null")
	}
	claims := p.Claims
	if claims == nil {
		claims = []domain.ResourceClaim{}
	}
	var next *time.Time
	if p.Enabled {
		n := sched.Next(time.Now())
		next = &n
	}
	sc := domain.Schedule{
		ID:           uuid.New(),
		TaskName:     p.TaskName,
		Args:         args,
		Claims:       claims,
		CronExpr:     p.CronExpr,
		Enabled:      p.Enabled,
		NextDispatch: next,
	}
	if err := repo.InsertSchedule(ctx, s.db, &sc); err != nil {
		return uuid.Nil, err
	}
	return sc.ID, nil
}

func (s *ScheduleService) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	return repo.ListSchedules(ctx, s.db)
}

// ToggleSchedule enables or disables a schedule. Enabling recomputes the
// next dispatch from now, so a long-disabled schedule does not backfire.
func (s *ScheduleService) ToggleSchedule(ctx context.Context, id uuid.UUID, enabled bool) error {
	sc, err := repo.GetScheduleByID(ctx, s.db, id)
	if err != nil {
		return err
	}
	var next *time.Time
	if enabled {
		sched, err := CronParser.Parse(sc.CronExpr)
		if err != nil {
			return &domain.ValidationError{Field: "cron_expr", Reason: err.Error()}
		}
		n := sched.Next(time.Now())
		next = &n
	}
	return repo.ToggleSchedule(ctx, s.db, id, enabled, next)
}

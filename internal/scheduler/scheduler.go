// Package scheduler turns stored schedules into ordinary waiting tasks.
// It never touches the claim protocol: a dispatched task competes for
// resources like any other.
package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/decko/pulpcore/internal/repo"
	"github.com/decko/pulpcore/internal/service"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Scheduler struct {
	db       *pgxpool.Pool
	tasks    *service.TaskService
	interval time.Duration
}

func New(db *pgxpool.Pool, tasks *service.TaskService, interval time.Duration) *Scheduler {
	return &Scheduler{db: db, tasks: tasks, interval: interval}
}

// Run scans for due schedules every interval until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Printf("scheduler started, interval=%s", s.interval)
	tkr := time.NewTicker(s.interval)
	defer tkr.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tkr.C:
			if n, err := s.tickOnce(ctx); err != nil {
				log.Printf("scheduler tick failed: %v", err)
			} else if n > 0 {
				log.Printf("scheduler dispatched %d task(s)", n)
			}
		}
	}
}

// tickOnce dispatches every due schedule once. Advancing next_dispatch is a
// conditional update, so concurrent scheduler processes cannot double-fire;
// missed windows collapse into the single dispatch happening now.
func (s *Scheduler) tickOnce(ctx context.Context) (int, error) {
	now := time.Now()
	due, err := repo.DueSchedules(ctx, s.db, now)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, sc := range due {
		sched, err := service.CronParser.Parse(sc.CronExpr)
		if err != nil {
			log.Printf("schedule %s has bad cron expression %q: %v", sc.ID, sc.CronExpr, err)
			continue
		}
		next := sched.Next(now)

		won, err := repo.MarkDispatched(ctx, s.db, sc.ID, *sc.NextDispatch, next)
		if err != nil {
			log.Printf("advance schedule %s failed: %v", sc.ID, err)
			continue
		}
		if !won {
			continue
		}

		taskID, err := s.tasks.CreateTask(ctx, service.CreateTaskParams{
			Name:   sc.TaskName,
			Args:   sc.Args,
			Claims: sc.Claims,
		})
		if err != nil {
			log.Printf("dispatch schedule %s failed: %v", sc.ID, err)
			continue
		}
		dispatched++
		log.Printf("schedule %s dispatched task %s (%s)", sc.ID, taskID, sc.TaskName)
	}
	return dispatched, nil
}

package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/decko/pulpcore/internal/config"
	"github.com/decko/pulpcore/internal/db"
	"github.com/decko/pulpcore/internal/scheduler"
	"github.com/decko/pulpcore/internal/service"
	"github.com/decko/pulpcore/internal/wakeup"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := db.Init(initCtx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("postgres init failed: %v", err)
	}
	defer pool.Close()
	if err := db.EnsureSchema(initCtx, pool); err != nil {
		log.Fatalf("schema init failed: %v", err)
	}

	rdb, err := wakeup.Connect(initCtx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis init failed: %v", err)
	}
	defer rdb.Close()

	notifier := wakeup.NewRedis(context.Background(), rdb)
	defer notifier.Close()

	tasks := service.NewTaskService(pool, notifier)
	s := scheduler.New(pool, tasks, cfg.ScheduleInterval)

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("scheduler stopped: %v", err)
	}
	log.Println("scheduler shut down")
}

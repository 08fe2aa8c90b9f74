package main

import (
	"context"
	"log"
	"time"

	"github.com/decko/pulpcore/internal/config"
	"github.com/decko/pulpcore/internal/db"
	"github.com/decko/pulpcore/internal/http/handler"
	"github.com/decko/pulpcore/internal/service"
	"github.com/decko/pulpcore/internal/wakeup"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.Init(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("postgres init failed: %v", err)
	}
	defer pool.Close()
	if err := db.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("schema init failed: %v", err)
	}

	rdb, err := wakeup.Connect(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis init failed: %v", err)
	}
	defer rdb.Close()

	notifier := wakeup.NewRedis(context.Background(), rdb)
	defer notifier.Close()

	tasks := service.NewTaskService(pool, notifier)
	schedules := service.NewScheduleService(pool)

	taskH := handler.NewTaskHandler(tasks)
	workerH := handler.NewWorkerHandler(tasks, cfg.WorkerTimeout)
	scheduleH := handler.NewScheduleHandler(schedules)
	healthH := handler.NewHealthHandler(pool, rdb)

	r := gin.Default()
	r.GET("/healthz", healthH.Healthz)
	r.GET("/readyz", healthH.Readyz)

	v1 := r.Group("/api/v1")
	v1.POST("/tasks", taskH.CreateTask)
	v1.GET("/tasks", taskH.ListTasks)
	v1.GET("/tasks/:id", taskH.GetTask)
	v1.POST("/tasks/:id/cancel", taskH.CancelTask)
	v1.GET("/claims", taskH.ListClaims)
	v1.GET("/workers", workerH.ListWorkers)
	v1.POST("/schedules", scheduleH.CreateSchedule)
	v1.GET("/schedules", scheduleH.ListSchedules)
	v1.POST("/schedules/:id/toggle", scheduleH.ToggleSchedule)

	log.Printf("api listening on :%s", cfg.HTTPPort)
	if err := r.Run(":" + cfg.HTTPPort); err != nil {
		log.Fatal(err)
	}
}

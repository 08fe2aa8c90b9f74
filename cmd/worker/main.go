package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/decko/pulpcore/internal/config"
	"github.com/decko/pulpcore/internal/db"
	"github.com/decko/pulpcore/internal/lease"
	"github.com/decko/pulpcore/internal/repo"
	"github.com/decko/pulpcore/internal/wakeup"
	"github.com/decko/pulpcore/internal/worker"
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

	registry := worker.NewRegistry()
	registerBuiltins(registry)
	log.Printf("registered task types: %v", registry.Names())

	w := worker.New(repo.NewStore(pool), notifier, registry, worker.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		Timeout:           cfg.WorkerTimeout,
		IdleWait:          cfg.IdleWait,
		ScanBatch:         cfg.ScanBatch,
		SweepLock:         lease.NewLock(rdb, "worker-sweep"),
	})

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker stopped: %v", err)
	}
	log.Printf("worker %s shut down", w.Name())
}

// registerBuiltins wires the task types this deployment executes. Plugins
// would add their own here; the claim protocol never changes.
func registerBuiltins(r *worker.Registry) {
	r.Register("echo", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return args, nil
	})
	r.Register("sleep", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		var p struct {
			Duration string `json:"duration"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, err
		}
		d, err := time.ParseDuration(p.Duration)
		if err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d):
			return json.RawMessage(`{"slept":"` + d.String() + `"}`), nil
		}
	})
}

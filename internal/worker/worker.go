package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/decko/pulpcore/internal/domain"
	"github.com/decko/pulpcore/internal/wakeup"

	"github.com/google/uuid"
)

// sweepLocker keeps concurrent sweeps single-flight. Optional: with a nil
// locker every worker sweeps, and the store's conditional updates still make
// that safe, just more chatty.
type sweepLocker interface {
	Acquire(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, holder string) (bool, error)
}

type Options struct {
	// HeartbeatInterval is how often the worker refreshes its own lease,
	// including while a task is executing.
	HeartbeatInterval time.Duration
	// Timeout is the heartbeat age after which peers consider a worker dead.
	Timeout time.Duration
	// IdleWait bounds how long an idle worker blocks before re-scanning,
	// so a lost wake signal only delays work, never strands it.
	IdleWait time.Duration
	// ScanBatch is how many waiting tasks one scan fetches.
	ScanBatch int
	// SweepLock, when set, serializes the dead-worker sweep across workers.
	SweepLock sweepLocker
}

// Worker claims, executes and finalizes tasks. It holds no authority of its
// own: all coordination state lives in the store, and the worker re-derives
// everything it needs on every cycle.
type Worker struct {
	id       uuid.UUID
	name     string
	host     string
	store    Store
	notifier wakeup.Notifier
	registry *Registry
	opts     Options
}

func New(store Store, notifier wakeup.Notifier, registry *Registry, opts Options) *Worker {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = 10 * time.Second
	}
	if opts.ScanBatch <= 0 {
		opts.ScanBatch = 32
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "localhost"
	}
	id := uuid.New()
	return &Worker{
		id:       id,
		name:     fmt.Sprintf("%d@%s/%s", os.Getpid(), host, id.String()[:8]),
		host:     host,
		store:    store,
		notifier: notifier,
		registry: registry,
		opts:     opts,
	}
}

func (w *Worker) ID() uuid.UUID { return w.id }
func (w *Worker) Name() string  { return w.name }

// Run registers the worker and executes the claim/execute/finalize loop
// until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.store.RegisterWorker(ctx, &domain.Worker{
		ID:            w.id,
		Name:          w.name,
		Host:          w.host,
		LastHeartbeat: time.Now(),
	}); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	log.Printf("worker %s started", w.name)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx)

	defer func() {
		// ctx is already canceled on the way out; give the deregister its
		// own short deadline.
		cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.store.DeregisterWorker(cleanup, w.id); err != nil {
			log.Printf("worker %s deregister failed: %v", w.name, err)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.sweep(ctx)

		task, err := w.claimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("worker %s scan failed: %v", w.name, err)
			_ = w.notifier.Wait(ctx, w.opts.IdleWait)
			continue
		}
		if task == nil {
			_ = w.notifier.Wait(ctx, w.opts.IdleWait)
			continue
		}
		w.execute(ctx, task)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	tkr := time.NewTicker(w.opts.HeartbeatInterval)
	defer tkr.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tkr.C:
			refreshed, err := w.store.Heartbeat(ctx, w.id)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("worker %s heartbeat failed: %v", w.name, err)
				}
				continue
			}
			if !refreshed {
				// Our record was swept while we were stalled past the
				// timeout. Re-register so the process regains capacity
				// instead of livelocking on claim failures.
				err := w.store.RegisterWorker(ctx, &domain.Worker{
					ID:            w.id,
					Name:          w.name,
					Host:          w.host,
					LastHeartbeat: time.Now(),
				})
				if err != nil {
					if ctx.Err() == nil {
						log.Printf("worker %s re-register failed: %v", w.name, err)
					}
				} else {
					log.Printf("worker %s re-registered after missing record", w.name)
				}
			}
		}
	}
}

// claimNext scans waiting tasks oldest-first and claims the first candidate
// whose resources are free. Returning (nil, nil) means no eligible work.
func (w *Worker) claimNext(ctx context.Context) (*domain.Task, error) {
	batch, err := w.store.NextWaiting(ctx, w.opts.ScanBatch)
	if err != nil {
		return nil, err
	}
	for i := range batch {
		ok, err := w.store.TryClaim(ctx, batch[i].ID, w.id)
		if err != nil {
			return nil, err
		}
		if ok {
			return &batch[i], nil
		}
		// Lost the race or blocked on a claim; try the next candidate.
	}
	return nil, nil
}

func (w *Worker) execute(ctx context.Context, task *domain.Task) {
	log.Printf("worker %s executing task %s (%s)", w.name, task.ID, task.Name)

	var result json.RawMessage
	var errDetail string
	state := domain.StateCompleted

	h, ok := w.registry.Lookup(task.Name)
	if !ok {
		state = domain.StateFailed
		errDetail = fmt.Sprintf("no handler registered for task type %q", task.Name)
	} else {
		out, err := runHandler(ctx, h, task.Args)
		if err != nil {
			state = domain.StateFailed
			errDetail = err.Error()
		} else {
			result = out
		}
	}

	// The run ctx may already be canceled (graceful shutdown mid-task);
	// the outcome still has to land in the store, so finalization runs on
	// its own deadline.
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	finished, err := w.store.FinishTask(finCtx, task.ID, w.id, state, result, errDetail)
	if err != nil {
		// The task is still running as far as the store knows, so its
		// claims must stay in the ledger. The sweep completes the
		// cleanup once our heartbeat expires.
		log.Printf("worker %s finalize task %s failed: %v", w.name, task.ID, err)
		return
	}
	// FinishTask drops the ledger entries transactionally; this extra
	// release only matters if the finalize path above was interrupted.
	if err := w.store.ReleaseClaims(finCtx, task.ID); err != nil {
		log.Printf("worker %s release claims for %s failed: %v", w.name, task.ID, err)
	}
	if finished {
		log.Printf("worker %s task %s %s", w.name, task.ID, state)
	}
	// Released resources may unblock a waiting task.
	_ = w.notifier.NotifyAll(finCtx)
}

// runHandler confines handler panics to the task outcome. Task logic
// failing is an execution result, never a process-level fault.
func runHandler(ctx context.Context, h Handler, args json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return h(ctx, args)
}

// sweep finalizes tasks abandoned by workers whose heartbeat expired and
// removes the dead workers' records. Any worker may sweep; every mutation
// is conditional so concurrent sweepers cannot double-finalize.
func (w *Worker) sweep(ctx context.Context) {
	if w.opts.SweepLock != nil {
		got, err := w.opts.SweepLock.Acquire(ctx, w.name, w.opts.Timeout)
		if err != nil || !got {
			return
		}
		defer w.opts.SweepLock.Release(ctx, w.name)
	}

	expired, err := w.store.ExpiredWorkers(ctx, w.opts.Timeout)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("worker %s sweep scan failed: %v", w.name, err)
		}
		return
	}

	released := false
	for _, dead := range expired {
		if dead.ID == w.id {
			continue
		}
		failed, err := w.store.FailWorkerTasks(ctx, dead.ID)
		if err != nil {
			log.Printf("worker %s sweep of %s failed: %v", w.name, dead.Name, err)
			continue
		}
		for _, taskID := range failed {
			released = true
			log.Printf("worker %s marked task %s failed: %s gone", w.name, taskID, dead.Name)
		}
		removed, err := w.store.DeleteWorkerIfExpired(ctx, dead.ID, w.opts.Timeout)
		if err != nil {
			log.Printf("worker %s delete dead worker %s failed: %v", w.name, dead.Name, err)
			continue
		}
		if removed {
			log.Printf("worker %s removed dead worker record %s", w.name, dead.Name)
		}
	}
	if released {
		_ = w.notifier.NotifyAll(ctx)
	}
}

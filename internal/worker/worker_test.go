package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/decko/pulpcore/internal/domain"
	"github.com/decko/pulpcore/internal/wakeup"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func claim(resource string, exclusive bool) domain.ResourceClaim {
	return domain.ResourceClaim{Resource: resource, Exclusive: exclusive}
}

func fastOptions() Options {
	return Options{
		HeartbeatInterval: 5 * time.Millisecond,
		Timeout:           250 * time.Millisecond,
		IdleWait:          5 * time.Millisecond,
		ScanBatch:         8,
	}
}

func startWorker(t *testing.T, store Store, notifier wakeup.Notifier, reg *Registry, opts Options) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w := New(store, notifier, reg, opts)
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestTasksRunInCreationOrder(t *testing.T) {
	store := newMemStore()
	notifier := wakeup.NewLocal()
	reg := NewRegistry()

	var mu sync.Mutex
	var got []string
	reg.Register("record", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		mu.Lock()
		got = append(got, string(args))
		mu.Unlock()
		return args, nil
	})

	// Disjoint claims, single worker: strict FIFO by creation time.
	a := store.addTask("record", `"A"`, claim("repo:a", true))
	b := store.addTask("record", `"B"`, claim("repo:b", true))
	c := store.addTask("record", `"C"`, claim("repo:c", true))

	startWorker(t, store, notifier, reg, fastOptions())

	require.Eventually(t, func() bool {
		return store.taskState(a) == domain.StateCompleted &&
			store.taskState(b) == domain.StateCompleted &&
			store.taskState(c) == domain.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`"A"`, `"B"`, `"C"`}, got)
}

func TestExclusiveClaimsNeverOverlap(t *testing.T) {
	store := newMemStore()
	notifier := wakeup.NewLocal()
	reg := NewRegistry()

	var mu sync.Mutex
	active, maxActive := 0, 0
	reg.Register("critical", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return nil, nil
	})

	var ids []uuid.UUID
	for i := 0; i < 8; i++ {
		ids = append(ids, store.addTask("critical", `null`, claim("repo:shared-target", true)))
	}

	// Several workers racing for the same exclusive resource.
	startWorker(t, store, notifier, reg, fastOptions())
	startWorker(t, store, notifier, reg, fastOptions())
	startWorker(t, store, notifier, reg, fastOptions())

	require.Eventually(t, func() bool {
		for _, id := range ids {
			if store.taskState(id) != domain.StateCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, maxActive, "two tasks held an exclusive claim at once")
	mu.Unlock()
	for _, id := range ids {
		assert.Equal(t, 1, store.claimWins(id), "claim succeeded more than once")
	}
	assert.Empty(t, store.ledgerEntries())
}

func TestSharedAndExclusiveClaimRules(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	w1, w2, w3 := uuid.New(), uuid.New(), uuid.New()

	s1 := store.addTask("x", `null`, claim("repo:1", false))
	s2 := store.addTask("x", `null`, claim("repo:1", false))
	e1 := store.addTask("x", `null`, claim("repo:1", true))

	// Shared claims coexist.
	ok, err := store.TryClaim(ctx, s1, w1)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.TryClaim(ctx, s2, w2)
	require.NoError(t, err)
	require.True(t, ok)

	// An exclusive claim is blocked by any existing claim.
	ok, err = store.TryClaim(ctx, e1, w3)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.ReleaseClaims(ctx, s1))
	require.NoError(t, store.ReleaseClaims(ctx, s2))

	ok, err = store.TryClaim(ctx, e1, w3)
	require.NoError(t, err)
	require.True(t, ok)

	// And with an exclusive claim held, a shared one is blocked too.
	s3 := store.addTask("x", `null`, claim("repo:1", false))
	ok, err = store.TryClaim(ctx, s3, w1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClaimSucceedsAtMostOnce(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	id := store.addTask("x", `null`, claim("repo:1", true))

	ok, err := store.TryClaim(ctx, id, uuid.New())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.TryClaim(ctx, id, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok, "a second claim on the same task must lose")
	assert.Equal(t, 1, store.claimWins(id))
}

func TestNoClaimLeakage(t *testing.T) {
	store := newMemStore()
	notifier := wakeup.NewLocal()
	reg := NewRegistry()
	reg.Register("ok", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"done"`), nil
	})
	reg.Register("boom", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("task logic failed")
	})

	completed := store.addTask("ok", `null`, claim("repo:1", true))
	failed := store.addTask("boom", `null`, claim("repo:2", true), claim("repo:3", false))
	orphaned := store.addTask("ok", `null`, claim("repo:4", true))
	store.addDeadWorker(orphaned)

	startWorker(t, store, notifier, reg, fastOptions())

	require.Eventually(t, func() bool {
		return store.taskState(completed) == domain.StateCompleted &&
			store.taskState(failed) == domain.StateFailed &&
			store.taskState(orphaned) == domain.StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, store.ledgerEntries(), "terminal tasks must leave no ledger entries")
	assert.Equal(t, "task logic failed", store.taskError(failed))
	assert.Equal(t, domain.ErrorReasonWorkerLost, store.taskError(orphaned))
}

func TestDeadWorkerSweep(t *testing.T) {
	store := newMemStore()
	notifier := wakeup.NewLocal()
	reg := NewRegistry()

	orphaned := store.addTask("missing-type", `null`, claim("repo:1", true))
	store.addDeadWorker(orphaned)

	startWorker(t, store, notifier, reg, fastOptions())

	require.Eventually(t, func() bool {
		return store.taskState(orphaned) == domain.StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, domain.ErrorReasonWorkerLost, store.taskError(orphaned))
	assert.Empty(t, store.ledgerEntries())
	require.Eventually(t, func() bool {
		return store.workerCount() == 1 // only the live worker remains
	}, 2*time.Second, 5*time.Millisecond)
}

// A task whose resources are perpetually contended starves while younger
// tasks with free resources overtake it. Accepted tradeoff of FIFO-with-skip
// scanning, documented here on purpose.
func TestContendedTaskCanStarve(t *testing.T) {
	store := newMemStore()
	notifier := wakeup.NewLocal()
	reg := NewRegistry()

	gate := make(chan struct{})
	reg.Register("block", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		select {
		case <-gate:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	reg.Register("ok", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})

	holder := store.addTask("block", `null`, claim("repo:hot", true))
	starved := store.addTask("ok", `null`, claim("repo:hot", true))
	younger := store.addTask("ok", `null`, claim("repo:cold", true))

	startWorker(t, store, notifier, reg, fastOptions())
	startWorker(t, store, notifier, reg, fastOptions())

	// The younger task overtakes the starved one while the holder runs.
	require.Eventually(t, func() bool {
		return store.taskState(holder) == domain.StateRunning &&
			store.taskState(younger) == domain.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.StateWaiting, store.taskState(starved),
		"contended task must not run while the conflicting claim is held")

	close(gate)
	require.Eventually(t, func() bool {
		return store.taskState(holder) == domain.StateCompleted &&
			store.taskState(starved) == domain.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCancelWaitingTaskNeverRuns(t *testing.T) {
	store := newMemStore()
	notifier := wakeup.NewLocal()
	reg := NewRegistry()

	var mu sync.Mutex
	ran := 0
	reg.Register("ok", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil, nil
	})

	id := store.addTask("ok", `null`, claim("repo:1", true))
	require.NoError(t, store.cancelTask(id))

	startWorker(t, store, notifier, reg, fastOptions())
	_ = notifier.NotifyAll(context.Background())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, domain.StateCanceled, store.taskState(id))
	mu.Lock()
	assert.Zero(t, ran)
	mu.Unlock()
}

func TestCancelRunningTaskRefused(t *testing.T) {
	store := newMemStore()
	notifier := wakeup.NewLocal()
	reg := NewRegistry()

	gate := make(chan struct{})
	reg.Register("block", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		select {
		case <-gate:
			return json.RawMessage(`"finished"`), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	id := store.addTask("block", `null`, claim("repo:1", true))
	startWorker(t, store, notifier, reg, fastOptions())

	require.Eventually(t, func() bool {
		return store.taskState(id) == domain.StateRunning
	}, 2*time.Second, 5*time.Millisecond)

	err := store.cancelTask(id)
	var ce *domain.ConflictError
	require.ErrorAs(t, err, &ce)

	// The task is unaffected and runs to completion.
	close(gate)
	require.Eventually(t, func() bool {
		return store.taskState(id) == domain.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReleaseClaimsIdempotent(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	id := store.addTask("x", `null`, claim("repo:1", true), claim("repo:2", false))
	ok, err := store.TryClaim(ctx, id, uuid.New())
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, store.ledgerEntries(), 2)

	require.NoError(t, store.ReleaseClaims(ctx, id))
	assert.Empty(t, store.ledgerEntries())

	// Second release: no error, no change.
	require.NoError(t, store.ReleaseClaims(ctx, id))
	assert.Empty(t, store.ledgerEntries())
}

func TestHandlerPanicMarksTaskFailed(t *testing.T) {
	store := newMemStore()
	notifier := wakeup.NewLocal()
	reg := NewRegistry()
	reg.Register("panics", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		panic("boom")
	})
	reg.Register("ok", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})

	bad := store.addTask("panics", `null`, claim("repo:1", true))
	good := store.addTask("ok", `null`, claim("repo:2", true))

	startWorker(t, store, notifier, reg, fastOptions())

	// The panic is confined to the task; the worker keeps going.
	require.Eventually(t, func() bool {
		return store.taskState(bad) == domain.StateFailed &&
			store.taskState(good) == domain.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	assert.Contains(t, store.taskError(bad), "panicked")
	assert.Empty(t, store.ledgerEntries())
}

// cancelSensitiveStore refuses mutations on a canceled context, the way
// the Postgres store does.
type cancelSensitiveStore struct {
	*memStore
}

func (s *cancelSensitiveStore) FinishTask(ctx context.Context, taskID, workerID uuid.UUID, state string, result json.RawMessage, errDetail string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.memStore.FinishTask(ctx, taskID, workerID, state, result, errDetail)
}

func (s *cancelSensitiveStore) ReleaseClaims(ctx context.Context, taskID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.memStore.ReleaseClaims(ctx, taskID)
}

// A worker stopped mid-task must still finalize it: the task reaches a
// terminal state, its claims are released, and only then does the worker
// record go away. Nothing is left for the sweep.
func TestGracefulShutdownFinalizesRunningTask(t *testing.T) {
	store := newMemStore()
	wrapped := &cancelSensitiveStore{memStore: store}
	notifier := wakeup.NewLocal()
	reg := NewRegistry()
	reg.Register("block", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id := store.addTask("block", `null`, claim("repo:hot", true))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w := New(wrapped, notifier, reg, fastOptions())
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return store.taskState(id) == domain.StateRunning
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done

	assert.Equal(t, domain.StateFailed, store.taskState(id))
	assert.Empty(t, store.ledgerEntries(), "shutdown must not strand ledger entries")
	assert.Zero(t, store.workerCount(), "clean shutdown removes the worker record")
}

// finishFailStore simulates a store outage at finalize time.
type finishFailStore struct {
	*memStore
}

func (s *finishFailStore) FinishTask(ctx context.Context, taskID, workerID uuid.UUID, state string, result json.RawMessage, errDetail string) (bool, error) {
	return false, errors.New("store unavailable")
}

// When finalize fails, the task is still running as far as the store
// knows, so its claims must stay held: releasing them would let another
// task claim a resource the running task's row still owns.
func TestFinalizeErrorKeepsClaims(t *testing.T) {
	store := newMemStore()
	wrapped := &finishFailStore{memStore: store}
	reg := NewRegistry()
	reg.Register("ok", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})

	id := store.addTask("ok", `null`, claim("repo:1", true))
	w := New(wrapped, wakeup.NewLocal(), reg, fastOptions())
	ok, err := store.TryClaim(context.Background(), id, w.ID())
	require.NoError(t, err)
	require.True(t, ok)

	w.execute(context.Background(), &domain.Task{ID: id, Name: "ok"})

	assert.Equal(t, domain.StateRunning, store.taskState(id))
	require.Len(t, store.ledgerEntries(), 1, "claims of a still-running task must not be released")
}

// A worker whose record was swept while it was stalled re-registers on
// the next heartbeat instead of livelocking with zero capacity.
func TestHeartbeatReRegistersAfterSweep(t *testing.T) {
	store := newMemStore()
	notifier := wakeup.NewLocal()
	reg := NewRegistry()
	reg.Register("ok", func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})

	startWorker(t, store, notifier, reg, fastOptions())
	require.Eventually(t, func() bool {
		return store.workerCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	store.dropWorkerRecords()
	require.Eventually(t, func() bool {
		return store.workerCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// And the revived worker still executes work.
	id := store.addTask("ok", `null`, claim("repo:1", true))
	_ = notifier.NotifyAll(context.Background())
	require.Eventually(t, func() bool {
		return store.taskState(id) == domain.StateCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUnknownTaskTypeFails(t *testing.T) {
	store := newMemStore()
	notifier := wakeup.NewLocal()
	reg := NewRegistry()

	id := store.addTask("nobody-home", `null`)
	startWorker(t, store, notifier, reg, fastOptions())

	require.Eventually(t, func() bool {
		return store.taskState(id) == domain.StateFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, store.taskError(id), "no handler registered")
}

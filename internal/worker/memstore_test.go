package worker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/decko/pulpcore/internal/domain"

	"github.com/google/uuid"
)

// memStore implements the Store contract in memory under one mutex, with
// the same conditional-update semantics the Postgres store provides. Tests
// drive the worker loop against it directly.
type memStore struct {
	mu      sync.Mutex
	seq     int
	base    time.Time
	tasks   map[uuid.UUID]*domain.Task
	order   []uuid.UUID
	ledger  []domain.ClaimEntry
	workers map[uuid.UUID]*domain.Worker
	wins    map[uuid.UUID]int
}

func newMemStore() *memStore {
	return &memStore{
		base:    time.Now(),
		tasks:   make(map[uuid.UUID]*domain.Task),
		workers: make(map[uuid.UUID]*domain.Worker),
		wins:    make(map[uuid.UUID]int),
	}
}

func (m *memStore) addTask(name string, args string, claims ...domain.ResourceClaim) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &domain.Task{
		ID:        uuid.New(),
		Name:      name,
		Args:      json.RawMessage(args),
		State:     domain.StateWaiting,
		Claims:    claims,
		CreatedAt: m.base.Add(time.Duration(m.seq) * time.Millisecond),
	}
	m.tasks[t.ID] = t
	m.order = append(m.order, t.ID)
	return t.ID
}

func (m *memStore) taskState(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ""
	}
	return t.State
}

func (m *memStore) taskError(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ""
	}
	return t.Error
}

func (m *memStore) ledgerEntries() []domain.ClaimEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ClaimEntry, len(m.ledger))
	copy(out, m.ledger)
	return out
}

func (m *memStore) claimWins(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wins[id]
}

func (m *memStore) workerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// dropWorkerRecords simulates a peer sweeping this process's record away
// while it was stalled: the rows vanish but the process lives on.
func (m *memStore) dropWorkerRecords() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.workers {
		delete(m.workers, id)
	}
}

// addDeadWorker plants a worker record with an expired heartbeat plus a
// task still marked running under it, simulating a crash mid-execution.
func (m *memStore) addDeadWorker(taskID uuid.UUID) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &domain.Worker{
		ID:            uuid.New(),
		Name:          "dead@test",
		Host:          "test",
		LastHeartbeat: time.Now().Add(-time.Hour),
		TaskID:        &taskID,
	}
	m.workers[w.ID] = w
	t := m.tasks[taskID]
	t.State = domain.StateRunning
	t.WorkerID = &w.ID
	m.wins[taskID]++
	for _, c := range t.Claims {
		m.ledger = append(m.ledger, domain.ClaimEntry{Resource: c.Resource, TaskID: taskID, Exclusive: c.Exclusive})
	}
	return w.ID
}

// cancelTask mirrors the store's conditional waiting->canceled transition.
func (m *memStore) cancelTask(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.State != domain.StateWaiting {
		return &domain.ConflictError{TaskID: id.String(), State: t.State, Action: "cancel"}
	}
	t.State = domain.StateCanceled
	now := time.Now()
	t.FinishedAt = &now
	return nil
}

func (m *memStore) RegisterWorker(ctx context.Context, w *domain.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.workers[w.ID] = &cp
	return nil
}

func (m *memStore) Heartbeat(ctx context.Context, workerID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return false, nil
	}
	w.LastHeartbeat = time.Now()
	return true, nil
}

func (m *memStore) DeregisterWorker(ctx context.Context, workerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// The record stays while a task is still running under this worker,
	// so the sweep can finish the cleanup.
	for _, t := range m.tasks {
		if t.State == domain.StateRunning && t.WorkerID != nil && *t.WorkerID == workerID {
			return nil
		}
	}
	delete(m.workers, workerID)
	return nil
}

func (m *memStore) NextWaiting(ctx context.Context, limit int) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, id := range m.order {
		if len(out) >= limit {
			break
		}
		if t := m.tasks[id]; t.State == domain.StateWaiting {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *memStore) TryClaim(ctx context.Context, taskID, workerID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.State != domain.StateWaiting {
		return false, nil
	}
	for _, c := range t.Claims {
		for _, e := range m.ledger {
			if e.Resource == c.Resource && (e.Exclusive || c.Exclusive) {
				return false, nil
			}
		}
	}
	for _, c := range t.Claims {
		m.ledger = append(m.ledger, domain.ClaimEntry{Resource: c.Resource, TaskID: taskID, Exclusive: c.Exclusive})
	}
	now := time.Now()
	t.State = domain.StateRunning
	t.WorkerID = &workerID
	t.StartedAt = &now
	m.wins[taskID]++
	if w, ok := m.workers[workerID]; ok {
		w.TaskID = &taskID
	}
	return true, nil
}

func (m *memStore) FinishTask(ctx context.Context, taskID, workerID uuid.UUID, state string, result json.RawMessage, errDetail string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok || t.State != domain.StateRunning || t.WorkerID == nil || *t.WorkerID != workerID {
		return false, nil
	}
	now := time.Now()
	t.State = state
	t.Result = result
	t.Error = errDetail
	t.FinishedAt = &now
	m.dropClaims(taskID)
	if w, ok := m.workers[workerID]; ok && w.TaskID != nil && *w.TaskID == taskID {
		w.TaskID = nil
	}
	return true, nil
}

func (m *memStore) ReleaseClaims(ctx context.Context, taskID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropClaims(taskID)
	return nil
}

func (m *memStore) dropClaims(taskID uuid.UUID) {
	kept := m.ledger[:0]
	for _, e := range m.ledger {
		if e.TaskID != taskID {
			kept = append(kept, e)
		}
	}
	m.ledger = kept
}

func (m *memStore) ExpiredWorkers(ctx context.Context, timeout time.Duration) ([]domain.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-timeout)
	var out []domain.Worker
	for _, w := range m.workers {
		if w.LastHeartbeat.Before(cutoff) {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (m *memStore) FailWorkerTasks(ctx context.Context, workerID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var failed []uuid.UUID
	for _, t := range m.tasks {
		if t.State == domain.StateRunning && t.WorkerID != nil && *t.WorkerID == workerID {
			now := time.Now()
			t.State = domain.StateFailed
			t.Error = domain.ErrorReasonWorkerLost
			t.FinishedAt = &now
			m.dropClaims(t.ID)
			failed = append(failed, t.ID)
		}
	}
	return failed, nil
}

func (m *memStore) DeleteWorkerIfExpired(ctx context.Context, workerID uuid.UUID, timeout time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok || !w.LastHeartbeat.Before(time.Now().Add(-timeout)) {
		return false, nil
	}
	delete(m.workers, workerID)
	return true, nil
}

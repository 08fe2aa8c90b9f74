// Package wakeup lets idle workers sleep instead of busy-polling the store.
// Delivery is best-effort: a lost signal is recovered by the bounded timeout
// every waiter passes to Wait, so nothing is dropped permanently.
package wakeup

import (
	"context"
	"sync"
	"time"
)

// Notifier is the wake/notify channel between task producers and idle
// workers. NotifyAll must fire whenever a task is created, canceled, or a
// running task's claims are released.
type Notifier interface {
	// NotifyAll wakes every worker currently blocked in Wait.
	NotifyAll(ctx context.Context) error
	// Wait blocks until a signal arrives, the timeout elapses, or ctx is
	// done. It only returns an error for ctx cancellation; a timeout is a
	// normal return (the caller re-scans either way).
	Wait(ctx context.Context, timeout time.Duration) error
}

// Local is an in-process Notifier for single-process deployments and tests.
type Local struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewLocal() *Local {
	return &Local{ch: make(chan struct{})}
}

func (l *Local) NotifyAll(ctx context.Context) error {
	l.mu.Lock()
	close(l.ch)
	l.ch = make(chan struct{})
	l.mu.Unlock()
	return nil
}

func (l *Local) Wait(ctx context.Context, timeout time.Duration) error {
	l.mu.Lock()
	ch := l.ch
	l.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	case <-ch:
		return nil
	}
}

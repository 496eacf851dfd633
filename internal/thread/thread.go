// Package thread provides the emulated thread runtime that proxied work runs
// on: thread identities, a liveness registry and an execution loop pinned to
// an OS thread that drains the queues it is notified about.
package thread

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-sysemu/internal/logging"
	"github.com/ehrlich-b/go-sysemu/internal/proxy"
)

// Thread is one emulated thread and its execution loop. A panicking task
// ends the loop: the rest of its batch is dropped without running, the same
// as work still queued at Stop.
type Thread struct {
	id       uint32
	registry *Registry
	system   *proxy.Queue
	logger   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	alive atomic.Bool

	// System queue notifications never take a lock
	systemPending atomic.Bool

	mu      sync.Mutex
	pending map[*proxy.Queue]struct{}

	executed atomic.Uint64
}

func newThread(ctx context.Context, id uint32, r *Registry) *Thread {
	ctx, cancel := context.WithCancel(logging.ContextWithThread(ctx, id))
	t := &Thread{
		id:       id,
		registry: r,
		system:   r.system,
		logger:   r.logger.WithThread(id),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		pending:  make(map[*proxy.Queue]struct{}),
	}
	t.alive.Store(true)
	return t
}

// ID implements proxy.Target
func (t *Thread) ID() uint32 {
	if t == nil {
		return 0
	}
	return t.id
}

// Alive implements proxy.Target
func (t *Thread) Alive() bool {
	return t != nil && t.alive.Load()
}

// Done implements proxy.Target
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

// Notify implements proxy.Target. It records that q has work for this thread
// and wakes the loop.
func (t *Thread) Notify(q *proxy.Queue) {
	if q == t.system {
		t.systemPending.Store(true)
	} else {
		t.mu.Lock()
		t.pending[q] = struct{}{}
		t.mu.Unlock()
	}

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Call runs fn on this thread through the system queue and waits for it.
// It returns false if the thread is gone.
func (t *Thread) Call(fn func()) bool {
	return t.system.Sync(t, fn)
}

// Post runs fn on this thread through the system queue without waiting
func (t *Thread) Post(fn func()) bool {
	return t.system.Async(t, fn)
}

// Stop asks the loop to exit. Work still queued for this thread is not run,
// nor is anything after a task that panicked.
// Stop does not wait; use Join for that. It is safe to call from a task
// running on the thread itself.
func (t *Thread) Stop() {
	t.cancel()
}

// Join waits for the loop to exit or ctx to be done
func (t *Thread) Join(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("thread %d: %w", t.id, ctx.Err())
	}
}

// Executed returns the number of tasks this thread has run
func (t *Thread) Executed() uint64 {
	return t.executed.Load()
}

// loop is the execution loop. It drains notified queues until stopped.
func (t *Thread) loop(started chan<- struct{}) {
	// Pin to an OS thread so a thread identity maps to one kernel thread
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer t.exit()
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("proxied task panicked, thread exiting", "panic", fmt.Sprint(r))
		}
	}()

	t.logger.Debug("execution loop started")
	close(started)

	for {
		select {
		case <-t.ctx.Done():
			t.logger.Debug("execution loop stopping")
			return
		case <-t.wake:
		}

		t.drain()
	}
}

// drain executes every queue notified since the last pass
func (t *Thread) drain() {
	if t.systemPending.Swap(false) {
		t.executed.Add(uint64(t.system.Execute(t.id)))
	}

	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return
	}
	queues := make([]*proxy.Queue, 0, len(t.pending))
	for q := range t.pending {
		queues = append(queues, q)
	}
	clear(t.pending)
	t.mu.Unlock()

	for _, q := range queues {
		t.executed.Add(uint64(q.Execute(t.id)))
	}
}

// exit leaves the live set before Done is closed so that late submitters are
// rejected rather than parked
func (t *Thread) exit() {
	t.alive.Store(false)
	t.registry.remove(t.id)
	t.cancel()
	close(t.done)
}

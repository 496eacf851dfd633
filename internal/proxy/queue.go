// Package proxy implements cross-thread task proxying.
//
// A Queue maps target thread IDs to per-thread task queues. Producers on any
// thread append work and wake the target; the target drains its own queue
// from its execution loop. Work only runs while the target is inside that
// loop, so blocking submissions also watch the target's Done channel and
// report false instead of hanging when the target exits first.
package proxy

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ehrlich-b/go-sysemu/internal/logging"
)

// Target is a thread that can receive proxied work
type Target interface {
	// ID returns the thread's identity
	ID() uint32

	// Alive reports whether the thread is still inside its execution loop
	Alive() bool

	// Notify wakes the thread so that it drains q
	Notify(q *Queue)

	// Done is closed once the thread has left its execution loop
	Done() <-chan struct{}
}

// Observer receives proxy events
type Observer interface {
	ObserveSubmit(kind string, accepted bool)
	ObserveDrain(tasks int)
}

type noopObserver struct{}

func (noopObserver) ObserveSubmit(string, bool) {}
func (noopObserver) ObserveDrain(int)           {}

// Options configures a Queue
type Options struct {
	// Name is used in log context. Defaults to "proxy".
	Name string

	Logger   *logging.Logger
	Observer Observer

	// lockFree selects the lock-free per-thread discipline (system queue)
	lockFree bool
}

// Queue routes proxied work to target threads
type Queue struct {
	name     string
	lockFree bool
	logger   *logging.Logger
	observer Observer

	mu     sync.RWMutex
	queues map[uint32]taskQueue

	destroyed atomic.Bool
}

// NewQueue creates an empty proxying queue
func NewQueue(opts Options) *Queue {
	if opts.Name == "" {
		opts.Name = "proxy"
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}

	return &Queue{
		name:     opts.Name,
		lockFree: opts.lockFree,
		logger:   opts.Logger.WithQueue(opts.Name),
		observer: opts.Observer,
		queues:   make(map[uint32]taskQueue),
	}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// IsSystem reports whether q uses the lock-free discipline of the system queue
func (q *Queue) IsSystem() bool {
	return q.lockFree
}

// Destroy releases every per-thread queue. Pending tasks are dropped; callers
// must drain first. Submissions after Destroy are rejected.
func (q *Queue) Destroy() {
	if !q.destroyed.CompareAndSwap(false, true) {
		return
	}

	q.mu.Lock()
	pending := 0
	for _, tq := range q.queues {
		pending += tq.len()
	}
	q.queues = make(map[uint32]taskQueue)
	q.mu.Unlock()

	if pending > 0 {
		q.logger.Warn("queue destroyed with pending tasks", "pending", pending)
	}
}

// Async proxies fn to target without waiting. It returns false if the target
// is not a live thread.
func (q *Queue) Async(target Target, fn func()) bool {
	if fn == nil {
		panic("proxy: nil function")
	}
	return q.submit(target, task{kind: kindAsync, fn: fn})
}

// Sync proxies fn to target and blocks until it has run. It returns false
// without blocking if the target is not a live thread, and false if the
// target exits before running fn. Calling Sync from target's own loop
// deadlocks.
func (q *Queue) Sync(target Target, fn func()) bool {
	if fn == nil {
		panic("proxy: nil function")
	}
	if !q.accepts(target, kindSync) {
		return false
	}

	ctx := newCtx(q, target.ID())
	if !q.submit(target, task{kind: kindSync, fn: fn, ctx: ctx}) {
		return false
	}
	return wait(ctx, target)
}

// SyncWithCtx proxies fn to target and blocks until fn, or whoever it hands
// the token to, calls Finish. Return values match Sync, except that once fn
// has started the call waits for Finish even if target exits. If fn panics
// before handing the token off, the submitter is released with false.
func (q *Queue) SyncWithCtx(target Target, fn func(*Ctx)) bool {
	if fn == nil {
		panic("proxy: nil function")
	}
	if !q.accepts(target, kindSyncCtx) {
		return false
	}

	ctx := newCtx(q, target.ID())
	if !q.submit(target, task{kind: kindSyncCtx, ctxFn: fn, ctx: ctx}) {
		return false
	}
	return wait(ctx, target)
}

// Finish completes ctx. Equivalent to ctx.Finish().
func (q *Queue) Finish(ctx *Ctx) {
	ctx.Finish()
}

// Execute drains the queue of self. It must only be called on self's own
// thread. Tasks submitted while a pass runs are picked up by the next pass;
// Execute returns once a swap finds nothing pending. It returns the number
// of tasks run.
func (q *Queue) Execute(self uint32) int {
	q.mu.RLock()
	tq, ok := q.queues[self]
	q.mu.RUnlock()
	if !ok {
		return 0
	}

	batch := getBatch()
	defer func() { putBatch(batch) }()

	total := 0
	for {
		batch = tq.swap(batch[:0])
		if len(batch) == 0 {
			break
		}
		for i := range batch {
			batch[i].run()
			// Drop references as we go so finished closures can be collected
			batch[i] = task{}
		}
		total += len(batch)
	}

	if total > 0 {
		q.observer.ObserveDrain(total)
	}
	return total
}

// Len returns the number of tasks pending for thread id
func (q *Queue) Len(id uint32) int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if tq, ok := q.queues[id]; ok {
		return tq.len()
	}
	return 0
}

func (q *Queue) String() string {
	return fmt.Sprintf("proxy.Queue(%s)", q.name)
}

// accepts checks that target can take work, logging and counting rejections
func (q *Queue) accepts(target Target, kind taskKind) bool {
	if target == nil {
		q.reject(kind, 0)
		return false
	}
	if q.destroyed.Load() || !target.Alive() {
		q.reject(kind, target.ID())
		return false
	}
	return true
}

func (q *Queue) reject(kind taskKind, id uint32) {
	q.logger.TaskRejected(kind.String(), id)
	q.observer.ObserveSubmit(kind.String(), false)
}

// submit enqueues t for target and wakes it
func (q *Queue) submit(target Target, t task) bool {
	if !q.accepts(target, t.kind) {
		return false
	}

	q.queueFor(target.ID()).push(t)
	q.observer.ObserveSubmit(t.kind.String(), true)
	target.Notify(q)
	return true
}

// queueFor returns the task queue of id, creating it on first use
func (q *Queue) queueFor(id uint32) taskQueue {
	q.mu.RLock()
	tq, ok := q.queues[id]
	q.mu.RUnlock()
	if ok {
		return tq
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if tq, ok = q.queues[id]; ok {
		return tq
	}
	if q.lockFree {
		tq = newLockfreeQueue()
	} else {
		tq = newMutexQueue()
	}
	q.queues[id] = tq
	return tq
}

// wait blocks until ctx is finished. A target exiting its execution loop
// releases the submitter only if the work never started; once dispatched,
// the token may be finished from anywhere and wait keeps blocking for it.
func wait(ctx *Ctx, target Target) bool {
	select {
	case <-ctx.done:
		return true
	case <-target.Done():
		if ctx.dispatched.Load() {
			<-ctx.done
			return true
		}
		// The target may have finished the token on its way out
		return ctx.Completed()
	}
}

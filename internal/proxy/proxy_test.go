package proxy

import (
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-sysemu/internal/logging"
)

func quietLogger() *logging.Logger {
	return logging.NewLogger(&logging.Config{
		Level:  logging.LevelError,
		Format: "json",
		Output: io.Discard,
		Sync:   true,
	})
}

// fakeThread is a minimal Target. When started it drains every queue it is
// notified about; otherwise tasks stay queued until Execute is called by hand.
type fakeThread struct {
	id    uint32
	alive atomic.Bool
	done  chan struct{}
	wake  chan *Queue
	stop  chan struct{}
	once  sync.Once
}

func newFakeThread(id uint32) *fakeThread {
	f := &fakeThread{
		id:   id,
		done: make(chan struct{}),
		wake: make(chan *Queue, 4096),
		stop: make(chan struct{}),
	}
	f.alive.Store(true)
	return f
}

func (f *fakeThread) ID() uint32            { return f.id }
func (f *fakeThread) Alive() bool           { return f.alive.Load() }
func (f *fakeThread) Done() <-chan struct{} { return f.done }

func (f *fakeThread) Notify(q *Queue) {
	select {
	case f.wake <- q:
	default:
	}
}

// start runs the execution loop on a goroutine
func (f *fakeThread) start() {
	go func() {
		for {
			select {
			case q := <-f.wake:
				q.Execute(f.id)
			case <-f.stop:
				f.exit()
				return
			}
		}
	}()
}

// exit leaves the loop without draining
func (f *fakeThread) exit() {
	f.once.Do(func() {
		f.alive.Store(false)
		close(f.done)
	})
}

func (f *fakeThread) halt() {
	close(f.stop)
	<-f.done
}

type countingObserver struct {
	mu       sync.Mutex
	accepted map[string]int
	rejected map[string]int
	drained  int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{accepted: map[string]int{}, rejected: map[string]int{}}
}

func (o *countingObserver) ObserveSubmit(kind string, accepted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if accepted {
		o.accepted[kind]++
	} else {
		o.rejected[kind]++
	}
}

func (o *countingObserver) ObserveDrain(tasks int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drained += tasks
}

func newTestQueue() *Queue {
	return NewQueue(Options{Name: "test", Logger: quietLogger()})
}

func TestAsyncRunsInOrder(t *testing.T) {
	q := newTestQueue()
	target := newFakeThread(1)

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		require.True(t, q.Async(target, func() { got = append(got, i) }))
	}
	assert.Equal(t, 10, q.Len(1))

	n := q.Execute(1)
	assert.Equal(t, 10, n)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	assert.Zero(t, q.Len(1))
}

func TestAsyncRejected(t *testing.T) {
	q := newTestQueue()

	assert.False(t, q.Async(nil, func() {}))

	dead := newFakeThread(2)
	dead.exit()
	assert.False(t, q.Async(dead, func() {}))
	assert.Zero(t, q.Len(2))
}

func TestExecuteUnknownThread(t *testing.T) {
	q := newTestQueue()
	assert.Zero(t, q.Execute(42))
}

func TestExecuteRechecksForNewWork(t *testing.T) {
	q := newTestQueue()
	target := newFakeThread(1)

	var ran []string
	require.True(t, q.Async(target, func() {
		ran = append(ran, "first")
		q.Async(target, func() {
			ran = append(ran, "second")
		})
	}))

	assert.Equal(t, 2, q.Execute(1))
	assert.Equal(t, []string{"first", "second"}, ran)
}

func TestSync(t *testing.T) {
	q := newTestQueue()
	target := newFakeThread(1)
	target.start()
	defer target.halt()

	var value int
	ok := q.Sync(target, func() { value = 42 })
	assert.True(t, ok)
	assert.Equal(t, 42, value, "Sync must not return before fn has run")
}

func TestSyncRejectedDoesNotBlock(t *testing.T) {
	q := newTestQueue()
	dead := newFakeThread(3)
	dead.exit()

	done := make(chan bool)
	go func() { done <- q.Sync(dead, func() {}) }()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Sync blocked on a dead target")
	}
}

func TestSyncTargetDiesBeforeDraining(t *testing.T) {
	q := newTestQueue()
	target := newFakeThread(4) // never started, never drains

	done := make(chan bool)
	go func() { done <- q.Sync(target, func() {}) }()

	require.Eventually(t, func() bool { return q.Len(4) == 1 }, time.Second, time.Millisecond)
	target.exit()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Sync hung after its target exited")
	}
}

func TestSyncWithCtxDeferredFinish(t *testing.T) {
	q := newTestQueue()
	target := newFakeThread(1)
	target.start()
	defer target.halt()

	var finished atomic.Bool
	ok := q.SyncWithCtx(target, func(ctx *Ctx) {
		assert.Equal(t, uint32(1), ctx.Target())
		// Complete later from another goroutine
		go func() {
			time.Sleep(20 * time.Millisecond)
			finished.Store(true)
			q.Finish(ctx)
		}()
	})
	assert.True(t, ok)
	assert.True(t, finished.Load(), "SyncWithCtx returned before Finish")
}

func TestSyncWithCtxTargetDies(t *testing.T) {
	q := newTestQueue()
	target := newFakeThread(1) // never started, never drains

	done := make(chan bool)
	go func() {
		done <- q.SyncWithCtx(target, func(*Ctx) {
			t.Error("task ran on a target that never drained")
		})
	}()

	require.Eventually(t, func() bool { return q.Len(1) == 1 }, time.Second, time.Millisecond)
	target.exit()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("SyncWithCtx hung after its target exited")
	}
}

func TestSyncWithCtxFinishAfterTargetDies(t *testing.T) {
	q := newTestQueue()
	target := newFakeThread(1)
	target.start()

	handoff := make(chan *Ctx, 1)
	done := make(chan bool, 1)
	go func() {
		done <- q.SyncWithCtx(target, func(c *Ctx) { handoff <- c })
	}()

	c := <-handoff
	target.halt()

	// The token outlives the target; the submitter keeps waiting for it
	select {
	case <-done:
		t.Fatal("SyncWithCtx returned before Finish")
	case <-time.After(10 * time.Millisecond):
	}

	c.Finish()
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("SyncWithCtx hung after Finish")
	}
}

func TestSyncWithCtxPanicReleasesSubmitter(t *testing.T) {
	q := newTestQueue()
	target := newFakeThread(1)

	done := make(chan bool, 1)
	go func() {
		done <- q.SyncWithCtx(target, func(*Ctx) { panic("boom") })
	}()
	require.Eventually(t, func() bool { return q.Len(1) == 1 }, time.Second, time.Millisecond)

	// Run the batch the way a thread loop does: recover and exit
	func() {
		defer target.exit()
		defer func() { _ = recover() }()
		q.Execute(1)
	}()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("SyncWithCtx hung after its task panicked")
	}
}

func TestCtxDoubleFinish(t *testing.T) {
	q := newTestQueue()
	ctx := newCtx(q, 1)

	assert.False(t, ctx.Completed())
	ctx.Finish()
	assert.True(t, ctx.Completed())
	assert.NotPanics(t, ctx.Finish)

	select {
	case <-ctx.Done():
	default:
		t.Fatal("Done not closed after Finish")
	}
}

func TestDestroy(t *testing.T) {
	q := newTestQueue()
	target := newFakeThread(1)

	require.True(t, q.Async(target, func() {}))
	q.Destroy()
	assert.Zero(t, q.Len(1))
	assert.False(t, q.Async(target, func() {}))
	assert.False(t, q.Sync(target, func() {}))

	// Idempotent
	q.Destroy()
}

func TestObserver(t *testing.T) {
	obs := newCountingObserver()
	q := NewQueue(Options{Logger: quietLogger(), Observer: obs})
	target := newFakeThread(1)
	target.start()
	defer target.halt()

	require.True(t, q.Sync(target, func() {}))
	require.True(t, q.SyncWithCtx(target, func(c *Ctx) { c.Finish() }))
	assert.False(t, q.Async(nil, func() {}))

	// Drains are reported after the pass, which may trail the waiter
	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return obs.drained == 2
	}, time.Second, time.Millisecond)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.accepted["sync"])
	assert.Equal(t, 1, obs.accepted["sync_ctx"])
	assert.Equal(t, 1, obs.rejected["async"])
}

func TestNilFunctionPanics(t *testing.T) {
	q := newTestQueue()
	target := newFakeThread(1)

	assert.Panics(t, func() { q.Async(target, nil) })
	assert.Panics(t, func() { q.Sync(target, nil) })
	assert.Panics(t, func() { q.SyncWithCtx(target, nil) })
}

func TestSystemQueueSingleton(t *testing.T) {
	assert.Same(t, System(), System())
	assert.True(t, System().IsSystem())
	assert.Equal(t, "system", System().Name())
	assert.False(t, newTestQueue().IsSystem())
}

// Per-producer FIFO order must hold under concurrent submission for both
// disciplines
func TestConcurrentProducersKeepOrder(t *testing.T) {
	tests := []struct {
		name  string
		queue func() *Queue
	}{
		{"mutex", newTestQueue},
		{"lockfree", func() *Queue { return NewSystemQueue(Options{Logger: quietLogger()}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const producers = 8
			const perProducer = 500

			q := tt.queue()
			target := newFakeThread(1)
			target.start()
			defer target.halt()

			// Only the target thread touches seen
			seen := make([][]int, producers)

			var g errgroup.Group
			for p := 0; p < producers; p++ {
				p := p
				g.Go(func() error {
					for i := 0; i < perProducer; i++ {
						i := i
						if !q.Async(target, func() { seen[p] = append(seen[p], i) }) {
							t.Errorf("producer %d: submission %d rejected", p, i)
						}
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())

			// A final sync task runs after everything submitted before it
			require.True(t, q.Sync(target, func() {}))

			for p := 0; p < producers; p++ {
				require.Len(t, seen[p], perProducer)
				for i, v := range seen[p] {
					if v != i {
						t.Fatalf("producer %d: position %d ran task %d", p, i, v)
					}
				}
			}
		})
	}
}

func TestTaskQueueSwap(t *testing.T) {
	for name, tq := range map[string]taskQueue{
		"mutex":    newMutexQueue(),
		"lockfree": newLockfreeQueue(),
	} {
		t.Run(name, func(t *testing.T) {
			var order []int
			for i := 0; i < 5; i++ {
				i := i
				tq.push(task{kind: kindAsync, fn: func() { order = append(order, i) }})
			}
			assert.Equal(t, 5, tq.len())

			batch := tq.swap(getBatch())
			assert.Equal(t, 0, tq.len())
			require.Len(t, batch, 5)
			for i := range batch {
				batch[i].run()
			}
			assert.Equal(t, []int{0, 1, 2, 3, 4}, order)

			assert.Empty(t, tq.swap(batch[:0]))
			putBatch(batch)
		})
	}
}

func TestTaskKindString(t *testing.T) {
	assert.Equal(t, "async", kindAsync.String())
	assert.Equal(t, "sync", kindSync.String())
	assert.Equal(t, "sync_ctx", kindSyncCtx.String())
	assert.Equal(t, "unknown", taskKind(99).String())
}

package thread

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/ehrlich-b/go-sysemu/internal/constants"
	"github.com/ehrlich-b/go-sysemu/internal/logging"
	"github.com/ehrlich-b/go-sysemu/internal/proxy"
)

var (
	// ErrTooManyThreads is returned by Spawn when MaxThreads are live
	ErrTooManyThreads = errors.New("thread: too many threads")
	// ErrClosed is returned by Spawn after Shutdown
	ErrClosed = errors.New("thread: registry closed")
)

// Config configures a Registry
type Config struct {
	// MaxThreads bounds the number of live threads. Defaults to
	// constants.DefaultMaxThreads.
	MaxThreads int

	// System is the queue Thread.Call uses. Defaults to proxy.System().
	System *proxy.Queue

	Logger *logging.Logger
}

// Registry allocates thread IDs and tracks which threads are live
type Registry struct {
	maxThreads int
	system     *proxy.Queue
	logger     *logging.Logger

	mu      sync.RWMutex
	live    *roaring.Bitmap
	threads map[uint32]*Thread
	nextID  uint32
	closed  bool
}

// NewRegistry creates an empty registry
func NewRegistry(config Config) *Registry {
	if config.MaxThreads <= 0 {
		config.MaxThreads = constants.DefaultMaxThreads
	}
	if config.System == nil {
		config.System = proxy.System()
	}
	if config.Logger == nil {
		config.Logger = logging.Default()
	}

	return &Registry{
		maxThreads: config.MaxThreads,
		system:     config.System,
		logger:     config.Logger,
		live:       roaring.New(),
		threads:    make(map[uint32]*Thread),
	}
}

// System returns the queue threads of this registry drain as their system queue
func (r *Registry) System() *proxy.Queue {
	return r.system
}

// Spawn starts a new thread. The thread is live when Spawn returns and runs
// until Stop is called, ctx is cancelled, or Shutdown.
func (r *Registry) Spawn(ctx context.Context) (*Thread, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if int(r.live.GetCardinality()) >= r.maxThreads {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: limit %d", ErrTooManyThreads, r.maxThreads)
	}

	// ID 0 means "no thread"
	r.nextID++
	id := r.nextID
	t := newThread(ctx, id, r)
	r.live.Add(id)
	r.threads[id] = t
	r.mu.Unlock()

	started := make(chan struct{})
	go t.loop(started)
	<-started
	r.logger.DebugContext(t.ctx, "thread spawned")

	return t, nil
}

// Alive reports whether id is a live thread
func (r *Registry) Alive(id uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live.Contains(id)
}

// Lookup returns the live thread with id
func (r *Registry) Lookup(id uint32) (*Thread, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.threads[id]
	return t, ok
}

// Live returns the IDs of live threads in ascending order
func (r *Registry) Live() []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live.ToArray()
}

// Count returns the number of live threads
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int(r.live.GetCardinality())
}

// Shutdown stops every thread and waits for each loop to exit, bounded by
// constants.ThreadStopTimeout when ctx has no deadline. No new threads can be
// spawned afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	threads := make([]*Thread, 0, len(r.threads))
	for _, t := range r.threads {
		threads = append(threads, t)
	}
	r.mu.Unlock()

	for _, t := range threads {
		t.Stop()
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, constants.ThreadStopTimeout)
		defer cancel()
	}

	var errs []error
	for _, t := range threads {
		if err := t.Join(ctx); err != nil {
			r.logger.WarnContext(t.ctx, "thread did not exit", "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// remove drops id from the live set. Called by the thread on exit.
func (r *Registry) remove(id uint32) {
	r.mu.Lock()
	r.live.Remove(id)
	delete(r.threads, id)
	r.mu.Unlock()
}

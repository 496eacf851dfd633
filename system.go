// Package sysemu emulates POSIX memory mapping and cross-thread task
// proxying for a single-address-space, multi-thread runtime.
//
// A System owns an emulated linear heap, the mapping table and the thread
// runtime. Anonymous mappings are carved from the heap; file-backed mappings
// go through a HostIO provider. Work is moved between threads with proxying
// queues that the target thread drains from its execution loop.
package sysemu

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ehrlich-b/go-sysemu/backend"
	"github.com/ehrlich-b/go-sysemu/internal/constants"
	"github.com/ehrlich-b/go-sysemu/internal/heap"
	"github.com/ehrlich-b/go-sysemu/internal/interfaces"
	"github.com/ehrlich-b/go-sysemu/internal/logging"
	"github.com/ehrlich-b/go-sysemu/internal/mman"
	"github.com/ehrlich-b/go-sysemu/internal/proxy"
	"github.com/ehrlich-b/go-sysemu/internal/thread"
)

// Public aliases for the types a System hands out
type (
	// HostIO performs backing-store I/O for file-backed mappings
	HostIO = interfaces.HostIO
	// MapRequest is the host view of a map or unmap call
	MapRequest = interfaces.MapRequest
	// SyncRequest is the host view of an msync call
	SyncRequest = interfaces.SyncRequest
	// Arena is the emulated heap as seen by hosts
	Arena = interfaces.Arena
	// Mapping is one active mapping
	Mapping = mman.Mapping
	// Thread is an emulated thread with an execution loop
	Thread = thread.Thread
	// Queue is a proxying queue
	Queue = proxy.Queue
	// Ctx is the completion token of a blocking proxied call
	Ctx = proxy.Ctx
	// Target is anything proxied work can be sent to
	Target = proxy.Target
)

// Params contains parameters for creating a System
type Params struct {
	// Heap layout
	HeapBase  uintptr // First heap address (default: 1MB)
	HeapLimit int64   // Heap byte budget, 0 for unlimited (default: 256MB)

	// PageSize must be 0 or constants.PageSize; it is fixed by the
	// address space model and only validated here
	PageSize int

	// MaxThreads bounds live threads (default: 1024)
	MaxThreads int

	// Host performs file-backed mapping I/O. If nil, NewHost is called
	// with the System's heap; if that is nil too, an in-memory host is used.
	Host    HostIO
	NewHost func(Arena) HostIO
}

// DefaultParams returns default system parameters
func DefaultParams() Params {
	return Params{
		HeapBase:   constants.DefaultHeapBase,
		HeapLimit:  constants.DefaultHeapLimit,
		PageSize:   constants.PageSize,
		MaxThreads: constants.DefaultMaxThreads,
	}
}

// Validate checks params for consistency
func (p Params) Validate() error {
	if p.PageSize != 0 && p.PageSize != constants.PageSize {
		return NewError("validate", ErrCodeInvalidArgument,
			fmt.Sprintf("page size %d not supported, must be %d", p.PageSize, constants.PageSize))
	}
	if p.HeapLimit < 0 {
		return NewError("validate", ErrCodeInvalidArgument, "heap limit must not be negative")
	}
	if p.MaxThreads < 0 {
		return NewError("validate", ErrCodeInvalidArgument, "max threads must not be negative")
	}
	return nil
}

// Options contains additional options for System creation
type Options struct {
	// Context bounds the lifetime of spawned threads (if nil, uses context.Background())
	Context context.Context

	// Logger for debug/info messages (if nil, uses logging.Default())
	Logger *logging.Logger

	// Observer for metrics collection. The built-in Metrics are always
	// recorded; Observer receives the same events.
	Observer Observer
}

// System is one emulated process: heap, mappings, threads and queues
type System struct {
	heap *heap.Heap
	host HostIO
	mman *mman.Manager

	// ownsHost is set when the System created host and must shut it down
	ownsHost bool
	threads  *thread.Registry
	system   *proxy.Queue

	metrics  *Metrics
	observer Observer
	logger   *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// New creates a System.
//
// Example:
//
//	sys, err := sysemu.New(sysemu.DefaultParams(), nil)
//	addr, err := sys.Mmap2(0, 65536, sysemu.PROT_READ|sysemu.PROT_WRITE,
//		sysemu.MAP_PRIVATE|sysemu.MAP_ANONYMOUS, -1, 0)
func New(params Params, options *Options) (*System, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if options == nil {
		options = &Options{}
	}

	ctx := options.Context
	if ctx == nil {
		ctx = context.Background()
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = MultiObserver(observer, options.Observer)
	}

	h := heap.New(heap.Config{Base: params.HeapBase, Limit: params.HeapLimit})

	host, ownsHost := params.Host, params.Host == nil
	if host == nil && params.NewHost != nil {
		host = params.NewHost(h)
	}
	if host == nil {
		host = backend.NewMemory(h, backend.Options{Logger: logger})
	}

	mgr, err := mman.NewManager(mman.Config{
		Arena:    h,
		Host:     host,
		Logger:   logger,
		Observer: observer,
	})
	if err != nil {
		return nil, WrapError("new", err)
	}

	systemQueue := proxy.NewSystemQueue(proxy.Options{Logger: logger, Observer: observer})

	s := &System{
		heap:     h,
		host:     host,
		ownsHost: ownsHost,
		mman:     mgr,
		system:   systemQueue,
		metrics:  metrics,
		observer: observer,
		logger:   logger,
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.threads = thread.NewRegistry(thread.Config{
		MaxThreads: params.MaxThreads,
		System:     systemQueue,
		Logger:     logger,
	})

	logger.Debug("system created", "heap_base", fmt.Sprintf("0x%x", params.HeapBase), "heap_limit", params.HeapLimit)
	return s, nil
}

// Mmap2 maps length bytes. offsetUnits is in units of MmapUnit (4096 bytes).
func (s *System) Mmap2(hint uintptr, length int64, prot, flags, fd int, offsetUnits int64) (uintptr, error) {
	addr, err := s.mman.Mmap2(hint, length, prot, flags, fd, offsetUnits)
	if err != nil {
		return 0, s.mappingError("mmap2", hint, err)
	}
	return addr, nil
}

// Munmap removes the mapping at addr. length must equal the mapped length.
func (s *System) Munmap(addr uintptr, length int64) error {
	if err := s.mman.Munmap(addr, length); err != nil {
		return s.mappingError("munmap", addr, err)
	}
	return nil
}

// Msync flushes the mapping at addr to its backing file
func (s *System) Msync(addr uintptr, length int64, flags int) error {
	if err := s.mman.Msync(addr, length, flags); err != nil {
		return s.mappingError("msync", addr, err)
	}
	return nil
}

// Map is Mmap2 with a context and a byte offset
func (s *System) Map(ctx context.Context, hint uintptr, length int64, prot, flags, fd int, offset int64) (uintptr, error) {
	addr, err := s.mman.Map(ctx, hint, length, prot, flags, fd, offset)
	if err != nil {
		return 0, s.mappingError("mmap", hint, err)
	}
	return addr, nil
}

// Unmap is Munmap with a context
func (s *System) Unmap(ctx context.Context, addr uintptr, length int64) error {
	if err := s.mman.Unmap(ctx, addr, length); err != nil {
		return s.mappingError("munmap", addr, err)
	}
	return nil
}

// Sync is Msync with a context
func (s *System) Sync(ctx context.Context, addr uintptr, length int64, flags int) error {
	if err := s.mman.Sync(ctx, addr, length, flags); err != nil {
		return s.mappingError("msync", addr, err)
	}
	return nil
}

func (s *System) mappingError(op string, addr uintptr, err error) error {
	e := WrapError(op, err)
	e.Addr = addr
	return e
}

// Mapping returns the mapping starting at addr
func (s *System) Mapping(addr uintptr) (Mapping, bool) {
	return s.mman.Lookup(addr)
}

// Mappings returns all live mappings, most recent first
func (s *System) Mappings() []Mapping {
	return s.mman.Mappings()
}

// FormatMappings renders live mappings like /proc/self/maps
func (s *System) FormatMappings() string {
	return mman.FormatMappings(s.mman.Mappings())
}

// Bytes returns the contents of the mapping at addr. The slice aliases
// emulated memory and is only valid until the mapping is removed.
func (s *System) Bytes(addr uintptr) ([]byte, error) {
	b, err := s.mman.Bytes(addr)
	if err != nil {
		return nil, s.mappingError("bytes", addr, err)
	}
	return b, nil
}

// Spawn starts a new emulated thread
func (s *System) Spawn() (*Thread, error) {
	if s.closed.Load() {
		return nil, NewError("spawn", ErrCodeInvalidArgument, "system closed")
	}
	t, err := s.threads.Spawn(s.ctx)
	if errors.Is(err, thread.ErrTooManyThreads) {
		return nil, NewError("spawn", ErrCodeOutOfMemory, err.Error())
	}
	if err != nil {
		return nil, WrapError("spawn", err)
	}
	return t, nil
}

// Thread returns the live thread with id
func (s *System) Thread(id uint32) (*Thread, bool) {
	return s.threads.Lookup(id)
}

// Alive reports whether id is a live thread
func (s *System) Alive(id uint32) bool {
	return s.threads.Alive(id)
}

// Threads returns the IDs of live threads in ascending order
func (s *System) Threads() []uint32 {
	return s.threads.Live()
}

// NewQueue creates a proxying queue reporting to the System's observer
func (s *System) NewQueue(name string) *Queue {
	return proxy.NewQueue(proxy.Options{Name: name, Logger: s.logger, Observer: s.observer})
}

// SystemQueue returns the lock-free queue the System's threads drain first
func (s *System) SystemQueue() *Queue {
	return s.system
}

// target resolves id to a Target. Unknown IDs resolve to a target that is
// never alive, so submissions to them are rejected.
func (s *System) target(id uint32) Target {
	t, _ := s.threads.Lookup(id)
	return t
}

// Async runs fn on thread id without waiting
func (s *System) Async(id uint32, fn func()) bool {
	return s.system.Async(s.target(id), fn)
}

// Sync runs fn on thread id and waits for it
func (s *System) Sync(id uint32, fn func()) bool {
	return s.system.Sync(s.target(id), fn)
}

// SyncWithCtx runs fn on thread id and waits until the token is finished
func (s *System) SyncWithCtx(id uint32, fn func(*Ctx)) bool {
	return s.system.SyncWithCtx(s.target(id), fn)
}

// Call is Sync reporting failure as an error
func (s *System) Call(id uint32, fn func()) error {
	if !s.Sync(id, fn) {
		return NewThreadError("call", id, ErrCodeSubmissionRejected, "thread not live or exited before running the call")
	}
	return nil
}

// Heap returns heap usage statistics
func (s *System) Heap() heap.Stats {
	return s.heap.Stats()
}

// HostStats returns host statistics if the host provides them
func (s *System) HostStats() map[string]interface{} {
	if sh, ok := s.host.(interfaces.StatHost); ok {
		return sh.Stats()
	}
	return nil
}

// Host returns the host I/O provider
func (s *System) Host() HostIO {
	return s.host
}

// Metrics returns the live metrics of the System
func (s *System) Metrics() *Metrics {
	if s == nil {
		return nil
	}
	return s.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of System metrics
func (s *System) MetricsSnapshot() MetricsSnapshot {
	if s == nil || s.metrics == nil {
		return MetricsSnapshot{}
	}
	return s.metrics.Snapshot()
}

// SystemInfo summarizes a System
type SystemInfo struct {
	Mappings    int    `json:"mappings"`
	Threads     int    `json:"threads"`
	HeapInUse   int64  `json:"heap_in_use"`
	HeapPeak    int64  `json:"heap_peak"`
	HeapLimit   int64  `json:"heap_limit"`
	SystemTasks int    `json:"system_tasks"`
	Closed      bool   `json:"closed"`
	PageSize    int    `json:"page_size"`
	Host        string `json:"host"`
}

// Info returns a summary of the System
func (s *System) Info() SystemInfo {
	if s == nil {
		return SystemInfo{}
	}

	hs := s.heap.Stats()
	pending := 0
	for _, id := range s.threads.Live() {
		pending += s.system.Len(id)
	}

	host := fmt.Sprintf("%T", s.host)
	if stats := s.HostStats(); stats != nil {
		if name, ok := stats["type"].(string); ok {
			host = name
		}
	}

	return SystemInfo{
		Mappings:    s.mman.Len(),
		Threads:     s.threads.Count(),
		HeapInUse:   hs.BytesInUse,
		HeapPeak:    hs.PeakBytes,
		HeapLimit:   hs.Limit,
		SystemTasks: pending,
		Closed:      s.closed.Load(),
		PageSize:    constants.PageSize,
		Host:        host,
	}
}

// Close stops every thread and waits for their loops to exit. Mappings are
// left in place; they belong to the emulated process, not the runtime.
func (s *System) Close(ctx context.Context) error {
	if s == nil {
		return ErrInvalidArgument
	}
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.cancel()
	s.metrics.Stop()

	if err := s.threads.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop threads: %w", err)
	}
	s.system.Destroy()

	if sh, ok := s.host.(interface{ Shutdown() error }); ok && s.ownsHost {
		if err := sh.Shutdown(); err != nil {
			return fmt.Errorf("failed to shut down host: %w", err)
		}
	}

	s.logger.Debug("system closed")
	return nil
}

// Package heap provides the emulated linear memory that backs mappings.
//
// The heap hands out ranges of a flat address space starting at a configurable
// base. Every allocation is a separate Go byte slice, so freed addresses are
// never recycled and stale addresses fail lookups instead of aliasing new
// data. A weighted semaphore enforces the byte budget: exhaustion is reported
// as ErrOutOfMemory and callers decide whether to retry.
package heap

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/ehrlich-b/go-sysemu/internal/constants"
	"github.com/ehrlich-b/go-sysemu/internal/interfaces"
)

var (
	// ErrOutOfMemory is returned when an allocation would exceed the byte budget
	ErrOutOfMemory = errors.New("heap: out of memory")
	// ErrInvalidSize is returned for zero or negative allocation sizes
	ErrInvalidSize = errors.New("heap: invalid size")
	// ErrInvalidAlignment is returned when alignment is not a power of two
	ErrInvalidAlignment = errors.New("heap: alignment must be a power of two")
	// ErrBadAddress is returned for addresses outside any live allocation
	ErrBadAddress = errors.New("heap: bad address")
)

// minAlign is the alignment used by Alloc
const minAlign = 16

// Config holds heap limits
type Config struct {
	// Base is the first address handed out. Must be non-zero.
	Base uintptr

	// Limit is the byte budget. If 0, allocations are only tracked.
	Limit int64
}

// DefaultConfig returns the default heap configuration
func DefaultConfig() Config {
	return Config{
		Base:  constants.DefaultHeapBase,
		Limit: constants.DefaultHeapLimit,
	}
}

// Stats is a point-in-time view of heap usage
type Stats struct {
	Allocations uint64 // Current: live allocations
	BytesInUse  int64  // Current: bytes held by live allocations
	PeakBytes   int64  // Historical: high-water mark of BytesInUse
	TotalAllocs uint64 // Historical: successful allocations
	Failures    uint64 // Historical: allocations refused for lack of budget
	Limit       int64
}

type block struct {
	addr uintptr
	data []byte
}

func (b *block) end() uintptr {
	return b.addr + uintptr(len(b.data))
}

// Heap is the emulated linear memory
type Heap struct {
	mu     sync.RWMutex
	next   uintptr
	blocks []*block // sorted by addr

	limit  int64
	budget *semaphore.Weighted // nil if unlimited

	inUse       atomic.Int64
	peak        atomic.Int64
	totalAllocs atomic.Uint64
	failures    atomic.Uint64
}

// New creates a heap
func New(cfg Config) *Heap {
	if cfg.Base == 0 {
		cfg.Base = constants.DefaultHeapBase
	}

	h := &Heap{
		next:  cfg.Base,
		limit: cfg.Limit,
	}
	if cfg.Limit > 0 {
		h.budget = semaphore.NewWeighted(cfg.Limit)
	}
	return h
}

// AlignedAlloc implements interfaces.Allocator
func (h *Heap) AlignedAlloc(align uintptr, size int64) (uintptr, error) {
	if size <= 0 {
		return 0, ErrInvalidSize
	}
	if align == 0 || align&(align-1) != 0 {
		return 0, ErrInvalidAlignment
	}
	if align < minAlign {
		align = minAlign
	}

	if h.budget != nil && !h.budget.TryAcquire(size) {
		h.failures.Add(1)
		return 0, ErrOutOfMemory
	}

	b := &block{data: make([]byte, size)}

	h.mu.Lock()
	b.addr = alignUp(h.next, align)
	h.next = alignUp(b.end(), minAlign)
	// Bump allocation keeps blocks sorted without a search
	h.blocks = append(h.blocks, b)
	h.mu.Unlock()

	h.totalAllocs.Add(1)
	used := h.inUse.Add(size)
	for {
		peak := h.peak.Load()
		if used <= peak || h.peak.CompareAndSwap(peak, used) {
			break
		}
	}

	return b.addr, nil
}

// Alloc implements interfaces.Allocator
func (h *Heap) Alloc(size int64) (uintptr, error) {
	return h.AlignedAlloc(minAlign, size)
}

// Free implements interfaces.Allocator
func (h *Heap) Free(addr uintptr) error {
	h.mu.Lock()
	i := h.search(addr)
	if i < 0 || h.blocks[i].addr != addr {
		h.mu.Unlock()
		return fmt.Errorf("%w: free of 0x%x", ErrBadAddress, addr)
	}
	b := h.blocks[i]
	copy(h.blocks[i:], h.blocks[i+1:])
	h.blocks[len(h.blocks)-1] = nil
	h.blocks = h.blocks[:len(h.blocks)-1]
	h.mu.Unlock()

	size := int64(len(b.data))
	h.inUse.Add(-size)
	if h.budget != nil {
		h.budget.Release(size)
	}
	return nil
}

// Slice implements interfaces.Memory
func (h *Heap) Slice(addr uintptr, n int64) ([]byte, error) {
	if n < 0 {
		return nil, ErrInvalidSize
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	i := h.search(addr)
	if i < 0 {
		return nil, fmt.Errorf("%w: 0x%x", ErrBadAddress, addr)
	}
	b := h.blocks[i]
	off := int64(addr - b.addr)
	if off+n > int64(len(b.data)) {
		return nil, fmt.Errorf("%w: range 0x%x+%d crosses allocation end 0x%x", ErrBadAddress, addr, n, b.end())
	}
	return b.data[off : off+n : off+n], nil
}

// Size returns the size of the live allocation starting at addr
func (h *Heap) Size(addr uintptr) (int64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	i := h.search(addr)
	if i < 0 || h.blocks[i].addr != addr {
		return 0, false
	}
	return int64(len(h.blocks[i].data)), true
}

// Stats returns current heap statistics
func (h *Heap) Stats() Stats {
	h.mu.RLock()
	live := uint64(len(h.blocks))
	h.mu.RUnlock()

	return Stats{
		Allocations: live,
		BytesInUse:  h.inUse.Load(),
		PeakBytes:   h.peak.Load(),
		TotalAllocs: h.totalAllocs.Load(),
		Failures:    h.failures.Load(),
		Limit:       h.limit,
	}
}

// search returns the index of the block containing addr, or -1.
// Caller must hold mu.
func (h *Heap) search(addr uintptr) int {
	// First block starting after addr; the candidate is the one before it
	i := sort.Search(len(h.blocks), func(i int) bool {
		return h.blocks[i].addr > addr
	}) - 1
	if i < 0 {
		return -1
	}
	if addr >= h.blocks[i].end() {
		return -1
	}
	return i
}

func alignUp(p, align uintptr) uintptr {
	return (p + align - 1) &^ (align - 1)
}

// Compile-time interface check
var _ interfaces.Arena = (*Heap)(nil)

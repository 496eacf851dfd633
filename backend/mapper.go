// Package backend provides host I/O implementations for file-backed mappings
package backend

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/time/rate"

	"github.com/ehrlich-b/go-sysemu/internal/constants"
	"github.com/ehrlich-b/go-sysemu/internal/interfaces"
	"github.com/ehrlich-b/go-sysemu/internal/logging"
	"github.com/ehrlich-b/go-sysemu/internal/uapi"
)

// handle is an open reference to the file behind one mapping. It outlives
// the descriptor the mapping was created from.
type handle interface {
	// ReadAt fills p from off. Reads past end of file return n < len(p)
	// and a nil error.
	ReadAt(p []byte, off int64) (int, error)

	// writeback stores p at off. Bytes past end of file are dropped, the
	// way stores to pages beyond EOF never reach the file.
	writeback(p []byte, off int64) error

	// sync flushes the file to stable storage
	sync(ctx context.Context, datasync bool) error

	// release drops the reference
	release() error
}

// Options configures a host
type Options struct {
	Logger *logging.Logger

	// WritebackLimit caps writeback throughput in bytes per second.
	// Zero means unlimited.
	WritebackLimit rate.Limit

	// WritebackBurst is the largest single writeback chunk when limited.
	// Defaults to constants.PageSize.
	WritebackBurst int
}

// mapper implements interfaces.HostIO over handles. Each file-backed mapping
// is a private copy of the file range in arena memory; shared mappings are
// written back on msync and munmap.
type mapper struct {
	arena   interfaces.Arena
	open    func(fd int, req interfaces.MapRequest) (handle, error)
	limiter *rate.Limiter
	logger  *logging.Logger

	mu   sync.Mutex
	live map[uintptr]handle

	maps           atomic.Uint64
	unmaps         atomic.Uint64
	syncs          atomic.Uint64
	writebacks     atomic.Uint64
	writebackBytes atomic.Uint64
}

func newMapper(arena interfaces.Arena, opts Options, open func(int, interfaces.MapRequest) (handle, error)) *mapper {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	m := &mapper{
		arena:  arena,
		open:   open,
		logger: opts.Logger,
		live:   make(map[uintptr]handle),
	}
	if opts.WritebackLimit > 0 {
		burst := opts.WritebackBurst
		if burst <= 0 {
			burst = constants.PageSize
		}
		m.limiter = rate.NewLimiter(opts.WritebackLimit, burst)
	}
	return m
}

// Map implements interfaces.HostIO
func (m *mapper) Map(ctx context.Context, req interfaces.MapRequest) (uintptr, bool, error) {
	if req.Flags&uapi.MAP_TYPE == 0 {
		return 0, false, syscall.EINVAL
	}
	if req.Offset < 0 || req.Offset%constants.MmapUnit != 0 {
		return 0, false, syscall.EINVAL
	}
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	h, err := m.open(req.FD, req)
	if err != nil {
		return 0, false, err
	}

	addr, err := m.arena.AlignedAlloc(constants.PageSize, req.Length)
	if err != nil {
		h.release()
		return 0, false, syscall.ENOMEM
	}
	data, err := m.arena.Slice(addr, req.Length)
	if err != nil {
		m.arena.Free(addr)
		h.release()
		return 0, false, syscall.ENOMEM
	}

	clear(data)
	if _, err := h.ReadAt(data, req.Offset); err != nil {
		m.arena.Free(addr)
		h.release()
		return 0, false, err
	}

	m.mu.Lock()
	m.live[addr] = h
	m.mu.Unlock()

	m.maps.Add(1)
	return addr, true, nil
}

// Unmap implements interfaces.HostIO. Shared writable mappings are written
// back first. The handle is released even if the writeback fails.
func (m *mapper) Unmap(ctx context.Context, req interfaces.MapRequest) error {
	m.mu.Lock()
	h, ok := m.live[req.Addr]
	delete(m.live, req.Addr)
	m.mu.Unlock()
	if !ok {
		return syscall.EINVAL
	}
	m.unmaps.Add(1)

	var err error
	if uapi.IsShared(req.Flags) && req.Prot&uapi.PROT_WRITE != 0 {
		err = m.writeback(ctx, h, req.Addr, req.Length, req.Offset)
	}
	if rerr := h.release(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// Sync implements interfaces.HostIO. MS_SYNC also flushes the file to
// stable storage; MS_ASYNC only schedules the writeback, which here means
// performing it.
func (m *mapper) Sync(ctx context.Context, req interfaces.SyncRequest) error {
	m.mu.Lock()
	h, ok := m.live[req.Addr]
	m.mu.Unlock()
	if !ok {
		return syscall.ENOMEM
	}
	m.syncs.Add(1)

	if !uapi.IsShared(req.MapFlags) {
		return nil
	}
	if err := m.writeback(ctx, h, req.Addr, req.Length, req.Offset); err != nil {
		return err
	}
	if req.Flags&uapi.MS_SYNC != 0 {
		return h.sync(ctx, false)
	}
	return nil
}

// writeback copies [addr, addr+length) to the file at offset, throttled by
// the limiter
func (m *mapper) writeback(ctx context.Context, h handle, addr uintptr, length, offset int64) error {
	data, err := m.arena.Slice(addr, length)
	if err != nil {
		return syscall.ENOMEM
	}

	chunk := len(data)
	if m.limiter != nil {
		chunk = m.limiter.Burst()
	}

	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		if m.limiter != nil {
			if err := m.limiter.WaitN(ctx, end-off); err != nil {
				return fmt.Errorf("writeback throttle: %w", err)
			}
		}
		if err := h.writeback(data[off:end], offset+int64(off)); err != nil {
			return err
		}
	}

	m.writebacks.Add(1)
	m.writebackBytes.Add(uint64(len(data)))
	m.logger.Debug("mapping written back", "addr", fmt.Sprintf("0x%x", addr), "length", length)
	return nil
}

// stats returns the counters shared by every host
func (m *mapper) stats() map[string]interface{} {
	m.mu.Lock()
	live := len(m.live)
	m.mu.Unlock()

	return map[string]interface{}{
		"live_mappings":   live,
		"maps":            m.maps.Load(),
		"unmaps":          m.unmaps.Load(),
		"syncs":           m.syncs.Load(),
		"writebacks":      m.writebacks.Load(),
		"writeback_bytes": m.writebackBytes.Load(),
	}
}

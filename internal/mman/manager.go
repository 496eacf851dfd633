package mman

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ehrlich-b/go-sysemu/internal/constants"
	"github.com/ehrlich-b/go-sysemu/internal/interfaces"
	"github.com/ehrlich-b/go-sysemu/internal/logging"
	"github.com/ehrlich-b/go-sysemu/internal/uapi"
)

// Observer receives one call per completed mapping operation
type Observer interface {
	ObserveMap(length int64, anonymous bool, latencyNs uint64, success bool)
	ObserveUnmap(length int64, latencyNs uint64, success bool)
	ObserveSync(latencyNs uint64, success bool)
}

type noopObserver struct{}

func (noopObserver) ObserveMap(int64, bool, uint64, bool) {}
func (noopObserver) ObserveUnmap(int64, uint64, bool)     {}
func (noopObserver) ObserveSync(uint64, bool)             {}

// Config contains the collaborators of a Manager
type Config struct {
	// Arena carves out anonymous regions and bookkeeping records
	Arena interfaces.Arena

	// Host performs I/O for file-backed mappings. If nil, file-backed
	// mappings fail with ENODEV.
	Host interfaces.HostIO

	Logger   *logging.Logger
	Observer Observer
}

// Manager implements map/unmap/sync against a Table
type Manager struct {
	table    *Table
	arena    interfaces.Arena
	host     interfaces.HostIO
	logger   *logging.Logger
	observer Observer
}

// NewManager creates a mapping manager
func NewManager(config Config) (*Manager, error) {
	if config.Arena == nil {
		return nil, fmt.Errorf("mman: arena is required")
	}
	if config.Logger == nil {
		config.Logger = logging.Default()
	}
	if config.Observer == nil {
		config.Observer = noopObserver{}
	}

	return &Manager{
		table:    NewTable(),
		arena:    config.Arena,
		host:     config.Host,
		logger:   config.Logger,
		observer: config.Observer,
	}, nil
}

// Mmap2 is the syscall-shaped map entry point. offsetUnits is scaled by
// constants.MmapUnit; fd is ignored for MAP_ANONYMOUS.
func (m *Manager) Mmap2(hint uintptr, length int64, prot, flags, fd int, offsetUnits int64) (uintptr, error) {
	if offsetUnits > math.MaxInt64/constants.MmapUnit || offsetUnits < math.MinInt64/constants.MmapUnit {
		return 0, fmt.Errorf("%w: offset of %d units overflows", ErrInvalidArgument, offsetUnits)
	}
	return m.Map(context.Background(), hint, length, prot, flags, fd, offsetUnits*constants.MmapUnit)
}

// Munmap is the syscall-shaped unmap entry point
func (m *Manager) Munmap(addr uintptr, length int64) error {
	return m.Unmap(context.Background(), addr, length)
}

// Msync is the syscall-shaped sync entry point
func (m *Manager) Msync(addr uintptr, length int64, flags int) error {
	return m.Sync(context.Background(), addr, length, flags)
}

// Map creates a mapping and returns its address. offset is in bytes.
func (m *Manager) Map(ctx context.Context, hint uintptr, length int64, prot, flags, fd int, offset int64) (uintptr, error) {
	start := time.Now()
	addr, err := m.doMap(ctx, hint, length, prot, flags, fd, offset)
	m.observer.ObserveMap(length, uapi.IsAnonymous(flags), uint64(time.Since(start).Nanoseconds()), err == nil)
	if err != nil {
		m.logger.MapError("mmap", hint, length, err)
		return 0, err
	}
	m.logger.MapOp("mmap", addr, length)
	return addr, nil
}

func (m *Manager) doMap(ctx context.Context, hint uintptr, length int64, prot, flags, fd int, offset int64) (uintptr, error) {
	// addr must be page aligned if MAP_FIXED is set
	if uapi.IsFixed(flags) && hint%constants.PageSize != 0 {
		return 0, fmt.Errorf("%w: MAP_FIXED address 0x%x is not page aligned", ErrInvalidArgument, hint)
	}
	if length <= 0 {
		return 0, fmt.Errorf("%w: length %d", ErrInvalidArgument, length)
	}

	rec := Mapping{
		Length: length,
		Flags:  flags,
		Offset: offset,
		Prot:   prot,
	}

	if uapi.IsAnonymous(flags) {
		// One allocator call covers the data and its record
		ptr, err := m.arena.AlignedAlloc(constants.PageSize, length+constants.RecordSize)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrOutOfMemory, err)
		}
		data, err := m.arena.Slice(ptr, length)
		if err != nil {
			m.arena.Free(ptr)
			return 0, fmt.Errorf("%w: %w", ErrOutOfMemory, err)
		}
		clear(data)

		rec.Addr = ptr
		rec.FD = constants.NoFD
		rec.Allocated = true
	} else {
		if m.host == nil {
			return 0, hostError("map", fmt.Errorf("no host I/O provider: %w", errnoNoDevice))
		}

		recAddr, err := m.arena.Alloc(constants.RecordSize)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrOutOfMemory, err)
		}

		addr, allocated, err := m.host.Map(ctx, interfaces.MapRequest{
			Addr:   hint,
			Length: length,
			Prot:   prot,
			Flags:  flags,
			FD:     fd,
			Offset: offset,
		})
		if err != nil {
			m.arena.Free(recAddr)
			return 0, hostError("map", err)
		}

		rec.Addr = addr
		rec.FD = fd
		rec.Allocated = allocated
		rec.recordAddr = recAddr
	}

	if _, err := m.table.Insert(rec); err != nil {
		m.release(ctx, rec)
		return 0, err
	}
	return rec.Addr, nil
}

// release undoes a mapping that never made it into the table
func (m *Manager) release(ctx context.Context, rec Mapping) {
	if !rec.Anonymous() && m.host != nil {
		if err := m.host.Unmap(ctx, requestFor(rec)); err != nil {
			m.logger.MapError("rollback", rec.Addr, rec.Length, err)
		}
	}
	if rec.Allocated {
		m.arena.Free(rec.Addr)
	}
	if rec.recordAddr != 0 {
		m.arena.Free(rec.recordAddr)
	}
}

// Unmap removes the mapping at addr. length must equal the mapped length.
func (m *Manager) Unmap(ctx context.Context, addr uintptr, length int64) error {
	start := time.Now()
	err := m.doUnmap(ctx, addr, length)
	m.observer.ObserveUnmap(length, uint64(time.Since(start).Nanoseconds()), err == nil)
	if err != nil {
		m.logger.MapError("munmap", addr, length, err)
		return err
	}
	m.logger.MapOp("munmap", addr, length)
	return nil
}

func (m *Manager) doUnmap(ctx context.Context, addr uintptr, length int64) error {
	rec, err := m.table.Remove(addr, length)
	if err != nil {
		return err
	}

	// The record is already unlinked; a host failure leaves it gone
	if !rec.Anonymous() {
		if m.host == nil {
			return hostError("unmap", errnoNoDevice)
		}
		if err := m.host.Unmap(ctx, requestFor(rec)); err != nil {
			return hostError("unmap", err)
		}
	}

	if rec.Allocated {
		if err := m.arena.Free(rec.Addr); err != nil {
			m.logger.WithMapping(rec.Addr, rec.Length).WithError(err).Error("failed to release mapping data")
		}
	}
	if !rec.Anonymous() && rec.recordAddr != 0 {
		if err := m.arena.Free(rec.recordAddr); err != nil {
			m.logger.WithMapping(rec.Addr, rec.Length).WithError(err).Error("failed to release mapping record")
		}
	}
	return nil
}

// Sync flushes the mapping at addr. Anonymous mappings have nothing to flush.
func (m *Manager) Sync(ctx context.Context, addr uintptr, length int64, flags int) error {
	start := time.Now()
	err := m.doSync(ctx, addr, length, flags)
	m.observer.ObserveSync(uint64(time.Since(start).Nanoseconds()), err == nil)
	if err != nil {
		m.logger.MapError("msync", addr, length, err)
		return err
	}
	m.logger.MapOp("msync", addr, length)
	return nil
}

func (m *Manager) doSync(ctx context.Context, addr uintptr, length int64, flags int) error {
	rec, ok := m.table.Lookup(addr)
	if !ok {
		return fmt.Errorf("%w: no mapping at 0x%x", ErrInvalidArgument, addr)
	}
	if rec.Anonymous() {
		return nil
	}
	if m.host == nil {
		return hostError("sync", errnoNoDevice)
	}

	err := m.host.Sync(ctx, interfaces.SyncRequest{
		Addr:     addr,
		Length:   length,
		Flags:    flags,
		FD:       rec.FD,
		MapFlags: rec.Flags,
		Offset:   rec.Offset,
	})
	if err != nil {
		return hostError("sync", err)
	}
	return nil
}

// Lookup returns the mapping starting at addr
func (m *Manager) Lookup(addr uintptr) (Mapping, bool) {
	return m.table.Lookup(addr)
}

// Mappings returns a snapshot of all live mappings
func (m *Manager) Mappings() []Mapping {
	return m.table.Snapshot()
}

// Len returns the number of live mappings
func (m *Manager) Len() int {
	return m.table.Len()
}

// Bytes returns the contents of the live mapping at addr. The slice aliases
// emulated memory and is only valid until the mapping is removed.
func (m *Manager) Bytes(addr uintptr) ([]byte, error) {
	rec, ok := m.table.Lookup(addr)
	if !ok {
		return nil, fmt.Errorf("%w: no mapping at 0x%x", ErrInvalidArgument, addr)
	}
	return m.arena.Slice(rec.Addr, rec.Length)
}

func requestFor(rec Mapping) interfaces.MapRequest {
	return interfaces.MapRequest{
		Addr:   rec.Addr,
		Length: rec.Length,
		Prot:   rec.Prot,
		Flags:  rec.Flags,
		FD:     rec.FD,
		Offset: rec.Offset,
	}
}

package interfaces

import "context"

// MapRequest carries the parameters of a file-backed mapping to the host.
// Offset is in bytes; the mmap2 unit conversion has already been applied.
type MapRequest struct {
	Addr   uintptr // Address hint on Map, mapping address on Unmap
	Length int64
	Prot   int
	Flags  int
	FD     int
	Offset int64
}

// SyncRequest carries the parameters of an msync call to the host
type SyncRequest struct {
	Addr   uintptr
	Length int64
	Flags  int
	FD     int

	// MapFlags and Offset describe the mapping being synced
	MapFlags int
	Offset   int64
}

// HostIO performs the backing-store I/O for file-backed mappings.
// Implementations must be safe for concurrent use; the mapping table lock is
// never held while these methods run.
type HostIO interface {
	// Map establishes a file-backed mapping and returns its address.
	// allocated reports whether the backing memory was carved from the
	// allocator and must be released through it on unmap.
	Map(ctx context.Context, req MapRequest) (addr uintptr, allocated bool, err error)

	// Unmap tears down a file-backed mapping, writing back shared pages.
	// It must not release allocator memory; the caller does that.
	Unmap(ctx context.Context, req MapRequest) error

	// Sync flushes a file-backed mapping to its backing store.
	Sync(ctx context.Context, req SyncRequest) error
}

// DescriptorTable is an optional interface for hosts that own a descriptor
// namespace the emulated process can open files in.
type DescriptorTable interface {
	HostIO

	// Close releases a descriptor. Mappings established from it stay valid.
	Close(fd int) error
}

// StatHost is an optional interface that provides host statistics
type StatHost interface {
	HostIO

	// Stats returns host-specific statistics
	Stats() map[string]interface{}
}

package constants

import "time"

// Address space layout constants
const (
	// PageSize is the granularity of the emulated address space. It matches
	// the WebAssembly page size and governs MAP_FIXED alignment as well as the
	// alignment of anonymous mappings.
	PageSize = 64 * 1024

	// MmapUnit is the granularity of the mmap2 offset argument in bytes
	MmapUnit = 4096

	// RecordSize is the number of bytes charged to the allocator for each
	// mapping record (addr, length, allocated, fd, flags, offset, prot, next)
	RecordSize = 48
)

// Default configuration constants
const (
	// DefaultHeapBase is the first address handed out by the emulated heap.
	// Zero is never a valid mapping address.
	DefaultHeapBase = 1 << 20

	// DefaultHeapLimit is the default byte budget of the emulated heap (256MB)
	DefaultHeapLimit = 256 << 20

	// DefaultMaxThreads bounds the number of live threads in a registry
	DefaultMaxThreads = 1024

	// NoFD is the descriptor stored for anonymous mappings
	NoFD = -1
)

// Timing constants for thread lifecycle
const (
	// ThreadStopTimeout bounds how long Registry.Shutdown waits for a loop to exit
	ThreadStopTimeout = 5 * time.Second
)

// Proxying constants
const (
	// TaskBatchSize is the capacity of pooled task batches used by the drain loop
	TaskBatchSize = 256
)

package interfaces

// Allocator hands out ranges of the emulated address space.
// All methods are safe for concurrent use.
type Allocator interface {
	// AlignedAlloc returns the address of size bytes aligned to align,
	// which must be a power of two.
	AlignedAlloc(align uintptr, size int64) (uintptr, error)

	// Alloc returns the address of size bytes with default alignment
	Alloc(size int64) (uintptr, error)

	// Free releases an allocation previously returned by this allocator
	Free(addr uintptr) error
}

// Memory gives byte access to allocated ranges of the emulated address space
type Memory interface {
	// Slice returns n bytes starting at addr. The range must lie within a
	// single live allocation. The slice aliases emulated memory.
	Slice(addr uintptr, n int64) ([]byte, error)
}

// Arena is an allocator whose allocations are addressable through Memory
type Arena interface {
	Allocator
	Memory
}

// Package uapi provides the Linux mman UAPI values understood by the emulated syscalls
package uapi

// Memory protection (PROT_*)
const (
	PROT_NONE  = 0x0
	PROT_READ  = 0x1
	PROT_WRITE = 0x2
	PROT_EXEC  = 0x4
)

// Mapping flags (MAP_*)
const (
	MAP_SHARED          = 0x01
	MAP_PRIVATE         = 0x02
	MAP_SHARED_VALIDATE = 0x03
	MAP_TYPE            = 0x0f
	MAP_FIXED           = 0x10
	MAP_ANONYMOUS       = 0x20
	MAP_ANON            = MAP_ANONYMOUS
	MAP_NORESERVE       = 0x4000
	MAP_POPULATE        = 0x8000
)

// msync flags (MS_*)
const (
	MS_ASYNC      = 0x1
	MS_INVALIDATE = 0x2
	MS_SYNC       = 0x4
)

// Errno values returned (negated) by the emulated syscalls
const (
	EPERM  = 1
	ENOENT = 2
	EIO    = 5
	EBADF  = 9
	ENOMEM = 12
	EACCES = 13
	EINVAL = 22
	ENODEV = 19
	ENOSYS = 38
)

// IsAnonymous reports whether flags request an anonymous mapping
func IsAnonymous(flags int) bool {
	return flags&MAP_ANONYMOUS != 0
}

// IsFixed reports whether flags request a fixed address
func IsFixed(flags int) bool {
	return flags&MAP_FIXED != 0
}

// IsShared reports whether stores to the mapping must reach the backing file
func IsShared(flags int) bool {
	t := flags & MAP_TYPE
	return t == MAP_SHARED || t == MAP_SHARED_VALIDATE
}

// ProtString renders protection bits the way /proc/self/maps does
func ProtString(prot, flags int) string {
	b := []byte("---p")
	if prot&PROT_READ != 0 {
		b[0] = 'r'
	}
	if prot&PROT_WRITE != 0 {
		b[1] = 'w'
	}
	if prot&PROT_EXEC != 0 {
		b[2] = 'x'
	}
	if IsShared(flags) {
		b[3] = 's'
	}
	return string(b)
}

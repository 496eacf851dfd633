package mman

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrInvalidArgument is returned for misaligned fixed addresses, unknown
	// mapping addresses, zero lengths and length mismatches (EINVAL)
	ErrInvalidArgument = errors.New("mman: invalid argument")

	// ErrOutOfMemory is returned when the allocator is exhausted (ENOMEM)
	ErrOutOfMemory = errors.New("mman: out of memory")
)

// HostError is a failure status passed through from the host I/O provider
type HostError struct {
	Op    string
	Errno syscall.Errno
	Err   error
}

func (e *HostError) Error() string {
	return fmt.Sprintf("mman: host %s failed: %v", e.Op, e.Err)
}

func (e *HostError) Unwrap() error {
	return e.Err
}

// hostError wraps a host failure, defaulting the status to EIO when the host
// did not report an errno
func hostError(op string, err error) error {
	he := &HostError{Op: op, Errno: syscall.EIO, Err: err}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		he.Errno = errno
	}
	return he
}

// Errno returns the errno an emulated syscall reports for err, or 0 for nil
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var he *HostError
	if errors.As(err, &he) {
		return he.Errno
	}

	switch {
	case errors.Is(err, ErrInvalidArgument):
		return syscall.EINVAL
	case errors.Is(err, ErrOutOfMemory):
		return syscall.ENOMEM
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}

var errnoNoDevice error = syscall.ENODEV

package sysemu

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/ehrlich-b/go-sysemu/internal/heap"
	"github.com/ehrlich-b/go-sysemu/internal/mman"
)

// Error represents a structured sysemu error with context and errno mapping
type Error struct {
	Op     string        // Operation that failed (e.g., "mmap2", "munmap")
	Addr   uintptr       // Mapping address (0 if not applicable)
	Thread uint32        // Target thread ID (0 if not applicable)
	Code   ErrorCode     // High-level error category
	Errno  syscall.Errno // Errno the emulated syscall reports (0 if not applicable)
	Msg    string        // Human-readable message
	Inner  error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Addr != 0 {
		parts = append(parts, fmt.Sprintf("addr=0x%x", e.Addr))
	}

	if e.Thread != 0 {
		parts = append(parts, fmt.Sprintf("thread=%d", e.Thread))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("sysemu: %s (%s)", msg, parts[0])
	}

	return fmt.Sprintf("sysemu: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support for SysError compatibility
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if se, ok := target.(SysError); ok {
		return e.Code == ErrorCode(se)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	ErrCodeInvalidArgument    ErrorCode = "invalid argument"
	ErrCodeOutOfMemory        ErrorCode = "out of memory"
	ErrCodeHostIO             ErrorCode = "host I/O failure"
	ErrCodeSubmissionRejected ErrorCode = "submission rejected"
	ErrCodeNotFound           ErrorCode = "not found"
)

// SysError is a plain sentinel usable with errors.Is against *Error
type SysError string

func (e SysError) Error() string {
	return string(e)
}

// Sentinel errors
const (
	ErrInvalidArgument    SysError = "invalid argument"
	ErrOutOfMemory        SysError = "out of memory"
	ErrHostIO             SysError = "host I/O failure"
	ErrSubmissionRejected SysError = "submission rejected"
	ErrNotFound           SysError = "not found"
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		Code: code,
		Msg:  msg,
	}
}

// NewErrorWithErrno creates a new structured error with errno
func NewErrorWithErrno(op string, code ErrorCode, errno syscall.Errno) *Error {
	return &Error{
		Op:    op,
		Code:  code,
		Errno: errno,
		Msg:   errno.Error(),
	}
}

// NewMappingError creates a new mapping-specific error
func NewMappingError(op string, addr uintptr, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Addr:  addr,
		Code:  code,
		Errno: codeErrno(code),
		Msg:   msg,
	}
}

// NewThreadError creates a new thread-specific error
func NewThreadError(op string, thread uint32, code ErrorCode, msg string) *Error {
	return &Error{
		Op:     op,
		Thread: thread,
		Code:   code,
		Msg:    msg,
	}
}

// WrapError wraps an existing error with sysemu context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	var se *Error
	if errors.As(inner, &se) {
		return &Error{
			Op:     op,
			Addr:   se.Addr,
			Thread: se.Thread,
			Code:   se.Code,
			Errno:  se.Errno,
			Msg:    se.Msg,
			Inner:  se.Inner,
		}
	}

	// Host failures keep the errno the host reported
	var he *mman.HostError
	if errors.As(inner, &he) {
		return &Error{
			Op:    op,
			Code:  ErrCodeHostIO,
			Errno: he.Errno,
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	switch {
	case errors.Is(inner, mman.ErrInvalidArgument):
		return &Error{Op: op, Code: ErrCodeInvalidArgument, Errno: syscall.EINVAL, Msg: inner.Error(), Inner: inner}
	case errors.Is(inner, mman.ErrOutOfMemory), errors.Is(inner, heap.ErrOutOfMemory):
		return &Error{Op: op, Code: ErrCodeOutOfMemory, Errno: syscall.ENOMEM, Msg: inner.Error(), Inner: inner}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Code:  ErrCodeHostIO,
		Errno: syscall.EIO,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps syscall errno to sysemu error codes
func mapErrnoToCode(errno syscall.Errno) ErrorCode {
	switch errno {
	case syscall.EINVAL:
		return ErrCodeInvalidArgument
	case syscall.ENOMEM:
		return ErrCodeOutOfMemory
	case syscall.ENOENT, syscall.ESRCH:
		return ErrCodeNotFound
	default:
		return ErrCodeHostIO
	}
}

// codeErrno is the errno reported for a code when no host errno exists
func codeErrno(code ErrorCode) syscall.Errno {
	switch code {
	case ErrCodeInvalidArgument:
		return syscall.EINVAL
	case ErrCodeOutOfMemory:
		return syscall.ENOMEM
	case ErrCodeNotFound:
		return syscall.ENOENT
	case ErrCodeHostIO:
		return syscall.EIO
	default:
		return 0
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsErrno checks if an error matches a specific errno
func IsErrno(err error, errno syscall.Errno) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Errno == errno
	}
	return false
}

// Errno returns the value an emulated syscall returns for err: 0 on success,
// otherwise the negated errno.
func Errno(err error) int {
	if err == nil {
		return 0
	}

	var se *Error
	if errors.As(err, &se) && se.Errno != 0 {
		return -int(se.Errno)
	}
	return -int(mman.Errno(err))
}

//go:build linux

package backend

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-sysemu/internal/interfaces"
	"github.com/ehrlich-b/go-sysemu/internal/uapi"
	"github.com/ehrlich-b/go-sysemu/internal/uring"
)

// unixSyncer flushes with fsync(2) and fdatasync(2)
type unixSyncer struct{}

func (unixSyncer) Fsync(_ context.Context, fd int, datasync bool) error {
	if datasync {
		return unix.Fdatasync(fd)
	}
	return unix.Fsync(fd)
}

func (unixSyncer) Close() error { return nil }

// fileHandle is a duplicated descriptor owned by one mapping
type fileHandle struct {
	fd     int
	syncer uring.Syncer
}

func (h *fileHandle) ReadAt(p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Pread(h.fd, p[total:], off+int64(total))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, err
		}
		if n == 0 {
			break // EOF
		}
		total += n
	}
	return total, nil
}

func (h *fileHandle) writeback(p []byte, off int64) error {
	var st unix.Stat_t
	if err := unix.Fstat(h.fd, &st); err != nil {
		return err
	}
	if off >= st.Size {
		return nil
	}
	if end := off + int64(len(p)); end > st.Size {
		p = p[:st.Size-off]
	}

	for len(p) > 0 {
		n, err := unix.Pwrite(h.fd, p, off)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		p = p[n:]
		off += int64(n)
	}
	return nil
}

func (h *fileHandle) sync(ctx context.Context, datasync bool) error {
	return h.syncer.Fsync(ctx, h.fd, datasync)
}

func (h *fileHandle) release() error {
	return unix.Close(h.fd)
}

// FileOptions configures a File host
type FileOptions struct {
	Options

	// URing flushes through io_uring instead of fsync(2). If the ring
	// cannot be created the host falls back to fsync(2).
	URing        bool
	URingEntries uint32
}

// File is a host whose descriptors are real operating system descriptors
type File struct {
	*mapper
	syncer uring.Syncer
}

// NewFile creates a host over real files that maps into arena
func NewFile(arena interfaces.Arena, opts FileOptions) *File {
	f := &File{syncer: unixSyncer{}}
	f.mapper = newMapper(arena, opts.Options, f.handle)

	if opts.URing {
		ring, err := uring.NewRing(uring.Config{Entries: opts.URingEntries})
		if err != nil {
			f.logger.Warn("io_uring unavailable, using fsync", "error", err)
		} else {
			f.syncer = ring
		}
	}
	return f
}

// handle duplicates fd so the mapping survives close(fd). Shared writable
// mappings of descriptors not open for writing fail with EACCES.
func (f *File) handle(fd int, req interfaces.MapRequest) (handle, error) {
	fl, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return nil, err
	}
	if fl&unix.O_ACCMODE == unix.O_WRONLY {
		return nil, unix.EACCES
	}
	if uapi.IsShared(req.Flags) && req.Prot&uapi.PROT_WRITE != 0 && fl&unix.O_ACCMODE != unix.O_RDWR {
		return nil, unix.EACCES
	}

	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &fileHandle{fd: dup, syncer: f.syncer}, nil
}

// Open opens path and returns a descriptor usable in map requests
func (f *File) Open(path string, flags int, mode uint32) (int, error) {
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, mode)
	if err != nil {
		return -1, fmt.Errorf("open %s: %w", path, err)
	}
	return fd, nil
}

// Close implements interfaces.DescriptorTable
func (f *File) Close(fd int) error {
	return unix.Close(fd)
}

// Shutdown releases the flush ring. Live mappings keep their descriptors.
func (f *File) Shutdown() error {
	return f.syncer.Close()
}

// URing reports whether flushes go through io_uring
func (f *File) URing() bool {
	_, ok := f.syncer.(*uring.Ring)
	return ok
}

// Stats implements interfaces.StatHost
func (f *File) Stats() map[string]interface{} {
	stats := f.mapper.stats()
	stats["type"] = "file"
	stats["uring"] = f.URing()
	return stats
}

// Compile-time interface checks
var (
	_ interfaces.HostIO          = (*File)(nil)
	_ interfaces.DescriptorTable = (*File)(nil)
	_ interfaces.StatHost        = (*File)(nil)
)

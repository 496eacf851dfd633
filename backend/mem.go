package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/ehrlich-b/go-sysemu/internal/interfaces"
)

// memFile is an in-memory file
type memFile struct {
	name  string
	mu    sync.RWMutex
	data  []byte
	syncs atomic.Uint64
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if off >= int64(len(f.data)) {
		return 0, nil
	}
	return copy(p, f.data[off:]), nil
}

func (f *memFile) writeback(p []byte, off int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if off >= int64(len(f.data)) {
		return nil
	}
	copy(f.data[off:], p)
	return nil
}

func (f *memFile) sync(context.Context, bool) error {
	f.syncs.Add(1)
	return nil
}

func (f *memFile) release() error {
	return nil
}

// Memory is a host whose descriptors name in-memory files. Tests and the
// demo use it in place of a real filesystem.
type Memory struct {
	*mapper

	mu     sync.RWMutex
	files  map[int]*memFile
	nextFD int
}

// NewMemory creates an in-memory host that maps into arena
func NewMemory(arena interfaces.Arena, opts Options) *Memory {
	m := &Memory{
		files:  make(map[int]*memFile),
		nextFD: 3, // Leave room for the standard descriptors
	}
	m.mapper = newMapper(arena, opts, m.handle)
	return m
}

func (m *Memory) handle(fd int, _ interfaces.MapRequest) (handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.files[fd]
	if !ok {
		return nil, syscall.EBADF
	}
	return f, nil
}

// Create adds a file holding a copy of data and returns its descriptor
func (m *Memory) Create(name string, data []byte) int {
	f := &memFile{name: name, data: append([]byte(nil), data...)}

	m.mu.Lock()
	defer m.mu.Unlock()
	fd := m.nextFD
	m.nextFD++
	m.files[fd] = f
	return fd
}

// ReadAt reads from the file behind fd
func (m *Memory) ReadAt(fd int, p []byte, off int64) (int, error) {
	h, err := m.handle(fd, interfaces.MapRequest{})
	if err != nil {
		return 0, err
	}
	return h.ReadAt(p, off)
}

// WriteAt writes to the file behind fd, growing it as needed
func (m *Memory) WriteAt(fd int, p []byte, off int64) (int, error) {
	m.mu.RLock()
	f, ok := m.files[fd]
	m.mu.RUnlock()
	if !ok {
		return 0, syscall.EBADF
	}
	if off < 0 {
		return 0, syscall.EINVAL
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(f.data)) {
		f.data = append(f.data, make([]byte, end-int64(len(f.data)))...)
	}
	return copy(f.data[off:], p), nil
}

// Size returns the length of the file behind fd
func (m *Memory) Size(fd int) (int64, error) {
	m.mu.RLock()
	f, ok := m.files[fd]
	m.mu.RUnlock()
	if !ok {
		return 0, syscall.EBADF
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	return int64(len(f.data)), nil
}

// Close implements interfaces.DescriptorTable. Mappings of the file stay
// valid and keep writing back to it.
func (m *Memory) Close(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.files[fd]; !ok {
		return syscall.EBADF
	}
	delete(m.files, fd)
	return nil
}

// Stats implements interfaces.StatHost
func (m *Memory) Stats() map[string]interface{} {
	stats := m.mapper.stats()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var syncs uint64
	for _, f := range m.files {
		syncs += f.syncs.Load()
	}
	stats["type"] = "memory"
	stats["open_files"] = len(m.files)
	stats["file_syncs"] = syncs
	return stats
}

// Compile-time interface checks
var (
	_ interfaces.HostIO          = (*Memory)(nil)
	_ interfaces.DescriptorTable = (*Memory)(nil)
	_ interfaces.StatHost        = (*Memory)(nil)
)

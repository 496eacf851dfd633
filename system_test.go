package sysemu

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-sysemu/backend"
	"github.com/ehrlich-b/go-sysemu/internal/logging"
)

func quietOptions() *Options {
	return &Options{
		Logger: logging.NewLogger(&logging.Config{
			Level:  logging.LevelError,
			Format: "json",
			Output: io.Discard,
			Sync:   true,
		}),
	}
}

func newTestSystem(t *testing.T, params Params) *System {
	t.Helper()
	s, err := New(params, quietOptions())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Close(ctx))
	})
	return s
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Params)
		wantErr bool
	}{
		{"defaults", func(*Params) {}, false},
		{"zero page size", func(p *Params) { p.PageSize = 0 }, false},
		{"small pages", func(p *Params) { p.PageSize = 4096 }, true},
		{"negative heap", func(p *Params) { p.HeapLimit = -1 }, true},
		{"negative threads", func(p *Params) { p.MaxThreads = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.modify(&p)
			err := p.Validate()
			if tt.wantErr {
				assert.True(t, IsCode(err, ErrCodeInvalidArgument))
				_, err = New(p, quietOptions())
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAnonymousMappingLifecycle(t *testing.T) {
	s := newTestSystem(t, DefaultParams())

	addr, err := s.Mmap2(0, 100, PROT_READ|PROT_WRITE, MAP_PRIVATE|MAP_ANONYMOUS, -1, 0)
	require.NoError(t, err)
	assert.Zero(t, addr%PageSize)

	m, ok := s.Mapping(addr)
	require.True(t, ok)
	assert.Equal(t, int64(100), m.Length)
	assert.True(t, m.Allocated)

	b, err := s.Bytes(addr)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 100), b)
	copy(b, "hello")

	// msync on anonymous memory is a no-op
	assert.NoError(t, s.Msync(addr, 100, MS_SYNC))

	info := s.Info()
	assert.Equal(t, 1, info.Mappings)
	assert.GreaterOrEqual(t, info.HeapInUse, int64(100+RecordSize))
	assert.Equal(t, "memory", info.Host)

	require.NoError(t, s.Munmap(addr, 100))
	_, ok = s.Mapping(addr)
	assert.False(t, ok)
	assert.Zero(t, s.Heap().BytesInUse)

	snap := s.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.MapOps)
	assert.Equal(t, uint64(1), snap.AnonMapOps)
	assert.Equal(t, uint64(1), snap.UnmapOps)
	assert.Equal(t, uint64(1), snap.SyncOps)
	assert.Zero(t, snap.ActiveMappings)
}

func TestMappingErrors(t *testing.T) {
	s := newTestSystem(t, DefaultParams())

	_, err := s.Mmap2(0, 0, PROT_READ, MAP_PRIVATE|MAP_ANONYMOUS, -1, 0)
	assert.True(t, IsErrno(err, syscall.EINVAL))
	assert.Equal(t, -int(syscall.EINVAL), Errno(err))

	_, err = s.Mmap2(123, 4096, PROT_READ, MAP_PRIVATE|MAP_ANONYMOUS|MAP_FIXED, -1, 0)
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))

	addr, err := s.Mmap2(0, 4096, PROT_READ, MAP_PRIVATE|MAP_ANONYMOUS, -1, 0)
	require.NoError(t, err)

	err = s.Munmap(addr, 8192)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, addr, se.Addr)
	assert.Equal(t, "munmap", se.Op)

	// A failed munmap leaves the mapping in place
	_, ok := s.Mapping(addr)
	assert.True(t, ok)

	err = s.Munmap(addr+PageSize, 4096)
	assert.True(t, IsErrno(err, syscall.EINVAL))
	assert.Equal(t, 0, Errno(s.Munmap(addr, 4096)))
}

func TestHeapExhaustion(t *testing.T) {
	p := DefaultParams()
	p.HeapLimit = 2 * PageSize
	s := newTestSystem(t, p)

	_, err := s.Mmap2(0, 4*PageSize, PROT_READ, MAP_PRIVATE|MAP_ANONYMOUS, -1, 0)
	assert.True(t, IsErrno(err, syscall.ENOMEM))
	assert.True(t, IsCode(err, ErrCodeOutOfMemory))
	assert.Equal(t, uint64(1), s.MetricsSnapshot().MapErrors)
}

func TestFileMappingMemoryHost(t *testing.T) {
	s := newTestSystem(t, DefaultParams())
	host, ok := s.Host().(*backend.Memory)
	require.True(t, ok)

	data := bytes.Repeat([]byte{'a'}, 2*MmapUnit)
	copy(data[MmapUnit:], "second page")
	fd := host.Create("data.bin", data)

	addr, err := s.Mmap2(0, MmapUnit, PROT_READ|PROT_WRITE, MAP_SHARED, fd, 1)
	require.NoError(t, err)

	m, ok := s.Mapping(addr)
	require.True(t, ok)
	assert.Equal(t, int64(MmapUnit), m.Offset)
	assert.Equal(t, fd, m.FD)

	b, err := s.Bytes(addr)
	require.NoError(t, err)
	assert.Equal(t, "second page", string(b[:11]))

	copy(b, "SECOND")
	require.NoError(t, s.Msync(addr, MmapUnit, MS_SYNC))

	got := make([]byte, 6)
	_, err = host.ReadAt(fd, got, MmapUnit)
	require.NoError(t, err)
	assert.Equal(t, "SECOND", string(got))

	require.NoError(t, s.Munmap(addr, MmapUnit))
	assert.Zero(t, s.Heap().BytesInUse)
	assert.Equal(t, uint64(1), s.MetricsSnapshot().FileMapOps)
}

func TestFileMappingBadDescriptor(t *testing.T) {
	s := newTestSystem(t, DefaultParams())

	_, err := s.Mmap2(0, MmapUnit, PROT_READ, MAP_PRIVATE, 99, 0)
	require.Error(t, err)
	assert.True(t, IsErrno(err, syscall.EBADF))
	assert.Zero(t, s.Heap().BytesInUse)
}

func TestMockHost(t *testing.T) {
	host := NewMockHost()
	p := DefaultParams()
	p.Host = host
	s := newTestSystem(t, p)

	addr, err := s.Mmap2(0, 100, PROT_READ, MAP_SHARED, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, host.Live())
	assert.Equal(t, int64(RecordSize), s.Heap().BytesInUse)

	require.NoError(t, s.Msync(addr, 100, MS_ASYNC))
	assert.Equal(t, int64(2*MmapUnit), host.LastSync().Offset)
	assert.Equal(t, MS_ASYNC, host.LastSync().Flags)

	host.FailSync(syscall.EIO)
	err = s.Msync(addr, 100, MS_SYNC)
	assert.True(t, IsCode(err, ErrCodeHostIO))
	assert.Equal(t, -int(syscall.EIO), Errno(err))
	host.FailSync(nil)

	require.NoError(t, s.Munmap(addr, 100))
	assert.Zero(t, host.Live())
	assert.Zero(t, s.Heap().BytesInUse)

	host.FailMap(syscall.EACCES)
	_, err = s.Mmap2(0, 100, PROT_READ, MAP_SHARED, 5, 0)
	assert.True(t, IsErrno(err, syscall.EACCES))
	assert.Zero(t, s.Heap().BytesInUse)

	counts := host.CallCounts()
	assert.Equal(t, 2, counts["map"])
	assert.Equal(t, 1, counts["unmap"])
	assert.Equal(t, 2, counts["sync"])

	stats := s.HostStats()
	assert.Equal(t, "mock", stats["type"])
	assert.Equal(t, "mock", s.Info().Host)
}

func TestMockHostUnmapFailure(t *testing.T) {
	host := NewMockHost()
	p := DefaultParams()
	p.Host = host
	s := newTestSystem(t, p)

	addr, err := s.Mmap2(0, 100, PROT_READ, MAP_SHARED, 5, 0)
	require.NoError(t, err)

	host.FailUnmap(syscall.EIO)
	err = s.Munmap(addr, 100)
	assert.True(t, IsCode(err, ErrCodeHostIO))

	// The record is unlinked even though the host failed
	_, ok := s.Mapping(addr)
	assert.False(t, ok)
}

func TestThreadProxying(t *testing.T) {
	s := newTestSystem(t, DefaultParams())

	th, err := s.Spawn()
	require.NoError(t, err)
	assert.True(t, s.Alive(th.ID()))
	assert.Equal(t, []uint32{th.ID()}, s.Threads())

	ran := false
	require.True(t, s.Sync(th.ID(), func() { ran = true }))
	assert.True(t, ran)

	var async atomic.Int32
	for i := 0; i < 10; i++ {
		require.True(t, s.Async(th.ID(), func() { async.Add(1) }))
	}
	require.True(t, s.Sync(th.ID(), func() {}))
	assert.Equal(t, int32(10), async.Load())

	require.True(t, s.SyncWithCtx(th.ID(), func(c *Ctx) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			c.Finish()
		}()
	}))

	snap := s.MetricsSnapshot()
	assert.Equal(t, uint64(10), snap.AsyncTasks)
	assert.Equal(t, uint64(2), snap.SyncTasks)
	assert.Equal(t, uint64(1), snap.SyncCtxTasks)
}

func TestCallUnknownThread(t *testing.T) {
	s := newTestSystem(t, DefaultParams())

	assert.False(t, s.Async(42, func() {}))
	err := s.Call(42, func() {})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeSubmissionRejected))
	assert.True(t, errors.Is(err, ErrSubmissionRejected))

	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, uint32(42), se.Thread)
	assert.Equal(t, uint64(2), s.MetricsSnapshot().RejectedTasks)
}

func TestGeneralQueue(t *testing.T) {
	s := newTestSystem(t, DefaultParams())
	th, err := s.Spawn()
	require.NoError(t, err)

	q := s.NewQueue("work")
	defer q.Destroy()
	assert.False(t, q.IsSystem())
	assert.True(t, s.SystemQueue().IsSystem())

	done := make(chan struct{})
	require.True(t, q.Async(th, func() { close(done) }))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestCustomObserver(t *testing.T) {
	m := NewMetrics()
	opts := quietOptions()
	opts.Observer = NewMetricsObserver(m)

	s, err := New(DefaultParams(), opts)
	require.NoError(t, err)
	defer s.Close(context.Background())

	addr, err := s.Mmap2(0, 4096, PROT_READ, MAP_PRIVATE|MAP_ANONYMOUS, -1, 0)
	require.NoError(t, err)
	require.NoError(t, s.Munmap(addr, 4096))

	assert.Equal(t, uint64(1), m.Snapshot().MapOps)
	assert.Equal(t, uint64(1), s.MetricsSnapshot().MapOps)
}

func TestClose(t *testing.T) {
	s, err := New(DefaultParams(), quietOptions())
	require.NoError(t, err)

	th, err := s.Spawn()
	require.NoError(t, err)

	addr, err := s.Mmap2(0, 4096, PROT_READ, MAP_PRIVATE|MAP_ANONYMOUS, -1, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))

	assert.False(t, th.Alive())
	assert.False(t, s.Sync(th.ID(), func() {}))
	assert.True(t, s.Info().Closed)

	_, err = s.Spawn()
	assert.Error(t, err)

	// Mappings belong to the process and outlive the runtime
	_, ok := s.Mapping(addr)
	assert.True(t, ok)
}

func TestNilSystem(t *testing.T) {
	var s *System
	assert.Nil(t, s.Metrics())
	assert.Equal(t, MetricsSnapshot{}, s.MetricsSnapshot())
	assert.Equal(t, SystemInfo{}, s.Info())
	assert.Error(t, s.Close(context.Background()))
}

func TestNewHostFactory(t *testing.T) {
	var arena Arena
	var mem *backend.Memory
	p := DefaultParams()
	p.NewHost = func(a Arena) HostIO {
		arena = a
		mem = backend.NewMemory(a, backend.Options{})
		return mem
	}
	s := newTestSystem(t, p)

	require.NotNil(t, arena)
	assert.Same(t, mem, s.Host())

	fd := mem.Create("f", []byte("factory"))
	addr, err := s.Mmap2(0, 7, PROT_READ, MAP_PRIVATE, fd, 0)
	require.NoError(t, err)
	b, err := s.Bytes(addr)
	require.NoError(t, err)
	assert.Equal(t, "factory", string(b))
}

func TestSpawnLimit(t *testing.T) {
	p := DefaultParams()
	p.MaxThreads = 1
	s := newTestSystem(t, p)

	_, err := s.Spawn()
	require.NoError(t, err)
	_, err = s.Spawn()
	assert.True(t, IsCode(err, ErrCodeOutOfMemory))
	assert.Equal(t, 1, s.Info().Threads)
}

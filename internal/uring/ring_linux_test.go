//go:build linux

package uring

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

// newTestRing skips when the kernel or sandbox refuses io_uring
func newTestRing(t *testing.T) *Ring {
	t.Helper()
	ring, err := NewRing(Config{Entries: 4})
	if err != nil {
		if errors.Is(err, ErrNotSupported) {
			t.Skipf("io_uring unavailable: %v", err)
		}
		t.Fatalf("NewRing failed: %v", err)
	}
	t.Cleanup(func() { ring.Close() })
	return ring
}

func TestRingFsync(t *testing.T) {
	ring := newTestRing(t)

	f, err := os.Create(filepath.Join(t.TempDir(), "data"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte("flush me")); err != nil {
		t.Fatalf("write: %v", err)
	}

	for _, datasync := range []bool{false, true} {
		if err := ring.Fsync(context.Background(), int(f.Fd()), datasync); err != nil {
			t.Errorf("Fsync(datasync=%v) failed: %v", datasync, err)
		}
	}
}

func TestRingFsyncBadFD(t *testing.T) {
	ring := newTestRing(t)

	err := ring.Fsync(context.Background(), 1<<20, false)
	if !errors.Is(err, syscall.EBADF) {
		t.Errorf("Fsync(bad fd) = %v, want EBADF", err)
	}
}

func TestRingCancelledContext(t *testing.T) {
	ring := newTestRing(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ring.Fsync(ctx, 0, false); !errors.Is(err, context.Canceled) {
		t.Errorf("Fsync with cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestRingClose(t *testing.T) {
	ring := newTestRing(t)

	if err := ring.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := ring.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err := ring.Fsync(context.Background(), 0, false); err == nil {
		t.Error("Fsync after Close should fail")
	}
}

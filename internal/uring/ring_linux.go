//go:build linux

package uring

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/pawelgaczynski/giouring"

	"github.com/ehrlich-b/go-sysemu/internal/logging"
)

// IORING_FSYNC_DATASYNC from include/uapi/linux/io_uring.h
const fsyncDatasync = 1 << 0

// Ring submits fsync operations through io_uring. A single ring is shared by
// all callers; submissions are serialized.
type Ring struct {
	mu     sync.Mutex
	ring   *giouring.Ring
	closed bool
	seq    atomic.Uint64
	logger *logging.Logger
}

// NewRing creates an io_uring instance for fsync submission
func NewRing(config Config) (*Ring, error) {
	if config.Entries == 0 {
		config.Entries = DefaultConfig().Entries
	}

	logger := logging.Default()
	logger.Debug("creating io_uring", "entries", config.Entries)

	ring, err := giouring.CreateRing(config.Entries)
	if err != nil {
		logger.Warn("failed to create io_uring", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrNotSupported, err)
	}

	return &Ring{ring: ring, logger: logger}, nil
}

// Fsync implements Syncer
func (r *Ring) Fsync(ctx context.Context, fd int, datasync bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var flags uint32
	if datasync {
		flags = fsyncDatasync
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("uring: ring closed")
	}

	sqe := r.ring.GetSQE()
	if sqe == nil {
		return fmt.Errorf("uring: submission queue full")
	}
	userData := r.seq.Add(1)
	sqe.PrepareFsync(fd, flags)
	sqe.UserData = userData

	if _, err := r.ring.SubmitAndWait(1); err != nil {
		return fmt.Errorf("uring: submit fsync: %w", err)
	}

	cqe, err := r.ring.WaitCQE()
	if err != nil {
		return fmt.Errorf("uring: wait fsync: %w", err)
	}
	res := cqe.Res
	r.ring.CQESeen(cqe)

	if res < 0 {
		return syscall.Errno(-res)
	}
	r.logger.Debug("fsync completed", "fd", fd, "user_data", userData)
	return nil
}

// Close implements Syncer
func (r *Ring) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.ring.QueueExit()
	return nil
}

var _ Syncer = (*Ring)(nil)

// Package uring provides io_uring backed flushing for file-backed mappings
package uring

import (
	"context"
	"errors"
)

// ErrNotSupported is returned by NewRing when io_uring is unavailable
var ErrNotSupported = errors.New("uring: io_uring not supported on this platform")

// Syncer flushes host file descriptors
type Syncer interface {
	// Fsync flushes fd. If datasync is set only data and the metadata
	// needed to read it back are flushed.
	Fsync(ctx context.Context, fd int, datasync bool) error

	// Close releases the syncer
	Close() error
}

// Config contains configuration for creating a ring
type Config struct {
	Entries uint32 // Number of submission queue entries
}

// DefaultConfig returns the default ring configuration
func DefaultConfig() Config {
	return Config{Entries: 32}
}

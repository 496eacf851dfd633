//go:build !linux

package uring

import "context"

// Ring is unavailable off Linux
type Ring struct{}

// NewRing always fails off Linux
func NewRing(config Config) (*Ring, error) {
	return nil, ErrNotSupported
}

// Fsync implements Syncer
func (r *Ring) Fsync(context.Context, int, bool) error {
	return ErrNotSupported
}

// Close implements Syncer
func (r *Ring) Close() error {
	return nil
}

var _ Syncer = (*Ring)(nil)

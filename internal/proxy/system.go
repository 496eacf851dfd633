package proxy

import "sync"

var (
	systemQueue *Queue
	systemOnce  sync.Once
)

// System returns the process-wide system queue. Its per-thread queues are
// lock-free so that producers never contend on a lock with the target.
func System() *Queue {
	systemOnce.Do(func() {
		systemQueue = NewQueue(Options{Name: "system", lockFree: true})
	})
	return systemQueue
}

// NewSystemQueue creates a standalone queue with the system queue's
// lock-free discipline. Useful for tests that must not share System().
func NewSystemQueue(opts Options) *Queue {
	if opts.Name == "" {
		opts.Name = "system"
	}
	opts.lockFree = true
	return NewQueue(opts)
}

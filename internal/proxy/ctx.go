package proxy

import (
	"sync/atomic"
)

// Ctx is the completion token of a blocking submission. The submitter waits
// on it; the proxied work, or whoever it hands the token to, finishes it.
type Ctx struct {
	done     chan struct{}
	finished atomic.Bool
	target   uint32
	queue    *Queue

	// Set once the work owning the token has started. From then on only
	// Finish releases the submitter, even if the target exits.
	dispatched atomic.Bool
}

func newCtx(q *Queue, target uint32) *Ctx {
	return &Ctx{
		done:   make(chan struct{}),
		target: target,
		queue:  q,
	}
}

// Finish marks the token complete and wakes the blocked submitter. It may be
// called from any goroutine. Finishing twice is a caller bug; the second call
// is logged and has no effect.
func (c *Ctx) Finish() {
	if !c.finished.CompareAndSwap(false, true) {
		c.queue.logger.Error("completion token finished twice", "target", c.target)
		return
	}
	close(c.done)
}

// Done returns a channel closed when the token is finished
func (c *Ctx) Done() <-chan struct{} {
	return c.done
}

// Completed reports whether Finish has been called
func (c *Ctx) Completed() bool {
	return c.finished.Load()
}

// Target returns the ID of the thread the work was proxied to
func (c *Ctx) Target() uint32 {
	return c.target
}

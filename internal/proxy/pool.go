package proxy

import (
	"sync"

	"github.com/ehrlich-b/go-sysemu/internal/constants"
)

// batchPool provides task slices for the drain loop so that a busy thread
// swapping its queue does not allocate on every pass.
//
// Uses *[]task to avoid sync.Pool interface allocation overhead.
var batchPool = sync.Pool{
	New: func() any {
		b := make([]task, 0, constants.TaskBatchSize)
		return &b
	},
}

// getBatch returns an empty pooled batch.
// Caller must call putBatch when done.
func getBatch() []task {
	return (*batchPool.Get().(*[]task))[:0]
}

// putBatch clears a batch and returns it to the pool.
// Batches that grew past four times the standard capacity are dropped so a
// burst does not pin memory.
func putBatch(b []task) {
	if cap(b) > 4*constants.TaskBatchSize {
		return
	}
	clear(b)
	b = b[:0]
	batchPool.Put(&b)
}

package proxy

import (
	"sync"
	"sync/atomic"
)

// taskQueue is the pending work of one target thread: many producers, one
// consumer
type taskQueue interface {
	// push appends t
	push(t task)

	// swap moves every pending task onto dst in submission order and
	// leaves the queue empty
	swap(dst []task) []task

	// len returns the number of pending tasks
	len() int
}

// mutexQueue guards a slice with a small mutex. The consumer swaps the slice
// out under the lock and runs the tasks outside it.
type mutexQueue struct {
	mu      sync.Mutex
	pending []task
}

func newMutexQueue() *mutexQueue {
	return &mutexQueue{}
}

func (q *mutexQueue) push(t task) {
	q.mu.Lock()
	q.pending = append(q.pending, t)
	q.mu.Unlock()
}

func (q *mutexQueue) swap(dst []task) []task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return dst
	}
	if len(dst) == 0 && cap(q.pending) >= cap(dst) {
		// Hand over the backing array and keep the spare one
		dst, q.pending = q.pending, dst[:0]
		return dst
	}
	dst = append(dst, q.pending...)
	clear(q.pending)
	q.pending = q.pending[:0]
	return dst
}

func (q *mutexQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// lockfreeQueue is a CAS-pushed intrusive stack. Producers never take a lock;
// the consumer detaches the whole stack with one atomic swap and reverses it
// back into submission order.
type lockfreeQueue struct {
	head  atomic.Pointer[node]
	count atomic.Int64
}

type node struct {
	t    task
	next *node
}

func newLockfreeQueue() *lockfreeQueue {
	return &lockfreeQueue{}
}

func (q *lockfreeQueue) push(t task) {
	n := &node{t: t}
	for {
		head := q.head.Load()
		n.next = head
		if q.head.CompareAndSwap(head, n) {
			q.count.Add(1)
			return
		}
	}
}

func (q *lockfreeQueue) swap(dst []task) []task {
	head := q.head.Swap(nil)
	if head == nil {
		return dst
	}

	start := len(dst)
	n := 0
	for p := head; p != nil; p = p.next {
		dst = append(dst, p.t)
		n++
	}
	q.count.Add(int64(-n))

	// Stack order is newest first
	for i, j := start, len(dst)-1; i < j; i, j = i+1, j-1 {
		dst[i], dst[j] = dst[j], dst[i]
	}
	return dst
}

func (q *lockfreeQueue) len() int {
	n := q.count.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}

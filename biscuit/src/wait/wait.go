// Package wait implements a per-node, hash-keyed blocking wait queue,
// the generic engine behind spec.md's WaitEngine (§4.3): waiters block
// on a (address, bit) key and are released when a matching Wake call
// arrives. Grounded on original_source/hpa_wait.c's
// wait_queue_head_t + DEFINE_WAIT_BIT/__wait_on_bit_lock pattern,
// translated to goroutines blocking on channels instead of the
// scheduler's task-state machinery biscuit's runtime would otherwise
// need (spec.md §9: "a condition variable keyed by a hash of
// (descriptor index, bit index)").
//
// Queue has no notion of descriptors or nodes; it is keyed by a plain
// (address, bit) pair so pagestate can use it without introducing a
// dependency on the node package (which is what actually owns one
// Queue per NUMA node).
package wait

import "sync"

// Key identifies a single bit of a single word being waited on.
type Key struct {
	Addr uintptr
	Bit  uint
}

// Queue is one node's wait queue. The zero value is not usable; use
// NewQueue.
type Queue struct {
	mu      sync.Mutex
	waiters map[Key][]chan struct{}
}

// NewQueue allocates an empty wait queue.
func NewQueue() *Queue {
	return &Queue{waiters: make(map[Key][]chan struct{})}
}

// Park blocks until tryAcquire returns true, parking the goroutine on k
// between attempts. tryAcquire is called at least once before parking
// (so an already-satisfied condition never sleeps) and again
// immediately after registering, closing the race where the condition
// became true between the first check and registration.
//
// This is an uninterruptible wait, matching spec.md §5 ("Waits on
// PG_locked are uninterruptible") -- there is no context.Context here by
// design.
func (q *Queue) Park(k Key, tryAcquire func() bool) {
	for {
		if tryAcquire() {
			return
		}
		ch := q.register(k)
		if tryAcquire() {
			return
		}
		<-ch
	}
}

func (q *Queue) register(k Key) chan struct{} {
	ch := make(chan struct{})
	q.mu.Lock()
	q.waiters[k] = append(q.waiters[k], ch)
	q.mu.Unlock()
	return ch
}

// WakeAll releases every goroutine currently parked on k. Calling
// WakeAll when nobody is parked on k is a harmless no-op, matching
// spec.md §8's "unlock on an unlocked descriptor ... wakes pending
// waiters at most once".
func (q *Queue) WakeAll(k Key) {
	q.mu.Lock()
	chans := q.waiters[k]
	delete(q.waiters, k)
	q.mu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}

// NumParked reports how many goroutines are currently parked on k, for
// tests that want to observe contention (spec.md §8 scenario 4)
// without racing on timing.
func (q *Queue) NumParked(k Key) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters[k])
}

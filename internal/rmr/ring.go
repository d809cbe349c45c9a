package rmr

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

// Ring is a bounded FIFO of pointers used both as the free-mbuf list
// (recycled transport buffers) and as the normal-traffic receive queue.
// It wraps eapache/queue.Queue -- a plain growable ring buffer -- with a
// capacity check and a counting semaphore so that
// overflow is a failure, not a block, while pop can still block or time
// out waiting for the next arrival.
type Ring struct {
	mu       sync.Mutex
	q        *queue.Queue
	capacity int
	sem      chan struct{}
}

// NewRing returns a ring with room for capacity entries.
func NewRing(capacity int) *Ring {
	return &Ring{
		q:        queue.New(),
		capacity: capacity,
		sem:      make(chan struct{}, capacity),
	}
}

// TryPush enqueues v, returning false (without blocking) if the ring is
// already at capacity.
func (r *Ring) TryPush(v interface{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.q.Length() >= r.capacity {
		return false
	}
	r.q.Add(v)

	select {
	case r.sem <- struct{}{}:
	default:
		// should not happen: sem capacity mirrors r.capacity
	}
	return true
}

// Pop blocks until an entry is available.
func (r *Ring) Pop() interface{} {
	<-r.sem
	return r.pop()
}

// PopTimeout blocks until an entry is available or d elapses, returning
// ok=false on timeout. d<=0 is a non-blocking poll.
func (r *Ring) PopTimeout(d time.Duration) (v interface{}, ok bool) {
	if d <= 0 {
		select {
		case <-r.sem:
			return r.pop(), true
		default:
			return nil, false
		}
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-r.sem:
		return r.pop(), true
	case <-t.C:
		return nil, false
	}
}

// PopDeadline blocks until an entry is available or the absolute deadline
// passes (used by torcv_msg, which computes an absolute deadline up
// front).
func (r *Ring) PopDeadline(deadline time.Time) (v interface{}, ok bool) {
	return r.PopTimeout(time.Until(deadline))
}

func (r *Ring) pop() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.q.Length() == 0 {
		return nil
	}
	v := r.q.Peek()
	r.q.Remove()
	return v
}

// Len reports the current queue depth.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.q.Length()
}

package broker

import (
	"sync"
	"time"

	"github.com/adred-codev/agentmux/internal/protocol"
)

// Delivery states. A delivery only ever moves forward; acked, failed, and
// dropped are terminal.
const (
	StateQueued    = "queued"
	StateInjecting = "injecting"
	StateVerified  = "verified"
	StateAcked     = "acked"
	StateFailed    = "failed"
	StateDropped   = "dropped"
)

// delivery is one in-flight unit addressed to exactly one agent.
type delivery struct {
	protocol.Delivery

	recipient   string
	state       string
	attempts    int
	createdAt   time.Time
	lastAttempt time.Time
}

// deliveryQueue is a bounded priority FIFO owned by one agent. Higher
// priority pops first; within a priority class order matches enqueue order.
// A full queue admits a strictly higher-priority delivery by preempting one
// entry of the current minimum priority.
type deliveryQueue struct {
	mu     sync.Mutex
	items  []*delivery
	depth  int
	closed bool
}

func newDeliveryQueue(depth int) *deliveryQueue {
	if depth < 1 {
		depth = 1
	}
	return &deliveryQueue{depth: depth}
}

// push enqueues d. When the queue is full it either returns the preempted
// minimum-priority delivery, or a queue_full error if d does not outrank the
// minimum. A closed queue rejects with unknown_agent: the owner was released
// and nothing will ever pop again.
func (q *deliveryQueue) push(d *delivery) (preempted *delivery, err *protocol.Error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, protocol.NewErrorf(protocol.CodeUnknownAgent,
			"agent %q was released", d.recipient)
	}
	if len(q.items) >= q.depth {
		idx := q.minPriorityIndex()
		if d.Priority <= q.items[idx].Priority {
			return nil, protocol.NewErrorf(protocol.CodeQueueFull,
				"delivery queue for %q is full (%d entries)", d.recipient, q.depth)
		}
		preempted = q.items[idx]
		preempted.state = StateDropped
		q.items = append(q.items[:idx], q.items[idx+1:]...)
	}

	d.state = StateQueued
	q.insert(d, false)
	return preempted, nil
}

// pushFront re-enqueues a retried delivery at the head of its priority class
// so retry order beats later arrivals of equal priority. It reports false when
// the queue was closed by a concurrent release.
func (q *deliveryQueue) pushFront(d *delivery) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	d.state = StateQueued
	q.insert(d, true)
	return true
}

// insert places d in priority order. front selects the head rather than the
// tail of d's priority class.
func (q *deliveryQueue) insert(d *delivery, front bool) {
	i := 0
	for i < len(q.items) {
		p := q.items[i].Priority
		if p > d.Priority || (!front && p == d.Priority) {
			i++
			continue
		}
		break
	}
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = d
}

// pop removes and returns the head delivery, or nil when empty.
func (q *deliveryQueue) pop() *delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	d := q.items[0]
	q.items = q.items[1:]
	return d
}

// expire removes queued deliveries older than ttl. A zero ttl disables
// expiry. The expired deliveries are returned for event emission.
func (q *deliveryQueue) expire(ttl time.Duration, now time.Time) []*delivery {
	if ttl <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*delivery
	kept := q.items[:0]
	for _, d := range q.items {
		if now.Sub(d.createdAt) > ttl {
			d.state = StateDropped
			expired = append(expired, d)
			continue
		}
		kept = append(kept, d)
	}
	q.items = kept
	return expired
}

// drain empties the queue, marking everything dropped, and closes it so a
// racing sender holding a stale agent handle cannot enqueue into a queue
// nobody pops anymore. Used on release and unexpected exit.
func (q *deliveryQueue) drain() []*delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	drained := q.items
	q.items = nil
	for _, d := range drained {
		d.state = StateDropped
	}
	return drained
}

// length returns the current queue depth.
func (q *deliveryQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// snapshot copies the queued deliveries for status reporting.
func (q *deliveryQueue) snapshot() []*delivery {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*delivery, len(q.items))
	copy(out, q.items)
	return out
}

// minPriorityIndex returns the index of the oldest delivery within the lowest
// priority class. Items are kept priority-sorted, so that is the last entry;
// scanning backwards finds the first (oldest) entry of that class.
func (q *deliveryQueue) minPriorityIndex() int {
	last := len(q.items) - 1
	min := q.items[last].Priority
	i := last
	for i > 0 && q.items[i-1].Priority == min {
		i--
	}
	return i
}

package broker

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/adred-codev/agentmux/internal/protocol"
)

// Bus is the broker's outbound event stream. Publish stamps a monotonically
// increasing seq, appends durable kinds to the replay ring, and fans the event
// out to every subscriber without ever blocking: a subscriber whose queue is
// full loses its oldest queued event, which is replaced by an event_lag drop
// marker so the consumer can tell it fell behind.
type Bus struct {
	logger zerolog.Logger
	buffer int

	seq atomic.Uint64

	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	replay *replayRing

	published atomic.Int64
	dropLog   atomic.Int64
}

// Subscriber is one bounded consumer of the bus. Events arrives in publish
// order; Lagged counts events this subscriber missed.
type Subscriber struct {
	ch     chan *protocol.Event
	lagged atomic.Int64
}

// Events is the subscriber's receive channel.
func (s *Subscriber) Events() <-chan *protocol.Event { return s.ch }

// Lagged reports how many events were dropped for this subscriber.
func (s *Subscriber) Lagged() int64 { return s.lagged.Load() }

// NewBus creates a bus whose subscribers queue up to buffer events and whose
// replay ring remembers the last replayCapacity durable events.
func NewBus(buffer, replayCapacity int, logger zerolog.Logger) *Bus {
	if buffer < 8 {
		buffer = 8
	}
	return &Bus{
		logger: logger,
		buffer: buffer,
		subs:   make(map[*Subscriber]struct{}),
		replay: newReplayRing(replayCapacity),
	}
}

// Subscribe registers a new consumer. The caller must Unsubscribe when done
// or the bus keeps filling a queue nobody drains.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan *protocol.Event, b.buffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the consumer. Its channel is not closed; a publish
// racing with removal must never panic.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Publish stamps and fans out one event. It never blocks. Stamp and ring
// append hold the write lock together so the replay ring stays in seq order
// under concurrent publishers.
func (b *Bus) Publish(ev *protocol.Event) {
	b.mu.Lock()
	ev.Seq = b.seq.Add(1)
	if ev.Durable() {
		b.replay.add(ev)
	}
	b.mu.Unlock()

	b.published.Add(1)
	eventsPublishedTotal.Inc()

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Queue full. Evict the oldest queued event to make room and leave a
		// lag marker in its place so the subscriber sees the gap.
		select {
		case <-sub.ch:
		default:
		}
		dropped := sub.lagged.Add(1)
		eventsDroppedTotal.Inc()
		marker := &protocol.Event{
			Kind:   protocol.EventDeliveryDropped,
			Seq:    ev.Seq,
			Reason: protocol.DropEventLag,
			Count:  int(dropped),
		}
		select {
		case sub.ch <- marker:
		default:
		}

		// Sampled logging keeps a persistently slow consumer from flooding
		// the broker's own log.
		if total := b.dropLog.Add(1); total%100 == 1 {
			b.logger.Warn().
				Str("kind", ev.Kind).
				Uint64("seq", ev.Seq).
				Int64("subscriber_lagged", dropped).
				Int64("total_drops", total).
				Msg("event dropped on slow subscriber (sampled)")
		}
	}
}

// Published returns the total publish count.
func (b *Bus) Published() int64 { return b.published.Load() }

// ReplaySince returns the buffered durable events with seq > since, plus the
// oldest seq still held so callers can report a gap when since predates the
// ring.
func (b *Bus) ReplaySince(since uint64) ([]*protocol.Event, uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.replay.since(since)
}

// replayRing is a fixed-capacity ring of recent durable events, indexed by
// bus seq. Capacity zero disables replay.
type replayRing struct {
	events []*protocol.Event
	next   int
	filled bool
}

func newReplayRing(capacity int) *replayRing {
	if capacity <= 0 {
		return &replayRing{}
	}
	return &replayRing{events: make([]*protocol.Event, capacity)}
}

func (r *replayRing) add(ev *protocol.Event) {
	if len(r.events) == 0 {
		return
	}
	r.events[r.next] = ev
	r.next++
	if r.next == len(r.events) {
		r.next = 0
		r.filled = true
	}
}

// since returns buffered events with seq > since in publish order and the
// oldest seq available (0 when the ring is empty).
func (r *replayRing) since(since uint64) ([]*protocol.Event, uint64) {
	if len(r.events) == 0 {
		return nil, 0
	}
	start := 0
	if r.filled {
		start = r.next
	}
	n := r.next
	if r.filled {
		n = len(r.events)
	}

	var oldest uint64
	var out []*protocol.Event
	for i := 0; i < n; i++ {
		ev := r.events[(start+i)%len(r.events)]
		if ev == nil {
			continue
		}
		if oldest == 0 {
			oldest = ev.Seq
		}
		if ev.Seq > since {
			out = append(out, ev)
		}
	}
	return out, oldest
}

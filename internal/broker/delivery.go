package broker

import (
	"context"
	"time"

	"github.com/adred-codev/agentmux/internal/logging"
	"github.com/adred-codev/agentmux/internal/protocol"
)

const ttlSweepInterval = time.Second

// deliveryLoop is the per-agent engine: it pulls the head delivery and walks
// it queued → injecting → verified → acked, retrying failed injections until
// max attempts. Exactly one injection is in flight per agent because this
// loop is the only caller of the worker's Deliver.
func (b *Broker) deliveryLoop(a *agent) {
	defer b.wg.Done()
	defer logging.RecoverPanic(b.logger, "delivery_loop", map[string]any{"agent": a.name})

	var ttlC <-chan time.Time
	if b.cfg.DeliveryTTL > 0 {
		ticker := time.NewTicker(ttlSweepInterval)
		defer ticker.Stop()
		ttlC = ticker.C
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-a.loopStop
		cancel()
	}()

	for {
		select {
		case <-a.loopStop:
			return
		case <-ttlC:
			b.expireTTL(a)
			continue
		case <-a.wake:
		}

		for {
			select {
			case <-a.loopStop:
				return
			default:
			}
			d := a.queue.pop()
			if d == nil {
				break
			}
			b.deliver(ctx, a, d)
			deliveryQueueDepth.WithLabelValues(a.name).Set(float64(a.queue.length()))
		}
	}
}

// deliver advances one delivery through the state machine. A failed
// injection with budget left goes back to the head of its priority class, so
// a higher-priority delivery that arrived meanwhile overtakes the retry.
func (b *Broker) deliver(ctx context.Context, a *agent, d *delivery) {
	d.state = StateInjecting
	d.attempts++
	d.lastAttempt = time.Now()
	a.setInflight(d)

	b.bus.Publish(&protocol.Event{
		Kind:       protocol.EventDeliveryInjected,
		Name:       a.name,
		DeliveryID: d.DeliveryID,
		EventID:    d.EventID,
	})

	start := time.Now()
	ack, err := a.worker.Deliver(ctx, d.Delivery)
	a.setInflight(nil)

	if err == nil {
		injectionDuration.Observe(time.Since(start).Seconds())
		b.settle(a, d, ack)
		return
	}

	if ctx.Err() != nil || a.released.Load() {
		d.state = StateDropped
		deliveriesTerminalTotal.WithLabelValues(StateDropped).Inc()
		b.bus.Publish(&protocol.Event{
			Kind:       protocol.EventDeliveryDropped,
			Name:       a.name,
			DeliveryID: d.DeliveryID,
			EventID:    d.EventID,
			Count:      1,
			Reason:     protocol.DropReleased,
		})
		return
	}

	if d.attempts < b.cfg.MaxAttempts {
		if !a.queue.pushFront(d) {
			// Release closed the queue between the failed injection and the
			// retry; the drain never saw this delivery, so drop it here.
			d.state = StateDropped
			deliveriesTerminalTotal.WithLabelValues(StateDropped).Inc()
			b.bus.Publish(&protocol.Event{
				Kind:       protocol.EventDeliveryDropped,
				Name:       a.name,
				DeliveryID: d.DeliveryID,
				EventID:    d.EventID,
				Count:      1,
				Reason:     protocol.DropReleased,
			})
			return
		}
		deliveryRetriesTotal.Inc()
		b.bus.Publish(&protocol.Event{
			Kind:       protocol.EventDeliveryRetry,
			Name:       a.name,
			DeliveryID: d.DeliveryID,
			EventID:    d.EventID,
			Attempts:   d.attempts,
		})
		b.logger.Debug().
			Str("agent", a.name).
			Str("delivery_id", d.DeliveryID).
			Int("attempts", d.attempts).
			Err(err).
			Msg("delivery retrying")
		return
	}

	d.state = StateFailed
	deliveriesTerminalTotal.WithLabelValues(StateFailed).Inc()
	b.bus.Publish(&protocol.Event{
		Kind:       protocol.EventDeliveryFailed,
		Name:       a.name,
		DeliveryID: d.DeliveryID,
		EventID:    d.EventID,
		Reason:     protocol.AsError(err).Message,
	})
	b.logger.Warn().
		Str("agent", a.name).
		Str("delivery_id", d.DeliveryID).
		Int("attempts", d.attempts).
		Err(err).
		Msg("delivery failed")
}

// settle finalizes a verified delivery: the relay_inbound consumer signal,
// the (possibly synthesized) ack event, and correlator resolution for
// blocking sends. Ordering on the bus is verified, relay_inbound, ack.
func (b *Broker) settle(a *agent, d *delivery, ack *protocol.DeliveryAckPayload) {
	d.state = StateVerified
	b.bus.Publish(&protocol.Event{
		Kind:       protocol.EventDeliveryVerified,
		Name:       a.name,
		DeliveryID: d.DeliveryID,
		EventID:    d.EventID,
	})

	b.bus.Publish(&protocol.Event{
		Kind:     protocol.EventRelayInbound,
		EventID:  d.EventID,
		From:     d.From,
		Target:   d.recipient,
		Body:     d.Body,
		ThreadID: d.ThreadID,
	})

	if ack == nil {
		ack = &protocol.DeliveryAckPayload{
			DeliveryID:    d.DeliveryID,
			EventID:       d.EventID,
			CorrelationID: d.CorrelationID,
		}
	}
	d.state = StateAcked
	deliveriesTerminalTotal.WithLabelValues(StateAcked).Inc()
	b.bus.Publish(&protocol.Event{
		Kind:          protocol.EventDeliveryAck,
		Name:          a.name,
		DeliveryID:    d.DeliveryID,
		EventID:       d.EventID,
		CorrelationID: ack.CorrelationID,
		Response:      ack.Response,
	})

	if d.CorrelationID != "" {
		b.correlator.Resolve(d.CorrelationID, ack)
	}
}

// expireTTL drops queued deliveries older than the configured TTL.
func (b *Broker) expireTTL(a *agent) {
	expired := a.queue.expire(b.cfg.DeliveryTTL, time.Now())
	for _, d := range expired {
		deliveriesTerminalTotal.WithLabelValues(StateDropped).Inc()
		b.bus.Publish(&protocol.Event{
			Kind:       protocol.EventDeliveryDropped,
			Name:       a.name,
			DeliveryID: d.DeliveryID,
			EventID:    d.EventID,
			Count:      1,
			Reason:     protocol.DropTTL,
		})
	}
	if len(expired) > 0 {
		deliveryQueueDepth.WithLabelValues(a.name).Set(float64(a.queue.length()))
	}
}

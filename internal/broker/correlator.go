package broker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/agentmux/internal/protocol"
)

// responder completes a blocking send exactly once: either with the ACK
// result or with an error. The correlator guarantees at most one call.
type responder func(result *protocol.SendResult, perr *protocol.Error)

// pendingSync is one registered blocking send.
type pendingSync struct {
	connID    uint64
	eventID   string
	targets   []string
	respond   responder
	timer     *time.Timer
	createdAt time.Time
}

// Correlator tracks blocking sends by correlation id. A pending id is unique
// broker-wide; completion (ACK, timeout, or connection close) is at most
// once, and later ACKs for a completed id are silently dropped. A completed
// id may be reused by a new send.
type Correlator struct {
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingSync
}

// NewCorrelator creates an empty correlator.
func NewCorrelator(logger zerolog.Logger) *Correlator {
	return &Correlator{
		logger:  logger,
		pending: make(map[string]*pendingSync),
	}
}

// Register adds a pending blocking send. The timeout timer starts
// immediately; on expiry the sender receives ack_timeout.
func (c *Correlator) Register(corrID string, connID uint64, eventID string, targets []string, timeout time.Duration, respond responder) *protocol.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[corrID]; exists {
		return protocol.NewErrorf(protocol.CodeDuplicateCorrelationID,
			"correlation id %q is already pending", corrID)
	}

	entry := &pendingSync{
		connID:    connID,
		eventID:   eventID,
		targets:   targets,
		respond:   respond,
		createdAt: time.Now(),
	}
	entry.timer = time.AfterFunc(timeout, func() { c.timeout(corrID) })
	c.pending[corrID] = entry
	correlationsPendingActive.Inc()
	return nil
}

// Resolve completes the pending send with a worker ACK. It reports whether
// anyone was waiting; late or unknown ids return false.
func (c *Correlator) Resolve(corrID string, ack *protocol.DeliveryAckPayload) bool {
	entry := c.take(corrID)
	if entry == nil {
		return false
	}
	entry.timer.Stop()
	correlationsTotal.WithLabelValues("acked").Inc()
	entry.respond(&protocol.SendResult{
		EventID:       entry.eventID,
		Targets:       entry.targets,
		CorrelationID: corrID,
		Response:      ack.Response,
	}, nil)
	return true
}

// Pending reports whether corrID is currently awaiting completion.
func (c *Correlator) Pending(corrID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[corrID]
	return ok
}

// FailConnection cancels every correlation owned by a closed connection. The
// responder is still invoked so callers sharing the responder path do not
// need a special case, but the write goes nowhere.
func (c *Correlator) FailConnection(connID uint64) {
	c.mu.Lock()
	var failed []string
	for corrID, entry := range c.pending {
		if entry.connID == connID {
			failed = append(failed, corrID)
		}
	}
	entries := make([]*pendingSync, 0, len(failed))
	for _, corrID := range failed {
		entry := c.pending[corrID]
		entry.timer.Stop()
		delete(c.pending, corrID)
		entries = append(entries, entry)
	}
	c.mu.Unlock()

	for i, entry := range entries {
		correlationsPendingActive.Dec()
		correlationsTotal.WithLabelValues("connection_closed").Inc()
		entry.respond(nil, protocol.NewErrorf(protocol.CodeConnectionClosed,
			"connection closed with correlation %q pending", failed[i]))
	}
	if len(failed) > 0 {
		c.logger.Debug().
			Uint64("conn_id", connID).
			Int("count", len(failed)).
			Msg("cancelled pending correlations for closed connection")
	}
}

// Shutdown fails every pending correlation during broker shutdown.
func (c *Correlator) Shutdown() {
	c.mu.Lock()
	entries := c.pending
	c.pending = make(map[string]*pendingSync)
	c.mu.Unlock()

	for corrID, entry := range entries {
		entry.timer.Stop()
		correlationsPendingActive.Dec()
		correlationsTotal.WithLabelValues("shutdown").Inc()
		entry.respond(nil, protocol.NewErrorf(protocol.CodeBrokerShuttingDown,
			"broker shutting down with correlation %q pending", corrID))
	}
}

// cancel silently withdraws a registration whose send never produced a
// delivery, e.g. an exact-target enqueue that hit queue_full.
func (c *Correlator) cancel(corrID string) {
	if entry := c.take(corrID); entry != nil {
		entry.timer.Stop()
		correlationsTotal.WithLabelValues("cancelled").Inc()
	}
}

func (c *Correlator) timeout(corrID string) {
	entry := c.take(corrID)
	if entry == nil {
		return
	}
	correlationsTotal.WithLabelValues("timeout").Inc()
	c.logger.Debug().
		Str("correlation_id", corrID).
		Dur("waited", time.Since(entry.createdAt)).
		Msg("blocking send timed out")
	perr := protocol.NewErrorf(protocol.CodeAckTimeout,
		"no ack for correlation %q", corrID)
	perr.WithData(map[string]string{"correlation_id": corrID})
	entry.respond(nil, perr)
}

// take removes and returns the entry for corrID, or nil if already settled.
func (c *Correlator) take(corrID string) *pendingSync {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.pending[corrID]
	if !ok {
		return nil
	}
	delete(c.pending, corrID)
	correlationsPendingActive.Dec()
	return entry
}

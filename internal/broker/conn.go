package broker

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/agentmux/internal/logging"
	"github.com/adred-codev/agentmux/internal/protocol"
)

const (
	// connWriteWait bounds one flush to a client before it is considered
	// dead.
	connWriteWait = 5 * time.Second

	// connSendBuffer is the per-connection outbound frame queue.
	connSendBuffer = 256

	// eventStrikeLimit disconnects a client whose queue stayed full this
	// many events in a row.
	eventStrikeLimit = 3
)

// conn is one accepted control connection. A reader goroutine processes
// requests sequentially; a writer goroutine drains the send queue with
// batched flushes; after the handshake an event pump forwards the bus.
type conn struct {
	id     uint64
	srv    *Server
	nc     net.Conn
	logger zerolog.Logger

	send chan []byte
	sub  *Subscriber

	clientName string
	helloDone  atomic.Bool
	strikes    atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(id uint64, srv *Server, nc net.Conn) *conn {
	return &conn{
		id:     id,
		srv:    srv,
		nc:     nc,
		logger: srv.logger.With().Uint64("conn_id", id).Logger(),
		send:   make(chan []byte, connSendBuffer),
		closed: make(chan struct{}),
	}
}

// serve runs the connection to completion. Called on its own goroutine.
func (c *conn) serve() {
	defer c.srv.wg.Done()
	defer logging.RecoverPanic(c.logger, "conn_serve", nil)
	defer c.close()

	c.srv.wg.Add(1)
	go c.writeLoop()

	r := bufio.NewReader(c.nc)
	for {
		body, err := protocol.ReadFrame(r, c.srv.cfg.MaxFrameBytes)
		if err != nil {
			var perr *protocol.Error
			if errors.As(err, &perr) {
				// An oversized header leaves the stream misaligned, so the
				// error is the connection's last frame.
				c.sendEnvelope(protocol.ErrorResponse("", perr))
				time.Sleep(50 * time.Millisecond)
			} else if !errors.Is(err, io.EOF) && !isClosedErr(err) {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}

		env, err := protocol.DecodeEnvelope(body)
		if err != nil {
			c.sendEnvelope(protocol.ErrorResponse("", protocol.AsError(err)))
			continue
		}
		c.dispatch(env)

		select {
		case <-c.closed:
			return
		default:
		}
	}
}

// writeLoop drains the send queue, batching frames per flush.
func (c *conn) writeLoop() {
	defer c.srv.wg.Done()
	defer logging.RecoverPanic(c.logger, "conn_write_loop", nil)
	defer c.close()

	w := bufio.NewWriter(c.nc)
	max := c.srv.cfg.MaxFrameBytes
	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			c.nc.SetWriteDeadline(time.Now().Add(connWriteWait))
			if err := protocol.WriteFrame(w, frame, max); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				return
			}
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := protocol.WriteFrame(w, <-c.send, max); err != nil {
					c.logger.Debug().Err(err).Msg("write failed")
					return
				}
			}
			if err := w.Flush(); err != nil {
				c.logger.Debug().Err(err).Msg("flush failed")
				return
			}
		}
	}
}

// eventLoop forwards bus events after the handshake. The bus already bounds
// the subscriber queue; a connection that also fills its send queue collects
// strikes and is disconnected rather than stalling the broker.
func (c *conn) eventLoop() {
	defer c.srv.wg.Done()
	defer logging.RecoverPanic(c.logger, "conn_event_loop", nil)

	for {
		select {
		case <-c.closed:
			return
		case ev := <-c.sub.Events():
			env, err := protocol.EventEnvelope(ev)
			if err != nil {
				c.logger.Warn().Err(err).Str("kind", ev.Kind).Msg("unencodable event")
				continue
			}
			body, err := env.Encode()
			if err != nil {
				continue
			}
			select {
			case c.send <- body:
				c.strikes.Store(0)
			default:
				if c.strikes.Add(1) >= eventStrikeLimit {
					c.logger.Warn().Msg("disconnecting slow event consumer")
					c.close()
					return
				}
			}
		}
	}
}

// sendEnvelope queues one response frame. Responses block (briefly) rather
// than drop; a connection that cannot take a response within the write wait
// is closed.
func (c *conn) sendEnvelope(env *protocol.Envelope) {
	body, err := env.Encode()
	if err != nil {
		c.logger.Error().Err(err).Str("type", env.Type).Msg("unencodable envelope")
		return
	}
	timer := time.NewTimer(connWriteWait)
	defer timer.Stop()
	select {
	case c.send <- body:
	case <-c.closed:
	case <-timer.C:
		c.logger.Warn().Msg("send queue stalled, closing connection")
		c.close()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.nc.Close()
		if c.sub != nil {
			c.srv.broker.Bus().Unsubscribe(c.sub)
		}
		c.srv.broker.correlator.FailConnection(c.id)
		c.srv.conns.Delete(c.id)
		connectionsActive.Dec()
		c.logger.Debug().Msg("connection closed")
	})
}

// replyOnce guarantees exactly one response per request across the
// synchronous path, the request timeout, and a deferred correlator
// completion.
type replyOnce struct {
	c         *conn
	requestID string
	once      sync.Once
}

func (r *replyOnce) ok(result any) {
	r.once.Do(func() {
		env, err := protocol.OkResponse(r.requestID, result)
		if err != nil {
			env = protocol.ErrorResponse(r.requestID, protocol.AsError(err))
		}
		r.c.sendEnvelope(env)
	})
}

func (r *replyOnce) fail(perr *protocol.Error) {
	r.once.Do(func() {
		r.c.sendEnvelope(protocol.ErrorResponse(r.requestID, perr))
	})
}

// isClosedErr covers both our own Close and a peer reset, which surfaces as
// a *net.OpError.
func isClosedErr(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var op *net.OpError
	return errors.As(err, &op)
}

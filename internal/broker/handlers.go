package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/adred-codev/agentmux/internal/protocol"
)

// dispatch routes one decoded envelope. Requests on a connection are
// processed in receive order; only a handler that outlives the request
// timeout keeps running in the background, its late reply suppressed by the
// replyOnce.
func (c *conn) dispatch(env *protocol.Envelope) {
	reply := &replyOnce{c: c, requestID: env.RequestID}

	if env.V != protocol.Version {
		requestsTotal.WithLabelValues(env.Type, "error").Inc()
		reply.fail(protocol.NewErrorf(protocol.CodeUnsupportedVersion,
			"protocol version %d is not supported (broker speaks %d)", env.V, protocol.Version))
		return
	}

	if !c.helloDone.Load() {
		if env.Type != protocol.TypeHello {
			requestsTotal.WithLabelValues(env.Type, "error").Inc()
			reply.fail(protocol.NewErrorf(protocol.CodeHandshakeRequired,
				"%s before hello", env.Type))
			return
		}
		c.handleHello(env, reply)
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.handleRequest(env, reply)
	}()

	timer := time.NewTimer(c.srv.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-c.closed:
	case <-timer.C:
		requestsTotal.WithLabelValues(env.Type, "timeout").Inc()
		reply.fail(protocol.NewErrorf(protocol.CodeRequestTimeout,
			"%s did not complete within %s", env.Type, c.srv.cfg.RequestTimeout))
	}
}

func (c *conn) handleHello(env *protocol.Envelope, reply *replyOnce) {
	var hello protocol.HelloPayload
	if err := env.Decode(&hello); err != nil {
		reply.fail(protocol.AsError(err))
		return
	}
	c.clientName = hello.ClientName
	if c.clientName == "" {
		c.clientName = fmt.Sprintf("client-%d", c.id)
	}
	c.helloDone.Store(true)

	c.sub = c.srv.broker.Bus().Subscribe()
	c.srv.wg.Add(1)
	go c.eventLoop()

	requestsTotal.WithLabelValues(protocol.TypeHello, "ok").Inc()
	c.logger.Info().
		Str("client", c.clientName).
		Str("client_version", hello.ClientVersion).
		Msg("handshake complete")

	ack, err := protocol.OkResponse(env.RequestID, protocol.HelloAckPayload{
		BrokerVersion:   BrokerVersion,
		ProtocolVersion: protocol.Version,
	})
	if err != nil {
		reply.fail(protocol.AsError(err))
		return
	}
	ack.Type = protocol.TypeHelloAck
	c.sendEnvelope(ack)
}

// handleRequest executes one post-handshake request and replies, unless the
// request defers its response to the sync correlator.
func (c *conn) handleRequest(env *protocol.Envelope, reply *replyOnce) {
	b := c.srv.broker
	outcome := "ok"
	defer func() {
		requestsTotal.WithLabelValues(env.Type, outcome).Inc()
	}()

	fail := func(perr *protocol.Error) {
		outcome = "error"
		reply.fail(perr)
	}

	switch env.Type {
	case protocol.TypeSpawnAgent:
		var req protocol.SpawnAgentPayload
		if err := env.Decode(&req); err != nil {
			fail(protocol.AsError(err))
			return
		}
		result, perr := b.Spawn(req.Agent, req.InitialTask, c.clientName, "client")
		if perr != nil {
			fail(perr)
			return
		}
		reply.ok(result)

	case protocol.TypeSendMessage:
		var req protocol.SendMessagePayload
		if err := env.Decode(&req); err != nil {
			fail(protocol.AsError(err))
			return
		}
		sender := req.From
		if sender == "" {
			sender = c.clientName
		}
		respond := func(result *protocol.SendResult, perr *protocol.Error) {
			if perr != nil {
				reply.fail(perr)
				return
			}
			reply.ok(result)
		}
		result, perr, deferred := b.Send(req, sender, c.id, respond)
		if perr != nil {
			fail(perr)
			return
		}
		if deferred {
			outcome = "deferred"
			return
		}
		reply.ok(result)

	case protocol.TypeReleaseAgent:
		var req protocol.ReleaseAgentPayload
		if err := env.Decode(&req); err != nil {
			fail(protocol.AsError(err))
			return
		}
		if perr := b.Release(req.Name, req.Reason); perr != nil {
			fail(perr)
			return
		}
		reply.ok(protocol.ReleaseResult{Name: req.Name})

	case protocol.TypeSendInput:
		var req protocol.SendInputPayload
		if err := env.Decode(&req); err != nil {
			fail(protocol.AsError(err))
			return
		}
		if perr := b.SendInput(req.Name, req.Data); perr != nil {
			fail(perr)
			return
		}
		reply.ok(struct{}{})

	case protocol.TypeSetModel:
		var req protocol.SetModelPayload
		if err := env.Decode(&req); err != nil {
			fail(protocol.AsError(err))
			return
		}
		timeout := c.srv.cfg.RequestTimeout
		if req.TimeoutMs > 0 {
			timeout = time.Duration(req.TimeoutMs) * time.Millisecond
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if perr := b.SetModel(ctx, req.Name, req.Model); perr != nil {
			fail(perr)
			return
		}
		reply.ok(struct{}{})

	case protocol.TypeJoinChannel:
		var req protocol.ChannelPayload
		if err := env.Decode(&req); err != nil {
			fail(protocol.AsError(err))
			return
		}
		if perr := b.JoinChannel(req.Name, req.Channel); perr != nil {
			fail(perr)
			return
		}
		reply.ok(req)

	case protocol.TypeLeaveChannel:
		var req protocol.ChannelPayload
		if err := env.Decode(&req); err != nil {
			fail(protocol.AsError(err))
			return
		}
		if perr := b.LeaveChannel(req.Name, req.Channel); perr != nil {
			fail(perr)
			return
		}
		reply.ok(req)

	case protocol.TypeListAgents:
		reply.ok(b.ListAgents())

	case protocol.TypeGetStatus:
		reply.ok(b.Status())

	case protocol.TypeGetMetrics:
		var req protocol.GetMetricsPayload
		if err := env.Decode(&req); err != nil {
			fail(protocol.AsError(err))
			return
		}
		result, perr := b.Metrics(req.Agent, int(c.srv.connCount.Load()))
		if perr != nil {
			fail(perr)
			return
		}
		reply.ok(result)

	case protocol.TypeShutdown:
		reply.ok(struct{}{})
		c.srv.requestShutdown()

	default:
		fail(protocol.NewErrorf(protocol.CodeUnknownType,
			"unrecognized request type %q", env.Type))
	}
}

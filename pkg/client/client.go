// Package client is a minimal protocol client for the agentmux broker:
// dial, handshake, request/response with correlation by request id, and the
// event stream. The bridge and the integration tests drive the broker
// through it, the same way any external SDK would.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/adred-codev/agentmux/internal/protocol"
)

// ErrClosed is returned by requests issued after Close or after the broker
// hung up.
var ErrClosed = errors.New("client: connection closed")

// Client is one connection to the broker. Safe for concurrent use; requests
// from multiple goroutines are matched back by request id.
type Client struct {
	nc net.Conn
	r  *bufio.Reader

	writeMu sync.Mutex
	w       *bufio.Writer

	mu      sync.Mutex
	pending map[string]chan *protocol.Envelope

	events    chan *protocol.Event
	closeOnce sync.Once
	closed    chan struct{}
	closedFlg atomic.Bool

	maxFrame int
}

// Option tweaks client construction.
type Option func(*Client)

// WithMaxFrame overrides the frame size cap (default 1 MiB).
func WithMaxFrame(max int) Option {
	return func(c *Client) { c.maxFrame = max }
}

// WithEventBuffer overrides the event channel depth (default 256). Events
// beyond it are dropped client-side.
func WithEventBuffer(n int) Option {
	return func(c *Client) { c.events = make(chan *protocol.Event, n) }
}

// Dial connects to the broker socket.
func Dial(socketPath string, opts ...Option) (*Client, error) {
	nc, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial broker at %s: %w", socketPath, err)
	}
	return New(nc, opts...), nil
}

// New wraps an established connection. Tests use it with net.Pipe.
func New(nc net.Conn, opts ...Option) *Client {
	c := &Client{
		nc:       nc,
		r:        bufio.NewReader(nc),
		w:        bufio.NewWriter(nc),
		pending:  make(map[string]chan *protocol.Envelope),
		events:   make(chan *protocol.Event, 256),
		closed:   make(chan struct{}),
		maxFrame: protocol.DefaultMaxFrame,
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// Close tears the connection down. Pending requests fail with ErrClosed.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closedFlg.Store(true)
		close(c.closed)
		_ = c.nc.Close()

		c.mu.Lock()
		for id, ch := range c.pending {
			delete(c.pending, id)
			close(ch)
		}
		c.mu.Unlock()
	})
}

// Events is the stream of broker events. The channel closes when the
// connection does.
func (c *Client) Events() <-chan *protocol.Event { return c.events }

func (c *Client) readLoop() {
	defer c.Close()
	defer close(c.events)

	for {
		body, err := protocol.ReadFrame(c.r, c.maxFrame)
		if err != nil {
			return
		}
		env, err := protocol.DecodeEnvelope(body)
		if err != nil {
			continue
		}

		if env.Type == protocol.TypeEvent {
			var ev protocol.Event
			if json.Unmarshal(env.Payload, &ev) == nil {
				select {
				case c.events <- &ev:
				default:
					// A consumer that stopped reading loses events, the
					// broker-side contract already allows that.
				}
			}
			continue
		}

		if env.RequestID == "" {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[env.RequestID]
		if ok {
			delete(c.pending, env.RequestID)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

// Request issues one request and waits for the matching response. Broker
// errors come back as *protocol.Error.
func (c *Client) Request(ctx context.Context, typ string, payload any) (json.RawMessage, error) {
	if c.closedFlg.Load() {
		return nil, ErrClosed
	}

	requestID := uuid.NewString()
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	env := &protocol.Envelope{
		V:         protocol.Version,
		Type:      typ,
		RequestID: requestID,
		Payload:   raw,
	}
	body, err := env.Encode()
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Envelope, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = protocol.WriteFrame(c.w, body, c.maxFrame)
	if err == nil {
		err = c.w.Flush()
	}
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", typ, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		switch resp.Type {
		case protocol.TypeOK, protocol.TypeHelloAck:
			return resp.Payload, nil
		case protocol.TypeError:
			var perr protocol.Error
			if err := json.Unmarshal(resp.Payload, &perr); err != nil {
				return nil, fmt.Errorf("malformed error response: %w", err)
			}
			return nil, &perr
		default:
			return nil, fmt.Errorf("unexpected response type %q", resp.Type)
		}
	}
}

// Hello completes the handshake. Must be the first request.
func (c *Client) Hello(ctx context.Context, name, version string) (*protocol.HelloAckPayload, error) {
	raw, err := c.Request(ctx, protocol.TypeHello, protocol.HelloPayload{
		ClientName:    name,
		ClientVersion: version,
	})
	if err != nil {
		return nil, err
	}
	var ack protocol.HelloAckPayload
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, fmt.Errorf("malformed hello_ack: %w", err)
	}
	return &ack, nil
}

// SpawnAgent starts an agent.
func (c *Client) SpawnAgent(ctx context.Context, spec protocol.AgentSpec, initialTask string) (*protocol.SpawnResult, error) {
	raw, err := c.Request(ctx, protocol.TypeSpawnAgent, protocol.SpawnAgentPayload{
		Agent:       spec,
		InitialTask: initialTask,
	})
	if err != nil {
		return nil, err
	}
	var result protocol.SpawnResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SendMessage routes a message. Blocking sends do not return until the ACK
// or ack_timeout arrives.
func (c *Client) SendMessage(ctx context.Context, req protocol.SendMessagePayload) (*protocol.SendResult, error) {
	raw, err := c.Request(ctx, protocol.TypeSendMessage, req)
	if err != nil {
		return nil, err
	}
	var result protocol.SendResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReleaseAgent tears an agent down.
func (c *Client) ReleaseAgent(ctx context.Context, name, reason string) error {
	_, err := c.Request(ctx, protocol.TypeReleaseAgent, protocol.ReleaseAgentPayload{
		Name:   name,
		Reason: reason,
	})
	return err
}

// ListAgents returns the registered agents.
func (c *Client) ListAgents(ctx context.Context) ([]protocol.AgentInfo, error) {
	raw, err := c.Request(ctx, protocol.TypeListAgents, struct{}{})
	if err != nil {
		return nil, err
	}
	var agents []protocol.AgentInfo
	if err := json.Unmarshal(raw, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// GetStatus returns the broker status snapshot.
func (c *Client) GetStatus(ctx context.Context) (*protocol.StatusResult, error) {
	raw, err := c.Request(ctx, protocol.TypeGetStatus, struct{}{})
	if err != nil {
		return nil, err
	}
	var status protocol.StatusResult
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Shutdown asks the broker to exit gracefully.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := c.Request(ctx, protocol.TypeShutdown, struct{}{})
	return err
}

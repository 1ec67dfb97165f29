package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSClient wraps one NATS connection with subscription bookkeeping and
// structured connection-lifecycle logging.
type NATSClient struct {
	conn   *nats.Conn
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// ConnectNATS dials the cluster with capped reconnects. The client survives
// broker restarts on the NATS side; handlers below log transitions.
func ConnectNATS(cfg *Config, logger zerolog.Logger) (*NATSClient, error) {
	c := &NATSClient{
		logger: logger.With().Str("component", "nats").Logger(),
		subs:   make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.Name("agentmux-bridge"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectWait/4, cfg.ReconnectWait/4),
		nats.ConnectHandler(func(conn *nats.Conn) {
			c.logger.Info().Str("url", conn.ConnectedUrl()).Msg("connected")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			c.logger.Info().Str("url", conn.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := c.logger.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("async error")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.logger.Info().Msg("connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATSURL, err)
	}
	c.conn = conn
	return c, nil
}

// Subscribe registers a handler for a subject (wildcards allowed).
func (c *NATSClient) Subscribe(subject string, handler func(subject string, data []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	c.subs[subject] = sub
	c.logger.Info().Str("subject", subject).Msg("subscribed")
	return nil
}

// PublishJSON marshals and publishes one object.
func (c *NATSClient) PublishJSON(subject string, obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal for %s: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// IsConnected reports the live connection state.
func (c *NATSClient) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// WaitForConnection polls until the connection is up or ctx expires.
func (c *NATSClient) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.IsConnected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close unsubscribes everything and drains the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for subject, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Warn().Err(err).Str("subject", subject).Msg("unsubscribe failed")
		}
	}
	c.subs = make(map[string]*nats.Subscription)
	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			c.conn.Close()
		}
	}
}

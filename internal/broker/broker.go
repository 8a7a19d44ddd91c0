// Package broker wraps the AMQP client every sentinel service uses to
// talk to the message bus: topology declaration, publishing with
// channel-resetting retries, and consuming with explicit ack decisions.
package broker

import (
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// AckDecision is what a consumer handler tells the broker to do with a
// delivery once the handler returns.
type AckDecision int

const (
	// Ack removes the message; processing succeeded.
	Ack AckDecision = iota
	// Drop removes the message without requeue; it was malformed or
	// processing failed in a way redelivery cannot fix.
	Drop
	// Requeue puts the message back; the downstream dependency is
	// known to be temporarily missing (e.g. socket not yet connected).
	Requeue
)

func (d AckDecision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Drop:
		return "drop"
	case Requeue:
		return "requeue"
	default:
		return "unknown"
	}
}

// Client owns one AMQP connection. Channels are cheap and per-purpose
// (one per publisher, one per consumer); the connection is shared.
type Client struct {
	url    string
	logger zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// Dial connects to the broker.
func Dial(url string, logger zerolog.Logger) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	return &Client{
		url:    url,
		logger: logger.With().Str("component", "broker").Logger(),
		conn:   conn,
	}, nil
}

// channel opens a fresh channel, redialing the connection first if it
// has been closed under us.
func (c *Client) channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			return nil, fmt.Errorf("redial broker: %w", err)
		}
		c.conn = conn
		c.logger.Warn().Msg("Broker connection re-established")
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// Close tears down the connection. Publishers and consumers built from
// this client must be stopped first.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

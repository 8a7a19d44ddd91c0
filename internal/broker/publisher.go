package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	defaultMaxAttempts    = 3
	defaultPublishBackoff = 200 * time.Millisecond
)

// publishChannel is the slice of *amqp.Channel the publisher uses,
// narrowed so retry behaviour is testable without a live broker.
type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher publishes persistent JSON messages with bounded retries.
// A failed attempt tears the channel down and opens a fresh one before
// retrying, so a poisoned channel never wedges the producer.
type Publisher struct {
	logger      zerolog.Logger
	maxAttempts int
	backoff     time.Duration

	openChannel func() (publishChannel, error)

	mu sync.Mutex
	ch publishChannel
}

// NewPublisher builds a publisher over the client's connection.
func (c *Client) NewPublisher() *Publisher {
	return &Publisher{
		logger:      c.logger,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultPublishBackoff,
		openChannel: func() (publishChannel, error) { return c.channel() },
	}
}

// Publish sends body to exchange with the given routing key. Pass an
// empty exchange to address a queue directly. Retries are fixed
// back-off; each retry resets the underlying channel.
func (p *Publisher) Publish(ctx context.Context, exchange, key string, body []byte) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		ch, err := p.currentChannel()
		if err != nil {
			lastErr = err
		} else if err = ch.PublishWithContext(ctx, exchange, key, false, false, msg); err == nil {
			return nil
		} else {
			lastErr = err
		}

		p.resetChannel()
		if attempt < p.maxAttempts {
			publishRetries.WithLabelValues(exchangeLabel(exchange)).Inc()
			p.logger.Warn().
				Err(lastErr).
				Str("exchange", exchange).
				Str("routing_key", key).
				Int("attempt", attempt).
				Msg("Publish failed, resetting channel and retrying")

			select {
			case <-ctx.Done():
				return fmt.Errorf("publish %s/%s: %w", exchange, key, ctx.Err())
			case <-time.After(p.backoff):
			}
		}
	}

	publishFailures.WithLabelValues(exchangeLabel(exchange)).Inc()
	return fmt.Errorf("publish %s/%s after %d attempts: %w", exchange, key, p.maxAttempts, lastErr)
}

// PublishQueue sends body straight to a queue via the default exchange.
func (p *Publisher) PublishQueue(ctx context.Context, queue string, body []byte) error {
	return p.Publish(ctx, "", queue, body)
}

func (p *Publisher) currentChannel() (publishChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		return p.ch, nil
	}
	ch, err := p.openChannel()
	if err != nil {
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

func (p *Publisher) resetChannel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
}

// Close releases the publisher's channel.
func (p *Publisher) Close() {
	p.resetChannel()
}

func exchangeLabel(exchange string) string {
	if exchange == "" {
		return "default"
	}
	return exchange
}

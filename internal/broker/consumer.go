package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HandlerFunc processes one delivery body and returns what to do with
// it. Handlers should not panic; the consumer still guards with a
// recover that converts a panic into Drop.
type HandlerFunc func(ctx context.Context, body []byte) AckDecision

// ConsumerConfig describes one queue subscription.
type ConsumerConfig struct {
	Queue    string
	Handler  HandlerFunc
	Logger   zerolog.Logger
	Prefetch int
	// RequeueDelay pauses the consumer loop after a Requeue decision so
	// a missing downstream does not spin the same message hot.
	RequeueDelay time.Duration
}

// Consumer runs one delivery loop over a dedicated channel.
type Consumer struct {
	client *Client
	cfg    ConsumerConfig
	logger zerolog.Logger
	tag    string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	processed int64
	dropped   int64
	requeued  int64
}

// NewConsumer validates cfg and prepares a consumer; Start begins
// delivery.
func (c *Client) NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Queue == "" {
		return nil, fmt.Errorf("consumer queue is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("consumer handler is required")
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client: c,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "consumer").Str("queue", cfg.Queue).Logger(),
		tag:    cfg.Queue + "-" + uuid.NewString()[:8],
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start opens the channel and spawns the delivery loop.
func (c *Consumer) Start() error {
	ch, err := c.client.channel()
	if err != nil {
		return fmt.Errorf("consumer %s: %w", c.cfg.Queue, err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("consumer %s qos: %w", c.cfg.Queue, err)
	}
	deliveries, err := ch.Consume(c.cfg.Queue, c.tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ch.Close()

		c.logger.Info().Str("tag", c.tag).Msg("Consumer started")
		for {
			select {
			case <-c.ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					c.logger.Warn().Msg("Delivery channel closed by broker")
					return
				}
				decision := c.settle(&d, d.Body)
				if decision == Requeue && c.cfg.RequeueDelay > 0 {
					select {
					case <-c.ctx.Done():
						return
					case <-time.After(c.cfg.RequeueDelay):
					}
				}
			}
		}
	}()
	return nil
}

// acker is the ack/nack slice of amqp.Delivery, split out so decision
// handling is testable without a live broker.
type acker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// settle runs the handler on one delivery and applies its decision,
// keeping the consumer counters and metrics current.
func (c *Consumer) settle(d acker, body []byte) AckDecision {
	decision := c.safeHandle(body)
	switch decision {
	case Ack:
		if err := d.Ack(false); err != nil {
			c.logger.Warn().Err(err).Msg("Ack failed")
		}
		atomic.AddInt64(&c.processed, 1)
	case Requeue:
		if err := d.Nack(false, true); err != nil {
			c.logger.Warn().Err(err).Msg("Nack(requeue) failed")
		}
		atomic.AddInt64(&c.requeued, 1)
	default:
		if err := d.Nack(false, false); err != nil {
			c.logger.Warn().Err(err).Msg("Nack(drop) failed")
		}
		atomic.AddInt64(&c.dropped, 1)
	}
	consumeDecisions.WithLabelValues(c.cfg.Queue, decision.String()).Inc()
	return decision
}

// safeHandle runs the handler with panic containment; a panicking
// handler drops the message instead of killing the loop.
func (c *Consumer) safeHandle(body []byte) (decision AckDecision) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic_value", r).Msg("Handler panic, dropping message")
			decision = Drop
		}
	}()
	return c.cfg.Handler(c.ctx, body)
}

// Stop cancels the loop, waits for it to drain and logs totals.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	c.logger.Info().
		Int64("processed", atomic.LoadInt64(&c.processed)).
		Int64("dropped", atomic.LoadInt64(&c.dropped)).
		Int64("requeued", atomic.LoadInt64(&c.requeued)).
		Msg("Consumer stopped")
}

// Counts reports processed/dropped/requeued totals.
func (c *Consumer) Counts() (processed, dropped, requeued int64) {
	return atomic.LoadInt64(&c.processed), atomic.LoadInt64(&c.dropped), atomic.LoadInt64(&c.requeued)
}

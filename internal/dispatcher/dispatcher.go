// Package dispatcher routes frame envelopes from clients_data to the
// pipeline input queues. Pipelines are fungible, so selection is plain
// round-robin over a process-local counter; one publish to the direct
// exchange fans the envelope to both branch queues of the chosen
// pipeline.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sentinelvision/sentinel/internal/broker"
	"github.com/sentinelvision/sentinel/internal/types"
)

// publisher is the slice of broker.Publisher the dispatcher uses.
type publisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte) error
}

// Dispatcher consumes clients_data and spreads envelopes over N
// pipelines. The counter carries no durable state; a restart simply
// restarts the rotation.
type Dispatcher struct {
	pub          publisher
	numPipelines int
	logger       zerolog.Logger
	next         int
}

// New builds a dispatcher over numPipelines targets.
func New(pub publisher, numPipelines int, logger zerolog.Logger) (*Dispatcher, error) {
	if numPipelines < 1 {
		return nil, fmt.Errorf("dispatcher needs at least one pipeline, got %d", numPipelines)
	}
	return &Dispatcher{
		pub:          pub,
		numPipelines: numPipelines,
		logger:       logger.With().Str("component", "dispatcher").Logger(),
	}, nil
}

// Handle is the clients_data consumer handler. Envelopes without a
// client name are malformed and dropped; publish failure drops too,
// since the freshest frame from the same client is already behind it.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) broker.AckDecision {
	env, err := types.DecodeFrameEnvelope(body)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Undecodable envelope dropped")
		return broker.Drop
	}
	if env.ClientName == "" {
		d.logger.Warn().Msg("Envelope without client name dropped")
		return broker.Drop
	}

	p := d.next % d.numPipelines
	d.next++

	if err := d.pub.Publish(ctx, broker.ExchangeClientsData, broker.PipelineRouteKey(p), body); err != nil {
		d.logger.Error().
			Err(err).
			Str("client", env.ClientName).
			Int("pipeline", p).
			Msg("Envelope publish failed")
		return broker.Drop
	}

	routedTotal.WithLabelValues(broker.PipelineRouteKey(p)).Inc()
	d.logger.Debug().
		Str("client", env.ClientName).
		Str("object_key", env.ObjectKey).
		Int("pipeline", p).
		Msg("Envelope routed")
	return broker.Ack
}

package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange, queue and routing-key names shared by every service.
const (
	ExchangeClientsData     = "received_clients_data"
	ExchangePipelineResults = "pipeline_results"

	QueueClientsData  = "clients_data"
	QueueActions      = "actions"
	QueueSavedActions = "saved_actions"
	QueueFaceResults  = "face_pipeline_results"
	QueuePhoneResults = "phone_pipeline_results"

	RouteFaceResults  = "face_results"
	RoutePhoneResults = "phone_results"
)

// pipelineInputTTLMS bounds how long a frame may wait in a pipeline
// input queue; anything older is stale for a live camera feed.
const pipelineInputTTLMS = 400

// PipelineRouteKey is the routing key the dispatcher publishes with;
// both branch queues of pipeline i bind to it.
func PipelineRouteKey(i int) string {
	return fmt.Sprintf("PipeLine_%d", i)
}

// PipelineFaceQueue names pipeline i's face branch input queue.
func PipelineFaceQueue(i int) string {
	return fmt.Sprintf("pipeline_%d_face_data", i)
}

// PipelinePhoneQueue names pipeline i's phone branch input queue.
func PipelinePhoneQueue(i int) string {
	return fmt.Sprintf("pipeline_%d_phone_data", i)
}

// Topology sizes the queue graph for one deployment.
type Topology struct {
	NumPipelines          int
	MaxClientsPerPipeline int
}

// DeclareTopology declares the exchanges, queues and bindings the
// pipeline rides on. Declarations are idempotent; every service calls
// this at startup so any boot order works.
func (c *Client) DeclareTopology(t Topology) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	for _, exchange := range []string{ExchangeClientsData, ExchangePipelineResults} {
		if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}

	for _, queue := range []string{QueueClientsData, QueueActions, QueueSavedActions} {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
	}

	results := []struct{ queue, key string }{
		{QueueFaceResults, RouteFaceResults},
		{QueuePhoneResults, RoutePhoneResults},
	}
	for _, r := range results {
		if _, err := ch.QueueDeclare(r.queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", r.queue, err)
		}
		if err := ch.QueueBind(r.queue, r.key, ExchangePipelineResults, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", r.queue, err)
		}
	}

	// Pipeline input queues are short and drop-head so the freshest
	// frame always wins over a backlog.
	args := amqp.Table{
		"x-message-ttl": int32(pipelineInputTTLMS),
		"x-max-length":  int32(t.MaxClientsPerPipeline),
		"x-overflow":    "drop-head",
	}
	for i := 0; i < t.NumPipelines; i++ {
		key := PipelineRouteKey(i)
		for _, queue := range []string{PipelineFaceQueue(i), PipelinePhoneQueue(i)} {
			if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
				return fmt.Errorf("declare queue %s: %w", queue, err)
			}
			if err := ch.QueueBind(queue, key, ExchangeClientsData, false, nil); err != nil {
				return fmt.Errorf("bind queue %s: %w", queue, err)
			}
		}
	}
	return nil
}

package broker

import "github.com/prometheus/client_golang/prometheus"

var (
	publishRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_broker_publish_retries_total",
			Help: "Publish attempts that failed and triggered a channel reset",
		},
		[]string{"exchange"},
	)

	publishFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_broker_publish_failures_total",
			Help: "Publishes that exhausted all attempts",
		},
		[]string{"exchange"},
	)

	consumeDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_broker_consume_decisions_total",
			Help: "Handler decisions applied to deliveries",
		},
		[]string{"queue", "decision"},
	)
)

func init() {
	prometheus.MustRegister(
		publishRetries,
		publishFailures,
		consumeDecisions,
	)
}

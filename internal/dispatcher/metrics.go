package dispatcher

import "github.com/prometheus/client_golang/prometheus"

var routedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sentinel_dispatcher_routed_total",
		Help: "Envelopes routed per pipeline routing key",
	},
	[]string{"pipeline"},
)

func init() {
	prometheus.MustRegister(routedTotal)
}

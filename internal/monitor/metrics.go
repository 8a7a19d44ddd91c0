package monitor

import "github.com/prometheus/client_golang/prometheus"

var collectionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sentinel_monitor_collections_total",
		Help: "Collector runs, by collector and result",
	},
	[]string{"collector", "result"},
)

func init() {
	prometheus.MustRegister(collectionsTotal)
}

package embedcache

import "github.com/prometheus/client_golang/prometheus"

var cacheHits = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sentinel_embedcache_resolutions_total",
		Help: "Reference embedding resolutions by layer (memory, store, compute)",
	},
	[]string{"layer"},
)

func init() {
	prometheus.MustRegister(cacheHits)
}

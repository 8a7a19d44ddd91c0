package ratelimiter

import "github.com/prometheus/client_golang/prometheus"

var denialsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "sentinel_ratelimiter_denials_total",
		Help: "Admissions denied because the client window was full",
	},
)

func init() {
	prometheus.MustRegister(denialsTotal)
}

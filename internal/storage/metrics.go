package storage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var opDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "sentinel_storage_op_duration_seconds",
		Help:    "Object store operation latency by op and outcome",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"op", "outcome"},
)

func init() {
	prometheus.MustRegister(opDuration)
}

func observeOp(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	opDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}

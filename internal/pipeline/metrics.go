package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	branchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_pipeline_branch_seconds",
			Help:    "End-to-end branch handling latency per branch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"branch"},
	)

	verdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_pipeline_verdicts_total",
			Help: "Verdicts published per branch and outcome",
		},
		[]string{"branch", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(branchLatency, verdictsTotal)
}

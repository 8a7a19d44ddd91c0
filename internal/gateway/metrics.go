package gateway

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_gateway_sessions",
		Help: "Currently open WebSocket sessions",
	})

	admissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_gateway_admissions_total",
			Help: "Admission outcomes (admitted, paused, blocked, not_available, rate_limited, capacity)",
		},
		[]string{"outcome"},
	)

	framesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_gateway_frames_accepted_total",
		Help: "Frames stored and enqueued for dispatch",
	})

	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_gateway_frames_dropped_total",
			Help: "Frames ignored before enqueue, by cause",
		},
		[]string{"cause"},
	)

	frameBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sentinel_gateway_frame_bytes",
		Help:    "Stored frame size in bytes",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
	})

	actionsForwarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_gateway_actions_forwarded_total",
			Help: "Outbound action delivery results (delivered, requeued, send_failed)",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		sessionsGauge,
		admissionsTotal,
		framesAccepted,
		framesDropped,
		frameBytes,
		actionsForwarded,
	)
}

package fuser

import "github.com/prometheus/client_golang/prometheus"

var (
	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_fuser_actions_total",
			Help: "Actions derived per branch, action and reason",
		},
		[]string{"branch", "action", "reason"},
	)

	savedActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_fuser_saved_actions_total",
			Help: "Saved actions published per action",
		},
		[]string{"action"},
	)
)

func init() {
	prometheus.MustRegister(actionsTotal, savedActionsTotal)
}

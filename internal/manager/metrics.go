package manager

import "github.com/prometheus/client_golang/prometheus"

var (
	savedActionsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_manager_saved_actions_written_total",
			Help: "Saved action snapshots written, by sink",
		},
		[]string{"sink"},
	)

	statusUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_manager_status_updates_total",
			Help: "Admin client-status updates, by target status",
		},
		[]string{"status"},
	)

	mirrorWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_manager_mirror_writes_total",
			Help: "Status mirror file writes, by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(savedActionsWritten, statusUpdatesTotal, mirrorWrites)
}

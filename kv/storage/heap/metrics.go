package heap

import "github.com/prometheus/client_golang/prometheus"

var (
	insertCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "heap",
			Name:      "inserts_total",
			Help:      "Row versions written.",
		})

	updateCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "heap",
			Name:      "updates_total",
			Help:      "Rows superseded by a new version.",
		})

	deleteCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "heap",
			Name:      "deletes_total",
			Help:      "Rows tombstoned.",
		})

	reclaimCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "heap",
			Name:      "reclaimed_total",
			Help:      "Dead row versions physically removed by vacuum.",
		})
)

func init() {
	prometheus.MustRegister(insertCounter)
	prometheus.MustRegister(updateCounter)
	prometheus.MustRegister(deleteCounter)
	prometheus.MustRegister(reclaimCounter)
}

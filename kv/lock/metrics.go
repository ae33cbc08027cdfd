package lock

import "github.com/prometheus/client_golang/prometheus"

var (
	locksHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meridian",
			Subsystem: "lock",
			Name:      "held",
			Help:      "Locks currently granted.",
		})
	waitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "lock",
			Name:      "waits_total",
			Help:      "Lock requests that had to wait.",
		})
	timeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "lock",
			Name:      "timeouts_total",
			Help:      "Lock waits that hit their timeout.",
		})
	deadlocksBroken = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "lock",
			Name:      "deadlocks_broken_total",
			Help:      "Cycles resolved by aborting a victim.",
		})
	escalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "lock",
			Name:      "escalations_total",
			Help:      "Row lock sets traded for a table lock.",
		})
)

func init() {
	prometheus.MustRegister(locksHeld)
	prometheus.MustRegister(waitsTotal)
	prometheus.MustRegister(timeoutsTotal)
	prometheus.MustRegister(deadlocksBroken)
	prometheus.MustRegister(escalations)
}

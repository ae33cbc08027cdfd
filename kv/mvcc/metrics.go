package mvcc

import "github.com/prometheus/client_golang/prometheus"

var (
	activeTxns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meridian",
			Subsystem: "mvcc",
			Name:      "active_txns",
			Help:      "Transactions currently registered.",
		})
	commitCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "mvcc",
			Name:      "commits_total",
			Help:      "Transactions committed.",
		})
	abortCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "mvcc",
			Name:      "aborts_total",
			Help:      "Transactions aborted.",
		})
	serializationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "mvcc",
			Name:      "serialization_failures_total",
			Help:      "Serializable commits rejected by validation.",
		})
	vacuumSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "mvcc",
			Name:      "vacuum_sweeps_total",
			Help:      "Completed vacuum sweeps.",
		})
)

func init() {
	prometheus.MustRegister(activeTxns)
	prometheus.MustRegister(commitCounter)
	prometheus.MustRegister(abortCounter)
	prometheus.MustRegister(serializationFailures)
	prometheus.MustRegister(vacuumSweeps)
}

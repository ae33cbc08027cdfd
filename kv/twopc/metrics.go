package twopc

import "github.com/prometheus/client_golang/prometheus"

var (
	decisionsCommit = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "twopc",
			Name:      "decisions_commit_total",
			Help:      "Transactions decided commit.",
		})
	decisionsAbort = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "twopc",
			Name:      "decisions_abort_total",
			Help:      "Transactions decided abort.",
		})
	resolvedTxns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "twopc",
			Name:      "resolved_total",
			Help:      "Transactions acknowledged by every participant.",
		})
	redeliveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "twopc",
			Name:      "redeliveries_total",
			Help:      "Decision deliveries that had to be retried.",
		})
	inDoubtTxns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meridian",
			Subsystem: "twopc",
			Name:      "in_doubt",
			Help:      "Prepared transactions awaiting a decision.",
		})
)

func init() {
	prometheus.MustRegister(decisionsCommit)
	prometheus.MustRegister(decisionsAbort)
	prometheus.MustRegister(resolvedTxns)
	prometheus.MustRegister(redeliveries)
	prometheus.MustRegister(inDoubtTxns)
}

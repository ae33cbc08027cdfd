package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	txnsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "engine",
			Name:      "txns_started_total",
			Help:      "Transactions begun.",
		})
	indexRepairs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "engine",
			Name:      "index_repairs_total",
			Help:      "Index entries repointed after undo removed their head version.",
		})
	bulkLoadRows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "engine",
			Name:      "bulk_load_rows_total",
			Help:      "Rows written through bulk load.",
		})
)

func init() {
	prometheus.MustRegister(txnsStarted)
	prometheus.MustRegister(indexRepairs)
	prometheus.MustRegister(bulkLoadRows)
}

package btree

import "github.com/prometheus/client_golang/prometheus"

var (
	insertCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "btree",
			Name:      "inserts_total",
			Help:      "Index entries inserted.",
		})
	deleteCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "btree",
			Name:      "deletes_total",
			Help:      "Index entries deleted.",
		})
	splitCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "btree",
			Name:      "splits_total",
			Help:      "Node splits performed.",
		})
	mergeCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "btree",
			Name:      "merges_total",
			Help:      "Node merges performed.",
		})
	reseekCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "btree",
			Name:      "iterator_reseeks_total",
			Help:      "Range scans restarted from the root after a leaf chain changed.",
		})
)

func init() {
	prometheus.MustRegister(insertCounter)
	prometheus.MustRegister(deleteCounter)
	prometheus.MustRegister(splitCounter)
	prometheus.MustRegister(mergeCounter)
	prometheus.MustRegister(reseekCounter)
}

package disk

import "github.com/prometheus/client_golang/prometheus"

var (
	pageReadCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "disk",
			Name:      "page_reads_total",
			Help:      "Counter of pages read from the data file.",
		})

	pageWriteCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "disk",
			Name:      "page_writes_total",
			Help:      "Counter of pages written to the data file.",
		})
)

func init() {
	prometheus.MustRegister(pageReadCounter)
	prometheus.MustRegister(pageWriteCounter)
}

package buffer

import "github.com/prometheus/client_golang/prometheus"

var (
	hitCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "buffer",
			Name:      "hits_total",
			Help:      "Fetches served from a resident frame.",
		})

	missCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "buffer",
			Name:      "misses_total",
			Help:      "Fetches that had to read from disk.",
		})

	evictionCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "buffer",
			Name:      "evictions_total",
			Help:      "Frames recycled for another page.",
		})

	writeBackCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "buffer",
			Name:      "write_backs_total",
			Help:      "Dirty pages written to disk.",
		})

	starvedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "buffer",
			Name:      "starved_total",
			Help:      "Fetches rejected because every frame was pinned.",
		})

	prefetchCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "buffer",
			Name:      "prefetched_total",
			Help:      "Pages loaded ahead of a sequential scan.",
		})
)

func init() {
	prometheus.MustRegister(hitCounter)
	prometheus.MustRegister(missCounter)
	prometheus.MustRegister(evictionCounter)
	prometheus.MustRegister(writeBackCounter)
	prometheus.MustRegister(starvedCounter)
	prometheus.MustRegister(prefetchCounter)
}

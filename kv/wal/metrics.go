package wal

import "github.com/prometheus/client_golang/prometheus"

var (
	appendedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "wal",
			Name:      "appended_bytes_total",
			Help:      "Total bytes appended to the log.",
		})

	walFlushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "wal",
			Name:      "flushes_total",
			Help:      "Number of fsync calls against the log.",
		})

	groupCommitBatch = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "meridian",
			Subsystem: "wal",
			Name:      "group_commit_batch_size",
			Help:      "Flush requests satisfied by a single sync.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		})

	segmentRotations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "wal",
			Name:      "segment_rotations_total",
			Help:      "Number of log segment rotations.",
		})

	segmentRecycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "wal",
			Name:      "segment_recycles_total",
			Help:      "Number of log segments recycled after checkpoints.",
		})

	checkpointCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "wal",
			Name:      "checkpoints_total",
			Help:      "Number of checkpoints written.",
		})

	streamPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "wal",
			Name:      "stream_published_total",
			Help:      "Committed transactions published to the stream.",
		})

	streamOverflows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Subsystem: "wal",
			Name:      "stream_overflows_total",
			Help:      "Subscriptions dropped because their buffer filled.",
		})
)

func init() {
	prometheus.MustRegister(appendedBytes)
	prometheus.MustRegister(walFlushes)
	prometheus.MustRegister(groupCommitBatch)
	prometheus.MustRegister(segmentRotations)
	prometheus.MustRegister(segmentRecycles)
	prometheus.MustRegister(checkpointCounter)
	prometheus.MustRegister(streamPublished)
	prometheus.MustRegister(streamOverflows)
}

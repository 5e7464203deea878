package batch

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gpumemd",
			Subsystem: "batch",
			Name:      "queue_depth",
			Help:      "Pending requests per bucket",
		},
		[]string{"bucket"},
	)

	batchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gpumemd",
			Subsystem: "batch",
			Name:      "latency_ms",
			Help:      "Batch execution latency in milliseconds, per bucket",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"bucket"},
	)

	oomRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gpumemd",
			Subsystem: "batch",
			Name:      "oom_retries_total",
			Help:      "Batches retried once after an OOM and cache clear",
		},
	)
)

func init() {
	prometheus.MustRegister(queueDepth, batchLatency, oomRetriesTotal)
}

func bucketLabel(id int) string { return strconv.Itoa(id) }

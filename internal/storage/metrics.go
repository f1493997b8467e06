package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	changeAppendLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "changelog",
		Name:      "append_seconds",
		Help:      "Latency for appending a pushed batch to the change log.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"backend"})

	changeReadLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "changelog",
		Name:      "read_seconds",
		Help:      "Latency for reading a page of changes for a scope.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"backend"})

	changesAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changelog",
		Name:      "changes_appended_total",
		Help:      "Changes persisted with a new epoch.",
	}, []string{"backend"})

	duplicateChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "changelog",
		Name:      "duplicate_changes_total",
		Help:      "Pushed changes whose id had already been accepted.",
	}, []string{"backend"})

	storeTracer = otel.Tracer("github.com/example/workspace-sync/storage")
)

func init() {
	changeAppendLatency = registerOrExisting(changeAppendLatency).(*prometheus.HistogramVec)
	changeReadLatency = registerOrExisting(changeReadLatency).(*prometheus.HistogramVec)
	changesAppended = registerOrExisting(changesAppended).(*prometheus.CounterVec)
	duplicateChanges = registerOrExisting(duplicateChanges).(*prometheus.CounterVec)
}

func registerOrExisting(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if regErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return regErr.ExistingCollector
		}
		panic(err)
	}
	return c
}

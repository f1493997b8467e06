package syncservice

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	handshakes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "handshakes_total",
		Help:      "Handshakes by outcome.",
	}, []string{"outcome"})

	pushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "pushes_total",
		Help:      "Push batches by outcome.",
	}, []string{"outcome"})

	acceptedChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "changes_accepted_total",
		Help:      "Changes assigned a new epoch.",
	})

	divergenceRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Name:      "divergence_rejections_total",
		Help:      "Push batches rejected for vector clock divergence.",
	}, []string{"scope_type"})

	pullLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sync",
		Name:      "pull_seconds",
		Help:      "Latency of pull requests.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"scope_type"})

	tracer = otel.Tracer("github.com/example/workspace-sync/syncservice")
)

func init() {
	handshakes = registerOrExisting(handshakes).(*prometheus.CounterVec)
	pushes = registerOrExisting(pushes).(*prometheus.CounterVec)
	acceptedChanges = registerOrExisting(acceptedChanges).(prometheus.Counter)
	divergenceRejections = registerOrExisting(divergenceRejections).(*prometheus.CounterVec)
	pullLatency = registerOrExisting(pullLatency).(*prometheus.HistogramVec)
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

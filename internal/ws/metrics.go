package ws

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	gatewayUpgradeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "upgrade_seconds",
		Help:      "Latency spent authenticating and upgrading HTTP connections to WebSockets.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	gatewayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections",
		Help:      "Active WebSocket connections on this instance.",
	})

	gatewayRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "rejections_total",
		Help:      "Connection attempts refused before the upgrade, by reason.",
	}, []string{"reason"})

	gatewayBackpressureCloses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "backpressure_closes_total",
		Help:      "Connections closed because their send buffer was full.",
	})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(gatewayUpgradeLatency, gatewayConnections, gatewayRejections, gatewayBackpressureCloses)
	})
}

var tracer = otel.Tracer("github.com/example/workspace-sync/ws")

package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// PeersByState tracks registry records per health state
	// (unknown/healthy/unhealthy).
	PeersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "peermesh",
			Name:      "peers",
			Help:      "Registered peers by health state.",
		},
		[]string{"state"},
	)

	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peermesh",
			Name:      "calls_total",
			Help:      "Outbound peer calls by message type and outcome.",
		},
		[]string{"type", "status"},
	)

	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peermesh",
			Name:      "call_duration_seconds",
			Help:      "Latency of outbound peer calls.",
			// 1ms .. ~4s, matching expected LAN/tunnel round trips.
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"type"},
	)

	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "peermesh",
			Name:      "reconnects_total",
			Help:      "Fresh transport connections dialed after a failure.",
		},
	)

	TopologyNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "peermesh",
			Name:      "topology_nodes",
			Help:      "Nodes in the last published topology snapshot.",
		},
	)

	TopologyEdges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "peermesh",
			Name:      "topology_edges",
			Help:      "Directed edges in the last published topology snapshot.",
		},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "peermesh",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(PeersByState, CallsTotal, CallDuration, ReconnectsTotal, TopologyNodes, TopologyEdges, uptime)
}

// MetricsHandler exposes /metrics for the private registry.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveCall records one outbound call's outcome and latency.
func ObserveCall(msgType string, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	CallsTotal.WithLabelValues(msgType, status).Inc()
	CallDuration.WithLabelValues(msgType).Observe(elapsed.Seconds())
}

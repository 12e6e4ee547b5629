package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics collects the counters and gauges exposed on the metrics listener.
// A nil *metrics is valid and every method on it is a no-op, so callers in
// this package don't need to check whether metrics are enabled before
// reporting.
type metrics struct {
	activeConnections prometheus.Gauge
	requestsTotal     prometheus.Counter
	errorsTotal       *prometheus.CounterVec
	leavesIssued      prometheus.Counter
	leafCacheSize     prometheus.Gauge
	upstreamTimeouts  prometheus.Counter
}

func newMetrics(reg *prometheus.Registry) *metrics {
	const ns = "mitmproxy"
	factory := promauto.With(reg)
	return &metrics{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_connections",
			Help:      "Number of client connections currently being served.",
		}),
		requestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "requests_total",
			Help:      "Total number of requests forwarded.",
		}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_total",
			Help:      "Total number of connection errors, labeled by error kind.",
		}, []string{"kind"}),
		leavesIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "catls",
			Name:      "leaves_issued_total",
			Help:      "Total number of leaf certificates issued.",
		}),
		leafCacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "catls",
			Name:      "leaf_cache_size",
			Help:      "Number of leaf certificates currently cached.",
		}),
		upstreamTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "upstream",
			Name:      "timeouts_total",
			Help:      "Total number of upstream dial/TLS/read timeouts.",
		}),
	}
}

func (m *metrics) connectionOpened() {
	if m != nil {
		m.activeConnections.Inc()
	}
}

func (m *metrics) connectionClosed() {
	if m != nil {
		m.activeConnections.Dec()
	}
}

func (m *metrics) requestHandled() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

func (m *metrics) errorObserved(kind string) {
	if m != nil {
		m.errorsTotal.WithLabelValues(kind).Inc()
		if kind == "timeout" {
			m.upstreamTimeouts.Inc()
		}
	}
}

func (m *metrics) leafCacheObserved(size int) {
	if m != nil {
		m.leafCacheSize.Set(float64(size))
	}
}

func (m *metrics) leafIssued() {
	if m != nil {
		m.leavesIssued.Inc()
	}
}

// Package metrics exposes the gateway's Prometheus instrumentation.
// Every method is safe to call on a nil *Metrics (as a no-op), so
// wiring metrics into the hot path can never be the reason a forwarded
// request fails.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	activeTunnels   prometheus.Gauge
	activeChannels  prometheus.Gauge
	inspectorSize   prometheus.Gauge
	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram
}

// New registers and returns the gateway's collectors against reg. The
// gateway and the tests pass a prometheus.NewRegistry(); Handler serves
// that same *prometheus.Registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeTunnels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lobber_gateway_active_tunnels",
			Help: "Number of currently registered tunnels.",
		}),
		activeChannels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lobber_gateway_active_channels",
			Help: "Number of currently connected control channels.",
		}),
		inspectorSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lobber_gateway_inspector_exchanges",
			Help: "Number of exchanges currently held in the inspector store.",
		}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lobber_gateway_requests_total",
			Help: "Forwarded requests by outcome.",
		}, []string{"outcome"}),
		requestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lobber_gateway_request_duration_seconds",
			Help:    "Time from receiving a public request to returning a response.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler returns the /metrics HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// SetActiveTunnels records the current tunnel count.
func (m *Metrics) SetActiveTunnels(n int) {
	if m == nil {
		return
	}
	m.activeTunnels.Set(float64(n))
}

// IncActiveChannels records one control channel connecting.
func (m *Metrics) IncActiveChannels() {
	if m == nil {
		return
	}
	m.activeChannels.Inc()
}

// DecActiveChannels records one control channel disconnecting.
func (m *Metrics) DecActiveChannels() {
	if m == nil {
		return
	}
	m.activeChannels.Dec()
}

// SetInspectorSize records the inspector store's current size.
func (m *Metrics) SetInspectorSize(n int) {
	if m == nil {
		return
	}
	m.inspectorSize.Set(float64(n))
}

// ObserveRequest records one forwarded request's outcome and latency.
func (m *Metrics) ObserveRequest(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestDuration.Observe(d.Seconds())
}

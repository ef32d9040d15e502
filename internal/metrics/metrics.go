// Package metrics holds the Prometheus collectors the ingress pipeline emits to.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	guardRejections  *prometheus.CounterVec
	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	marketplaceCalls *prometheus.CounterVec
	storeDegraded    *prometheus.CounterVec
}

// New registers the gateway collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		guardRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_guard_rejections_total",
				Help: "Requests rejected by an ingress guard, by guard and error code.",
			},
			[]string{"guard", "code"},
		),
		upstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_requests_total",
				Help: "Requests forwarded to internal services, by target and outcome.",
			},
			[]string{"target", "outcome"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_duration_seconds",
				Help:    "Latency of forwarded requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"target"},
		),
		marketplaceCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_marketplace_calls_total",
				Help: "Proxied marketplace calls, by published API and outcome.",
			},
			[]string{"api", "outcome"},
		),
		storeDegraded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_store_degraded_total",
				Help: "Operations that failed open because the shared store was unavailable.",
			},
			[]string{"component"},
		),
	}

	m.registry.MustRegister(
		m.guardRejections,
		m.upstreamRequests,
		m.upstreamDuration,
		m.marketplaceCalls,
		m.storeDegraded,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) GuardRejected(guard, code string) {
	if m == nil {
		return
	}
	m.guardRejections.WithLabelValues(guard, code).Inc()
}

func (m *Metrics) UpstreamRequest(target, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(target, outcome).Inc()
	m.upstreamDuration.WithLabelValues(target).Observe(elapsed.Seconds())
}

func (m *Metrics) MarketplaceCall(apiID, outcome string) {
	if m == nil {
		return
	}
	m.marketplaceCalls.WithLabelValues(apiID, outcome).Inc()
}

func (m *Metrics) StoreDegraded(component string) {
	if m == nil {
		return
	}
	m.storeDegraded.WithLabelValues(component).Inc()
}

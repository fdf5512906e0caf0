// Package telemetry provides observability primitives for shellcache.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Fetch outcome labels.
const (
	SourceNetwork = "network"
	SourceCache   = "cache"
	SourceNone    = "none"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	FetchTotal      *prometheus.CounterVec
	LifecycleTotal  *prometheus.CounterVec
	NetworkFailures prometheus.Counter
	RequestDuration *prometheus.HistogramVec
	Stores          prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellcache",
			Name:      "fetch_total",
			Help:      "Fetch events by the source that answered them.",
		}, []string{"source"}),

		LifecycleTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellcache",
			Name:      "lifecycle_events_total",
			Help:      "Install and activate events by result.",
		}, []string{"event", "result"}),

		NetworkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shellcache",
			Name:      "network_failures_total",
			Help:      "Origin requests that failed at the transport level.",
		}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shellcache",
			Name:      "request_duration_seconds",
			Help:      "Proxied request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),

		Stores: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shellcache",
			Name:      "cache_stores",
			Help:      "Number of cache stores after the last activation.",
		}),
	}

	reg.MustRegister(
		m.FetchTotal,
		m.LifecycleTotal,
		m.NetworkFailures,
		m.RequestDuration,
		m.Stores,
	)

	return m
}

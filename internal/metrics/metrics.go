// Package metrics exposes Prometheus instrumentation for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Session lifecycle
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsEvicted prometheus.Counter

	// Subscribers
	Subscribers  prometheus.Gauge
	SinksDropped prometheus.Counter

	// Relay traffic
	ChunksRelayed  prometheus.Counter
	BytesRelayed   prometheus.Counter
	UpstreamErrors prometheus.Counter
	RelayStarts    prometheus.Counter
}

// New creates and registers all relay metrics against reg. Tests pass a
// fresh prometheus.NewRegistry so repeated registration never collides.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of sessions in the registry",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_evicted_total",
			Help: "Total number of sessions evicted after draining",
		}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_subscribers",
			Help: "Current number of connected subscribers across all sessions",
		}),
		SinksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sinks_dropped_total",
			Help: "Total number of subscribers dropped for failed or slow sends",
		}),
		ChunksRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_chunks_total",
			Help: "Total number of upstream chunks broadcast to subscribers",
		}),
		BytesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_bytes_total",
			Help: "Total upstream bytes broadcast to subscribers",
		}),
		UpstreamErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_upstream_errors_total",
			Help: "Total number of upstream connect and read failures",
		}),
		RelayStarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_engine_starts_total",
			Help: "Total number of relay engine starts",
		}),
	}
}

// Package metrics exposes Prometheus collectors for the hub. Every Metrics
// value owns a private registry, so tests and multiple hubs never collide.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons used as the "reason" label of EnvelopesDropped.
const (
	ReasonDecode   = "decode"
	ReasonDelivery = "delivery"
	ReasonEncode   = "encode"
)

// Metrics holds all relay collectors.
type Metrics struct {
	Registry *prometheus.Registry

	// Envelope traffic
	EnvelopesIn      *prometheus.CounterVec
	EnvelopesOut     *prometheus.CounterVec
	EnvelopesDropped *prometheus.CounterVec
	RoutingMisses    prometheus.Counter

	// Live state
	Channels prometheus.Gauge
	Sessions prometheus.Gauge
	Links    *prometheus.GaugeVec
	Torrents prometheus.Gauge

	// Engine
	EngineStarts prometheus.Counter
	SessionsGC   prometheus.Counter
}

// New creates a collector set registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		EnvelopesIn: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torrelay_envelopes_in_total",
				Help: "Envelopes decoded from any link, by action",
			},
			[]string{"action"},
		),
		EnvelopesOut: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torrelay_envelopes_out_total",
				Help: "Envelopes delivered to an endpoint, by action",
			},
			[]string{"action"},
		),
		EnvelopesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "torrelay_envelopes_dropped_total",
				Help: "Envelopes dropped, by reason",
			},
			[]string{"reason"},
		),
		RoutingMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "torrelay_routing_misses_total",
			Help: "Outbound envelopes whose client key had no endpoint",
		}),
		Channels: f.NewGauge(prometheus.GaugeOpts{
			Name: "torrelay_channels",
			Help: "Client keys currently routed to an endpoint",
		}),
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "torrelay_sessions",
			Help: "Live relay sessions",
		}),
		Links: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "torrelay_links",
				Help: "Open transport links, by kind",
			},
			[]string{"kind"},
		),
		Torrents: f.NewGauge(prometheus.GaugeOpts{
			Name: "torrelay_torrents",
			Help: "Torrents held by the engine",
		}),
		EngineStarts: f.NewCounter(prometheus.CounterOpts{
			Name: "torrelay_engine_starts_total",
			Help: "Lazy engine creations",
		}),
		SessionsGC: f.NewCounter(prometheus.CounterOpts{
			Name: "torrelay_sessions_collected_total",
			Help: "Sessions dropped after missing heartbeats",
		}),
	}
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

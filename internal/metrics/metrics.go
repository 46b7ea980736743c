// Package metrics exposes the engine's Prometheus instrumentation. Each
// Metrics value carries its own registry so tests can construct instances
// freely without collector name collisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/netshare/netshare/internal/domain"
)

type Metrics struct {
	registry *prometheus.Registry

	connectionsByState *prometheus.GaugeVec
	relayedBytes       prometheus.Counter
	matches            prometheus.Counter
	quotaExceeded      prometheus.Counter
	relayFailures      prometheus.Counter
	relayRestarts      prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "netshare_connections",
			Help: "Tracked connections by state.",
		}, []string{"state"}),
		relayedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netshare_relayed_bytes_total",
			Help: "Bytes observed across all relay mappings.",
		}),
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netshare_matches_total",
			Help: "Pending connections matched to a sharer.",
		}),
		quotaExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netshare_quota_exceeded_total",
			Help: "Times a sharer hit its daily quota.",
		}),
		relayFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netshare_relay_failures_total",
			Help: "Failed relay control calls.",
		}),
		relayRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "netshare_relay_restarts_total",
			Help: "Relay restarts issued by the health monitor.",
		}),
	}
	m.registry.MustRegister(
		m.connectionsByState,
		m.relayedBytes,
		m.matches,
		m.quotaExceeded,
		m.relayFailures,
		m.relayRestarts,
	)
	return m
}

// SetConnectionStates replaces the per-state connection gauge with a fresh
// count, zeroing states with no connections.
func (m *Metrics) SetConnectionStates(counts map[domain.State]int) {
	for _, s := range domain.States() {
		m.connectionsByState.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (m *Metrics) AddRelayedBytes(n uint64) { m.relayedBytes.Add(float64(n)) }
func (m *Metrics) IncMatches()              { m.matches.Inc() }
func (m *Metrics) IncQuotaExceeded()        { m.quotaExceeded.Inc() }
func (m *Metrics) IncRelayFailures()        { m.relayFailures.Inc() }
func (m *Metrics) IncRelayRestarts()        { m.relayRestarts.Inc() }

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

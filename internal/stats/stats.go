// Package stats provides Prometheus metrics for the dispatch engine:
// connection and byte counters per protocol, handshake failure counts,
// and dispatch latency.
package stats

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "protoflex"

// Stats holds every counter the dispatch/relay layer reports.
type Stats struct {
	ConnectionsActive *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec
	HandshakeErrors   *prometheus.CounterVec
	BytesUp           *prometheus.CounterVec
	BytesDown         *prometheus.CounterVec
	DispatchLatency   prometheus.Histogram

	gatherer prometheus.Gatherer
}

var (
	defaultStats *Stats
	once         sync.Once
)

// Default returns the process-wide Stats instance, registered against
// prometheus.DefaultRegisterer on first use.
func Default() *Stats {
	once.Do(func() { defaultStats = New(prometheus.DefaultRegisterer) })
	return defaultStats
}

// New creates a Stats instance registered against reg, so tests and
// multiple listeners can use independent registries.
func New(reg prometheus.Registerer) *Stats {
	f := promauto.With(reg)
	s := &Stats{
		ConnectionsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Currently open relayed connections by protocol.",
		}, []string{"protocol"}),
		ConnectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total connections dispatched, by protocol.",
		}, []string{"protocol"}),
		HandshakeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Handshake failures by listener and error kind.",
		}, []string{"listener", "kind"}),
		BytesUp: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_up_total",
			Help:      "Bytes relayed client to remote, by protocol.",
		}, []string{"protocol"}),
		BytesDown: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_down_total",
			Help:      "Bytes relayed remote to client, by protocol.",
		}, []string{"protocol"}),
		DispatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_seconds",
			Help:      "Time spent in the protocol recognizer and handshake.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		s.gatherer = g
	}
	return s
}

// Gatherer returns the registry these metrics are registered against, for
// exposition via an HTTP handler. Falls back to the process-wide default
// gatherer when the Registerer passed to New could not gather.
func (s *Stats) Gatherer() prometheus.Gatherer {
	if s.gatherer != nil {
		return s.gatherer
	}
	return prometheus.DefaultGatherer
}

// ConnOpened records the start of one relayed connection.
func (s *Stats) ConnOpened(protocol string) {
	s.ConnectionsActive.WithLabelValues(protocol).Inc()
	s.ConnectionsTotal.WithLabelValues(protocol).Inc()
}

// ConnClosed records the end of one relayed connection, releasing its
// contribution to ConnectionsActive.
func (s *Stats) ConnClosed(protocol string) {
	s.ConnectionsActive.WithLabelValues(protocol).Dec()
}

// HandshakeError records a handshake failure of the given proxyerr kind.
// Failures are labeled by listener, not protocol: when no handler
// recognizes a connection there is no protocol to attribute it to.
func (s *Stats) HandshakeError(listener, kind string) {
	s.HandshakeErrors.WithLabelValues(listener, kind).Inc()
}

// Relayed records bytes moved in each direction once a Channel finishes.
func (s *Stats) Relayed(protocol string, up, down int64) {
	if up > 0 {
		s.BytesUp.WithLabelValues(protocol).Add(float64(up))
	}
	if down > 0 {
		s.BytesDown.WithLabelValues(protocol).Add(float64(down))
	}
}

// Package telemetry wires structured logging and the Prometheus metrics
// registry that the node orchestrator and its components report through.
package telemetry

import (
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"
)

// NewLogger builds the zap logger used across the core. Production builds
// get JSON output; development builds get the human-friendly console
// encoder, matching the teacher's habit of passing one constructed logger
// down through every component rather than reaching for a package global.
func NewLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Metrics is the set of Prometheus collectors the node orchestrator and its
// components increment. A fresh registry is created per Metrics instance so
// tests can spin up independent nodes without colliding on the default
// registry.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectedPeers     prometheus.Gauge
	MessagesSent       prometheus.Counter
	MessagesReceived   prometheus.Counter
	BytesSent          prometheus.Counter
	BytesReceived      prometheus.Counter
	DiscoveryAttempts  prometheus.Counter
	DiscoverySuccesses prometheus.Counter
	DiscoveryFailures  prometheus.Counter
	HandshakeFailures  prometheus.Counter
	MessagesDropped    prometheus.Counter
}

// NewMetrics constructs and registers the node's metrics against a fresh
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		ConnectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dpqmesh",
			Name:      "connected_peers",
			Help:      "Number of currently connected peers.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dpqmesh",
			Name:      "messages_sent_total",
			Help:      "Total chat messages sent or forwarded.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dpqmesh",
			Name:      "messages_received_total",
			Help:      "Total chat messages delivered locally.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dpqmesh",
			Name:      "bytes_sent_total",
			Help:      "Total bytes written to peer connections.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dpqmesh",
			Name:      "bytes_received_total",
			Help:      "Total bytes read from peer connections.",
		}),
		DiscoveryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dpqmesh",
			Name:      "discovery_attempts_total",
			Help:      "Total discovery queries attempted.",
		}),
		DiscoverySuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dpqmesh",
			Name:      "discovery_successes_total",
			Help:      "Total discovery queries answered without error, even with no peers.",
		}),
		DiscoveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dpqmesh",
			Name:      "discovery_failures_total",
			Help:      "Total discovery queries that failed or timed out.",
		}),
		HandshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dpqmesh",
			Name:      "handshake_failures_total",
			Help:      "Total handshakes that failed verification.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dpqmesh",
			Name:      "messages_dropped_total",
			Help:      "Total inbound messages dropped by the router (seen, expired TTL, or self in seen_by) or failing decryption.",
		}),
	}

	reg.MustRegister(
		m.ConnectedPeers,
		m.MessagesSent,
		m.MessagesReceived,
		m.BytesSent,
		m.BytesReceived,
		m.DiscoveryAttempts,
		m.DiscoverySuccesses,
		m.DiscoveryFailures,
		m.HandshakeFailures,
		m.MessagesDropped,
	)

	return m
}

// Package metrics provides Prometheus instrumentation for the snippet relay.
// It exposes gauges for connection and session counts, counters for relayed
// events and join outcomes, and a histogram for join latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of admitted WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "snippet_relay_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveSessions tracks the number of snippet sessions with at least one member.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "snippet_relay_active_sessions",
		Help: "Current number of snippet sessions with members",
	})

	// SessionMembers tracks the total number of (connection, session) memberships.
	SessionMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "snippet_relay_session_members",
		Help: "Current number of session memberships across all sessions",
	})

	// EventsTotal counts frames handled by the router and notifier, labeled by
	// event: "code_change", "code_change_filtered", "user_joined", "user_left",
	// "remote".
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "snippet_relay_events_total",
		Help: "Total number of relay events processed",
	}, []string{"event"})

	// DeliveriesFailed counts per-recipient send failures.
	DeliveriesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snippet_relay_deliveries_failed_total",
		Help: "Total number of frames that could not be written to a member",
	})

	// JoinsTotal counts join attempts labeled by result: "ok", "forbidden",
	// "unavailable", "detached".
	JoinsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "snippet_relay_joins_total",
		Help: "Total number of join-snippet requests by result",
	}, []string{"result"})

	// JoinLatency records the time spent in the authorization check and
	// registry update of a join.
	JoinLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "snippet_relay_join_latency_seconds",
		Help:    "Join-snippet processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// AuthFailures counts rejected connection attempts.
	AuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snippet_relay_auth_failures_total",
		Help: "Total number of connection attempts rejected by the authentication gate",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveSessions,
		SessionMembers,
		EventsTotal,
		DeliveriesFailed,
		JoinsTotal,
		JoinLatency,
		AuthFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

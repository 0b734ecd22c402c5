// Package metrics exposes Prometheus collectors for the HTTP surface and the
// realtime core. Metrics implements the Recorder interfaces of the token,
// session, rooms, relay and hub packages and the presence Hook.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatrelay/internal/rooms"
	"chatrelay/pkg/types"
)

const namespace = "chatrelay"

// Metrics owns a private registry so tests and multiple servers in one
// process never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	TokenCacheLookups *prometheus.CounterVec
	GateDecisions     *prometheus.CounterVec
	Broadcasts        prometheus.Counter
	BroadcastTargets  *prometheus.CounterVec
	MessagesRelayed   *prometheus.CounterVec
	SocketConnections prometheus.Gauge
	SocketsOpened     prometheus.Counter
	SocketEvents      *prometheus.CounterVec
	PresenceChanges   *prometheus.CounterVec
	OnlineUsers       prometheus.Gauge
}

// New builds and registers every collector, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Histogram of HTTP request latency",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		TokenCacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_cache_lookups_total",
				Help:      "Token verification cache lookups by result",
			},
			[]string{"result"},
		),
		GateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_gate_decisions_total",
				Help:      "Session gate outcomes by final state",
			},
			[]string{"state"},
		),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "room_broadcasts_total",
			Help:      "Room broadcasts performed",
		}),
		BroadcastTargets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "room_broadcast_targets_total",
				Help:      "Per-connection broadcast sends by outcome",
			},
			[]string{"outcome"},
		),
		MessagesRelayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_relayed_total",
				Help:      "Messages handled by the relay by outcome",
			},
			[]string{"outcome"},
		),
		SocketConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Currently registered WebSocket connections",
		}),
		SocketsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "websocket_connections_opened_total",
			Help:      "WebSocket connections registered since start",
		}),
		SocketEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "websocket_events_total",
				Help:      "Inbound socket events by name and outcome",
			},
			[]string{"event", "outcome"},
		),
		PresenceChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "presence_transitions_total",
				Help:      "Presence transitions by new status",
			},
			[]string{"status"},
		),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users currently online",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TokenCacheLookups,
		m.GateDecisions,
		m.Broadcasts,
		m.BroadcastTargets,
		m.MessagesRelayed,
		m.SocketConnections,
		m.SocketsOpened,
		m.SocketEvents,
		m.PresenceChanges,
		m.OnlineUsers,
	)
	return m
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the exposition format for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveHTTP records one finished request. path must be a route pattern,
// not the raw URL, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(method, path string, status int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// CacheLookup implements token.Recorder.
func (m *Metrics) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.TokenCacheLookups.WithLabelValues(result).Inc()
}

// GateOutcome implements session.Recorder.
func (m *Metrics) GateOutcome(state string) {
	m.GateDecisions.WithLabelValues(state).Inc()
}

// Broadcast implements rooms.Recorder.
func (m *Metrics) Broadcast(d rooms.Delivery) {
	m.Broadcasts.Inc()
	m.BroadcastTargets.WithLabelValues("delivered").Add(float64(d.Delivered))
	m.BroadcastTargets.WithLabelValues("failed").Add(float64(d.Failed))
}

// MessageRelayed implements relay.Recorder.
func (m *Metrics) MessageRelayed(outcome string) {
	m.MessagesRelayed.WithLabelValues(outcome).Inc()
}

// ConnectionOpened implements hub.Recorder.
func (m *Metrics) ConnectionOpened() {
	m.SocketConnections.Inc()
	m.SocketsOpened.Inc()
}

// ConnectionClosed implements hub.Recorder.
func (m *Metrics) ConnectionClosed() {
	m.SocketConnections.Dec()
}

var knownEvents = map[string]bool{
	types.EventAuth:        true,
	types.EventJoinChat:    true,
	types.EventLeaveChat:   true,
	types.EventSendMessage: true,
	types.EventOnline:      true,
	types.EventOffline:     true,
}

// SocketEvent implements hub.Recorder. Event names come from clients, so
// anything unexpected is folded into "other".
func (m *Metrics) SocketEvent(name, outcome string) {
	if !knownEvents[name] {
		name = "other"
	}
	m.SocketEvents.WithLabelValues(name, outcome).Inc()
}

// PresenceChanged implements presence.Hook.
func (m *Metrics) PresenceChanged(_ context.Context, _ string, status string, _ time.Time) {
	m.PresenceChanges.WithLabelValues(status).Inc()
	switch status {
	case types.StatusOnline:
		m.OnlineUsers.Inc()
	case types.StatusOffline:
		m.OnlineUsers.Dec()
	}
}

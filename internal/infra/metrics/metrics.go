// Package metrics exposes orchestrator and gateway measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"squadron/internal/domain"
)

// Metrics holds every collector. It implements domain.TurnObserver.
type Metrics struct {
	registry *prometheus.Registry

	Turns           *prometheus.CounterVec
	TurnLatency     *prometheus.HistogramVec
	Routing         *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	BackendCalls    *prometheus.CounterVec
	BackendLatency  *prometheus.HistogramVec
	GatewayConns    prometheus.Gauge
	GatewayRequests *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, so several instances can
// coexist in one process (tests).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Turns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "squadron_turns_total",
				Help: "Agent turns by agent and final status",
			},
			[]string{"agent", "status"},
		),
		TurnLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "squadron_turn_duration_seconds",
				Help:    "Time from user turn to final agent turn",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"agent"},
		),
		Routing: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "squadron_routing_total",
				Help: "How turns were assigned to agents",
			},
			[]string{"outcome"},
		),
		ActiveSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "squadron_active_sessions",
				Help: "Sessions currently held in memory",
			},
		),
		BackendCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "squadron_backend_calls_total",
				Help: "Model backend calls by backend and result code",
			},
			[]string{"backend", "code"},
		),
		BackendLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "squadron_backend_call_duration_seconds",
				Help: "Model backend call latency",
			},
			[]string{"backend"},
		),
		GatewayConns: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "squadron_gateway_connections",
				Help: "Open WebSocket connections",
			},
		),
		GatewayRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "squadron_gateway_requests_total",
				Help: "Gateway RPC requests by method and result code",
			},
			[]string{"method", "code"},
		),
	}
}

func (m *Metrics) ObserveRouting(outcome domain.RoutingOutcome) {
	m.Routing.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) ObserveTurn(agentID string, status domain.TurnStatus, latency time.Duration) {
	if agentID == "" {
		agentID = "none"
	}
	m.Turns.WithLabelValues(agentID, string(status)).Inc()
	m.TurnLatency.WithLabelValues(agentID).Observe(latency.Seconds())
}

func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

// ObserveBackend records one backend call; err may be nil.
func (m *Metrics) ObserveBackend(backend string, err error, latency time.Duration) {
	code := "OK"
	if err != nil {
		code = string(domain.ErrorCodeOf(err))
	}
	m.BackendCalls.WithLabelValues(backend, code).Inc()
	m.BackendLatency.WithLabelValues(backend).Observe(latency.Seconds())
}

// ObserveRequest records one gateway RPC; err may be nil.
func (m *Metrics) ObserveRequest(method string, err error) {
	code := "OK"
	if err != nil {
		code = string(domain.ErrorCodeOf(err))
	}
	m.GatewayRequests.WithLabelValues(method, code).Inc()
}

func (m *Metrics) ConnectionOpened() { m.GatewayConns.Inc() }
func (m *Metrics) ConnectionClosed() { m.GatewayConns.Dec() }

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var _ domain.TurnObserver = (*Metrics)(nil)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus instruments.
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted  *prometheus.CounterVec // outcome label filled on resolve
	TasksCompleted  *prometheus.CounterVec
	TasksRunning    prometheus.Gauge
	QueueDepth      prometheus.Gauge
	BridgeRequests  *prometheus.CounterVec
	BridgeReconnect prometheus.Counter
	BreakerState    *prometheus.GaugeVec
	BreakerRejected *prometheus.CounterVec
	BackendAttempts *prometheus.CounterVec
}

// New creates metrics registered on a private registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates metrics on the given registry. Tests pass a fresh
// registry so parallel tests never collide on metric names.
func NewWithRegistry(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		TasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_pool_tasks_submitted_total",
			Help: "Tasks submitted to the process pool, by acceptance result.",
		}, []string{"result"}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_pool_tasks_completed_total",
			Help: "Tasks resolved by the process pool, by terminal state.",
		}, []string{"state"}),
		TasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_pool_tasks_running",
			Help: "Tasks currently holding a worker slot.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_pool_queue_depth",
			Help: "Tasks waiting for a worker slot.",
		}),
		BridgeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_bridge_requests_total",
			Help: "Bridge requests, by outcome.",
		}, []string{"outcome"}),
		BridgeReconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_bridge_reconnect_attempts_total",
			Help: "Bridge reconnection attempts.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"breaker"}),
		BreakerRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_breaker_rejected_total",
			Help: "Requests rejected by an open or half-open breaker.",
		}, []string{"breaker"}),
		BackendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_backend_attempts_total",
			Help: "Selector attempts per backend, by outcome.",
		}, []string{"backend", "outcome"}),
	}

	registry.MustRegister(
		m.TasksSubmitted,
		m.TasksCompleted,
		m.TasksRunning,
		m.QueueDepth,
		m.BridgeRequests,
		m.BridgeReconnect,
		m.BreakerState,
		m.BreakerRejected,
		m.BackendAttempts,
	)

	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetBreakerState records a breaker state transition on the state gauge.
func (m *Metrics) SetBreakerState(breaker, state string) {
	var value float64
	switch state {
	case "half-open":
		value = 1
	case "open":
		value = 2
	}
	m.BreakerState.WithLabelValues(breaker).Set(value)
}

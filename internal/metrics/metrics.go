// Package metrics provides Prometheus collectors for the agent.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Reconciliation
	ReconcilesTotal    *prometheus.CounterVec
	ReconcileDuration  prometheus.Histogram
	StepsTotal         *prometheus.CounterVec
	StepDuration       *prometheus.HistogramVec
	PlanSize           prometheus.Histogram
	ReconcileActive    prometheus.Gauge

	// Cloud protocol
	PollsTotal   *prometheus.CounterVec
	ReportsTotal *prometheus.CounterVec

	// Local API
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance registered on the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance with a custom registry.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReconcilesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetd_reconciles_total",
				Help: "Reconciliation cycles by outcome",
			},
			[]string{"outcome"},
		),
		ReconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fleetd_reconcile_duration_seconds",
				Help:    "Reconciliation cycle duration in seconds",
				Buckets: []float64{.05, .1, .5, 1, 5, 15, 60, 300},
			},
		),
		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetd_steps_total",
				Help: "Executed plan steps by type and result",
			},
			[]string{"step", "result"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleetd_step_duration_seconds",
				Help:    "Plan step duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 30, 120, 600},
			},
			[]string{"step"},
		),
		PlanSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fleetd_plan_steps",
				Help:    "Steps per computed plan",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
			},
		),
		ReconcileActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleetd_reconcile_active",
				Help: "1 while a reconciliation is executing",
			},
		),
		PollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetd_target_polls_total",
				Help: "Target state polls by result",
			},
			[]string{"result"},
		),
		ReportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetd_state_reports_total",
				Help: "Current state reports by result",
			},
			[]string{"result"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleetd_http_requests_total",
				Help: "Local API requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleetd_http_request_duration_seconds",
				Help:    "Local API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"method", "path"},
		),
	}

	registerer.MustRegister(
		m.ReconcilesTotal,
		m.ReconcileDuration,
		m.StepsTotal,
		m.StepDuration,
		m.PlanSize,
		m.ReconcileActive,
		m.PollsTotal,
		m.ReportsTotal,
		m.RequestsTotal,
		m.RequestDuration,
	)
	return m
}

// ObserveRequest records one local API request.
func (m *Metrics) ObserveRequest(method, path string, status int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// ObserveStep records one executed plan step.
func (m *Metrics) ObserveStep(step, result string, elapsed time.Duration) {
	m.StepsTotal.WithLabelValues(step, result).Inc()
	m.StepDuration.WithLabelValues(step).Observe(elapsed.Seconds())
}

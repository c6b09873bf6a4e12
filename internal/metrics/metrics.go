// Package metrics holds the Prometheus collectors for executions and phase
// transitions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors. A nil *Metrics is valid and records nothing.
//
// Metrics:
//   - loopd_executions_started_total{kind,phase}
//   - loopd_executions_finished_total{kind,phase,status}
//   - loopd_execution_duration_seconds{kind,phase,status}
//   - loopd_executions_running
//   - loopd_phase_transitions_total{from,to}
//   - loopd_launch_failures_total{code}
//   - loopd_orphans_recovered_total
//   - loopd_persist_failures_total{component}
type Metrics struct {
	ExecutionsStarted  *prometheus.CounterVec
	ExecutionsFinished *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ExecutionsRunning  prometheus.Gauge
	PhaseTransitions   *prometheus.CounterVec
	LaunchFailures     *prometheus.CounterVec
	OrphansRecovered   prometheus.Counter
	PersistFailures    *prometheus.CounterVec
}

// New registers collectors on reg. Tests pass prometheus.NewRegistry() so
// repeated construction never collides.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ExecutionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loopd_executions_started_total",
			Help: "Executions spawned",
		}, []string{"kind", "phase"}),
		ExecutionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loopd_executions_finished_total",
			Help: "Executions moved to a terminal status",
		}, []string{"kind", "phase", "status"}),
		ExecutionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loopd_execution_duration_seconds",
			Help:    "Wall time from spawn to exit",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"kind", "phase", "status"}),
		ExecutionsRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "loopd_executions_running",
			Help: "Child processes currently tracked by this orchestrator",
		}),
		PhaseTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loopd_phase_transitions_total",
			Help: "Committed phase state changes",
		}, []string{"from", "to"}),
		LaunchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loopd_launch_failures_total",
			Help: "Launch attempts rejected or failed, by error code",
		}, []string{"code"}),
		OrphansRecovered: f.NewCounter(prometheus.CounterOpts{
			Name: "loopd_orphans_recovered_total",
			Help: "Running executions failed by the startup sweep",
		}),
		PersistFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "loopd_persist_failures_total",
			Help: "Terminal updates that could not be written",
		}, []string{"component"}),
	}
}

// Started records a spawn.
func (m *Metrics) Started(kind, phase string) {
	if m == nil {
		return
	}
	m.ExecutionsStarted.WithLabelValues(kind, phase).Inc()
}

// Spawned records a child process start. It pairs with Exited.
func (m *Metrics) Spawned() {
	if m == nil {
		return
	}
	m.ExecutionsRunning.Inc()
}

// Exited records a child process exit, whether or not its record was updated.
func (m *Metrics) Exited() {
	if m == nil {
		return
	}
	m.ExecutionsRunning.Dec()
}

// Finished records a terminal update.
func (m *Metrics) Finished(kind, phase, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsFinished.WithLabelValues(kind, phase, status).Inc()
	if d > 0 {
		m.ExecutionDuration.WithLabelValues(kind, phase, status).Observe(d.Seconds())
	}
}

// Transition records a phase state change.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.PhaseTransitions.WithLabelValues(from, to).Inc()
}

// LaunchFailed records a rejected or failed launch.
func (m *Metrics) LaunchFailed(code string) {
	if m == nil {
		return
	}
	m.LaunchFailures.WithLabelValues(code).Inc()
}

// Recovered records orphans failed by the sweep.
func (m *Metrics) Recovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OrphansRecovered.Add(float64(n))
}

// PersistFailed records a terminal update that could not be written.
func (m *Metrics) PersistFailed(component string) {
	if m == nil {
		return
	}
	m.PersistFailures.WithLabelValues(component).Inc()
}

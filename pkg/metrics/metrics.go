// Package metrics exposes Prometheus metrics of the with-items engine and
// the action executor.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "daedalus"

// Metrics holds every collector. A nil *Metrics records nothing.
type Metrics struct {
	iterationsDispatched  *prometheus.CounterVec
	iterationsAccumulated *prometheus.CounterVec
	duplicatesAbsorbed    *prometheus.CounterVec
	tasksCompleted        *prometheus.CounterVec
	actionDuration        *prometheus.HistogramVec
	limiterActive         prometheus.Gauge
	breakerState          prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg creates
// unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		iterationsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_dispatched_total",
			Help:      "With-items iterations sent to an executor",
		}, []string{"task"}),
		iterationsAccumulated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_accumulated_total",
			Help:      "Iteration results accumulated into task output",
		}, []string{"task", "outcome"}),
		duplicatesAbsorbed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_results_total",
			Help:      "Redelivered iteration results ignored because they were already accumulated",
		}, []string{"task"}),
		tasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "With-items tasks that reached a terminal state",
		}, []string{"task", "state"}),
		actionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Duration of action executions",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action_class", "outcome"}),
		limiterActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executor_active_actions",
			Help:      "Actions currently running in this executor",
		}),
		breakerState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executor_circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		}),
	}
}

func outcome(isError bool) string {
	if isError {
		return "error"
	}
	return "success"
}

// IterationDispatched counts one dispatched iteration
func (m *Metrics) IterationDispatched(task string) {
	if m == nil {
		return
	}
	m.iterationsDispatched.WithLabelValues(task).Inc()
}

// IterationAccumulated counts one accumulated result
func (m *Metrics) IterationAccumulated(task string, isError bool) {
	if m == nil {
		return
	}
	m.iterationsAccumulated.WithLabelValues(task, outcome(isError)).Inc()
}

// DuplicateAbsorbed counts one ignored redelivered result
func (m *Metrics) DuplicateAbsorbed(task string) {
	if m == nil {
		return
	}
	m.duplicatesAbsorbed.WithLabelValues(task).Inc()
}

// TaskCompleted counts a task reaching state
func (m *Metrics) TaskCompleted(task, state string) {
	if m == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(task, state).Inc()
}

// ObserveAction records the duration of one action execution
func (m *Metrics) ObserveAction(actionClass string, isError bool, d time.Duration) {
	if m == nil {
		return
	}
	m.actionDuration.WithLabelValues(actionClass, outcome(isError)).Observe(d.Seconds())
}

// SetActiveActions reports the executor's running action count
func (m *Metrics) SetActiveActions(n int64) {
	if m == nil {
		return
	}
	m.limiterActive.Set(float64(n))
}

// SetBreakerState reports the executor circuit breaker state
func (m *Metrics) SetBreakerState(state int) {
	if m == nil {
		return
	}
	m.breakerState.Set(float64(state))
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

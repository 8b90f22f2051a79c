// Package metrics exposes the orchestrator's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "orchestra"

// Recorder groups every collector the engine reports to. A nil *Recorder is
// valid and records nothing.
type Recorder struct {
	transitions   *prometheus.CounterVec
	lostRaces     *prometheus.CounterVec
	interrupts    *prometheus.CounterVec
	notifications *prometheus.CounterVec
	tasks         *prometheus.CounterVec
	activeNodes   prometheus.Gauge
	stepDuration  *prometheus.HistogramVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests
// to keep registrations isolated.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed status transitions by entity kind and target status.",
		}, []string{"kind", "to"}),
		lostRaces: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transition_conflicts_total",
			Help:      "Compare-and-set transitions that found the status already changed.",
		}, []string{"kind"}),
		interrupts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Processed interrupts by type and final state.",
		}, []string{"type", "state"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Pipeline events emitted by type and delivery result.",
		}, []string{"event", "result"}),
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Task dispatches and responses by task type and outcome.",
		}, []string{"task_type", "outcome"}),
		activeNodes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_nodes",
			Help:      "Executables currently running on the worker pool.",
		}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of synchronous step invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step_type"}),
	}
}

func (r *Recorder) Transition(kind, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(kind, to).Inc()
}

func (r *Recorder) LostRace(kind string) {
	if r == nil {
		return
	}
	r.lostRaces.WithLabelValues(kind).Inc()
}

func (r *Recorder) Interrupt(typ, state string) {
	if r == nil {
		return
	}
	r.interrupts.WithLabelValues(typ, state).Inc()
}

func (r *Recorder) Notification(event, result string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(event, result).Inc()
}

func (r *Recorder) Task(taskType, outcome string) {
	if r == nil {
		return
	}
	r.tasks.WithLabelValues(taskType, outcome).Inc()
}

// NodeStarted and NodeFinished bracket an executable invocation.
func (r *Recorder) NodeStarted() {
	if r == nil {
		return
	}
	r.activeNodes.Inc()
}

func (r *Recorder) NodeFinished(stepType string, seconds float64) {
	if r == nil {
		return
	}
	r.activeNodes.Dec()
	r.stepDuration.WithLabelValues(stepType).Observe(seconds)
}

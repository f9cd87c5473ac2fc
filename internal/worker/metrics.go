package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskmesh/taskmesh/internal/task"
)

// Metrics exposes the machine's bookkeeping to Prometheus. All updates
// happen on the run-loop goroutine; the collectors do their own locking
// for scrapes.
type Metrics struct {
	tasksByState     *prometheus.GaugeVec
	transitionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the worker collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		tasksByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Subsystem: "worker",
			Name:      "tasks",
			Help:      "Tracked tasks by state.",
		}, []string{"state"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "worker",
			Name:      "transitions_total",
			Help:      "State transitions by start and finish state.",
		}, []string{"start", "finish"}),
	}
	reg.MustRegister(m.tasksByState, m.transitionsTotal)
	return m
}

// observeNewTask accounts for a task entering the table in released.
func (m *Metrics) observeNewTask() {
	m.tasksByState.WithLabelValues(string(task.Released)).Inc()
}

// observeTransition moves one task between state gauges and counts the
// edge. Forgotten tasks leave the gauge entirely.
func (m *Metrics) observeTransition(start, finish task.State) {
	m.transitionsTotal.WithLabelValues(string(start), string(finish)).Inc()
	m.tasksByState.WithLabelValues(string(start)).Dec()
	if finish != task.Forgotten {
		m.tasksByState.WithLabelValues(string(finish)).Inc()
	}
}

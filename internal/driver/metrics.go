package driver

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report driver activity.
type Metrics struct {
	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	decisions    *prometheus.CounterVec
	failures     *prometheus.CounterVec
	tasksActive  prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the collectors registered with the global Prometheus
// registry, created once per process.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the driver collectors with reg. Collectors that
// are already registered are reused; any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "driver",
			Name:      "tasks_total",
			Help:      "Tasks run to completion, by outcome.",
		}, []string{"outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "maestro",
			Subsystem: "driver",
			Name:      "task_duration_seconds",
			Help:      "Wall time of a task from receipt to completion.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "driver",
			Name:      "agent_steps_total",
			Help:      "Agent steps executed, by role and status.",
		}, []string{"role", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "maestro",
			Subsystem: "driver",
			Name:      "agent_step_duration_seconds",
			Help:      "Duration of a single agent step.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"role"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "driver",
			Name:      "arbiter_decisions_total",
			Help:      "Arbiter decisions applied, by kind.",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "maestro",
			Subsystem: "driver",
			Name:      "agent_failures_total",
			Help:      "Agent steps that failed, by role.",
		}, []string{"role"}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "maestro",
			Subsystem: "driver",
			Name:      "tasks_active",
			Help:      "Number of tasks currently being driven.",
		}),
	}

	m.tasks = registerCounterVec(reg, m.tasks)
	m.taskDuration = registerHistogramVec(reg, m.taskDuration)
	m.steps = registerCounterVec(reg, m.steps)
	m.stepDuration = registerHistogramVec(reg, m.stepDuration)
	m.decisions = registerCounterVec(reg, m.decisions)
	m.failures = registerCounterVec(reg, m.failures)
	if err := reg.Register(m.tasksActive); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		m.tasksActive = already.ExistingCollector.(prometheus.Gauge)
	}
	return m
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		return already.ExistingCollector.(*prometheus.CounterVec)
	}
	return c
}

func registerHistogramVec(reg prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(h); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		return already.ExistingCollector.(*prometheus.HistogramVec)
	}
	return h
}

// ObserveTask records a finished task.
func (m *Metrics) ObserveTask(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(outcome).Inc()
	m.taskDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveStep records a completed agent step.
func (m *Metrics) ObserveStep(role, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(role, status).Inc()
	m.stepDuration.WithLabelValues(role).Observe(duration.Seconds())
}

// IncDecision counts an applied arbiter decision.
func (m *Metrics) IncDecision(kind string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(kind).Inc()
}

// IncFailure counts a failed agent step.
func (m *Metrics) IncFailure(role string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(role).Inc()
}

// IncActiveTasks marks a task as active.
func (m *Metrics) IncActiveTasks() {
	if m == nil {
		return
	}
	m.tasksActive.Inc()
}

// DecActiveTasks marks a task as finished.
func (m *Metrics) DecActiveTasks() {
	if m == nil {
		return
	}
	m.tasksActive.Dec()
}

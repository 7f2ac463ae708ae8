package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stagerun/internal/executor"
	"stagerun/internal/state"
)

const namespace = "stagerun"

// Metrics owns a private registry with the scheduler and pool collectors.
// It implements pool.Observer and core.Observer.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runsFinished  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	steps         *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	agents        prometheus.Gauge
	agentsBusy    prometheus.Gauge
	acquireWait   *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_started_total",
			Help:      "Runs that left Pending",
		}, []string{"pipeline"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_active",
			Help:      "Runs currently Running",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_finished_total",
			Help:      "Runs by terminal status",
		}, []string{"pipeline", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "run_duration_seconds",
			Help:      "Wall time from Running to a terminal status",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"pipeline"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "stage_duration_seconds",
			Help:      "Stage wall time by final status",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"pipeline", "status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "steps_total",
			Help:      "Executed step attempts",
		}, []string{"kind", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "step_duration_seconds",
			Help:      "Step attempt wall time",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16),
		}, []string{"kind"}),
		agents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "agents",
			Help:      "Registered agents",
		}),
		agentsBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "agents_busy",
			Help:      "Agents holding at least one lease",
		}),
		acquireWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting for an agent",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsStarted, m.runsActive, m.runsFinished, m.runDuration, m.stageDuration,
		m.steps, m.stepDuration, m.agents, m.agentsBusy, m.acquireWait,
	)
	return m
}

// Registry exposes the registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RunStarted(pipeline string) {
	m.runsStarted.WithLabelValues(pipeline).Inc()
	m.runsActive.Inc()
}

func (m *Metrics) RunFinished(pipeline string, status state.RunStatus, d time.Duration) {
	m.runsActive.Dec()
	m.runsFinished.WithLabelValues(pipeline, string(status)).Inc()
	m.runDuration.WithLabelValues(pipeline).Observe(d.Seconds())
}

func (m *Metrics) StageFinished(pipeline string, status state.StageStatus, d time.Duration) {
	m.stageDuration.WithLabelValues(pipeline, string(status)).Observe(d.Seconds())
}

func (m *Metrics) StepFinished(kind executor.Kind, status state.StepStatus, d time.Duration) {
	m.steps.WithLabelValues(string(kind), string(status)).Inc()
	m.stepDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Metrics) AgentsChanged(registered, busy int) {
	m.agents.Set(float64(registered))
	m.agentsBusy.Set(float64(busy))
}

func (m *Metrics) AcquireWaited(d time.Duration, ok bool) {
	result := "acquired"
	if !ok {
		result = "failed"
	}
	m.acquireWait.WithLabelValues(result).Observe(d.Seconds())
}

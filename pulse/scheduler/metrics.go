package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teranos/tempo/pulse/job"
)

// Metrics exports scheduler activity to Prometheus. A nil *Metrics records nothing.
type Metrics struct {
	acquired       prometheus.Counter
	fired          prometheus.Counter
	blocked        prometheus.Counter
	misfired       prometheus.Counter
	completed      *prometheus.CounterVec
	execDuration   *prometheus.HistogramVec
	recovered      prometheus.Counter
	loopErrors     *prometheus.CounterVec
	workersActive  prometheus.Gauge
	acquireLatency prometheus.Histogram
}

// NewMetrics creates and registers the scheduler metrics on reg
// (prometheus.DefaultRegisterer when nil)
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		acquired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_acquired_total",
			Help:      "Triggers reserved by the firing loop",
		}),
		fired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_fired_total",
			Help:      "Triggers handed to the execution pool",
		}),
		blocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_blocked_total",
			Help:      "Acquired triggers that could not fire because their job was already executing",
		}),
		misfired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_misfired_total",
			Help:      "Triggers whose misfire policy was applied",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished executions by outcome",
		}, []string{"outcome"}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Duration of job executions",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		}, []string{"outcome"}),
		recovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firing_records_recovered_total",
			Help:      "Firing records returned to service after an instance failure or restart",
		}),
		loopErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_errors_total",
			Help:      "Errors seen by the scheduler's background loops",
		}, []string{"kind"}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Workers currently executing jobs",
		}),
		acquireLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "acquire_duration_seconds",
			Help:      "Time spent in the locked acquire step",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.acquired,
		m.fired,
		m.blocked,
		m.misfired,
		m.completed,
		m.execDuration,
		m.recovered,
		m.loopErrors,
		m.workersActive,
		m.acquireLatency,
	)
	return m
}

func (m *Metrics) recordAcquired(n int, took time.Duration) {
	if m == nil {
		return
	}
	m.acquired.Add(float64(n))
	m.acquireLatency.Observe(took.Seconds())
}

func (m *Metrics) recordFired(fired, blocked int) {
	if m == nil {
		return
	}
	m.fired.Add(float64(fired))
	m.blocked.Add(float64(blocked))
}

func (m *Metrics) recordMisfire() {
	if m == nil {
		return
	}
	m.misfired.Inc()
}

func (m *Metrics) recordExecution(outcome job.Outcome, took time.Duration) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(string(outcome)).Inc()
	m.execDuration.WithLabelValues(string(outcome)).Observe(took.Seconds())
}

func (m *Metrics) recordRecovered(n int) {
	if m == nil || n == 0 {
		return
	}
	m.recovered.Add(float64(n))
}

func (m *Metrics) recordLoopError(kind string) {
	if m == nil {
		return
	}
	m.loopErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) setWorkersActive(n int) {
	if m == nil {
		return
	}
	m.workersActive.Set(float64(n))
}

package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the convergence pipeline.
type Metrics struct {
	config MetricsConfig

	// Convergence metrics
	convergesStarted   *prometheus.CounterVec
	convergesCompleted *prometheus.CounterVec
	convergeDuration   *prometheus.HistogramVec

	// Stage metrics
	stageTransitions *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec

	// Driver metrics
	driverCalls  *prometheus.CounterVec
	driverErrors *prometheus.CounterVec

	// Feature pipeline metrics
	featureSteps    *prometheus.CounterVec
	featureDuration *prometheus.HistogramVec

	// Health gate metrics
	probeAttempts *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// When metrics are disabled every method is a no-op.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		convergesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "converges_started_total",
				Help:      "Total number of resource convergences started",
			},
			[]string{"kind"},
		),
		convergesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "converges_completed_total",
				Help:      "Total number of resource convergences completed",
			},
			[]string{"kind", "status"},
		),
		convergeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "converge_duration_seconds",
				Help:      "Duration of full resource convergence in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"kind", "status"},
		),
		stageTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_transitions_total",
				Help:      "Total number of lifecycle stage transitions",
			},
			[]string{"kind", "stage", "fast_path"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of each lifecycle stage in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"kind", "stage"},
		),
		driverCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_calls_total",
				Help:      "Total number of resource driver operations",
			},
			[]string{"kind", "operation"},
		),
		driverErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_errors_total",
				Help:      "Total number of failed resource driver operations",
			},
			[]string{"kind", "operation"},
		),
		featureSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feature_steps_total",
				Help:      "Total number of feature pipeline steps executed",
			},
			[]string{"feature", "status"},
		),
		featureDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "feature_step_duration_seconds",
				Help:      "Duration of feature pipeline steps in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"feature"},
		),
		probeAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_attempts_total",
				Help:      "Total number of health gate probe attempts",
			},
			[]string{"kind", "result"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of convergence errors by class",
			},
			[]string{"class"},
		),
	}

	collectors := []prometheus.Collector{
		m.convergesStarted, m.convergesCompleted, m.convergeDuration,
		m.stageTransitions, m.stageDuration,
		m.driverCalls, m.driverErrors,
		m.featureSteps, m.featureDuration,
		m.probeAttempts, m.errorsByClass,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// Handler returns an HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ConvergeStarted records the start of a resource convergence.
func (m *Metrics) ConvergeStarted(kind string) {
	if m.registry == nil {
		return
	}
	m.convergesStarted.WithLabelValues(kind).Inc()
}

// ConvergeCompleted records the completion of a resource convergence.
func (m *Metrics) ConvergeCompleted(kind, status string, d time.Duration) {
	if m.registry == nil {
		return
	}
	m.convergesCompleted.WithLabelValues(kind, status).Inc()
	m.convergeDuration.WithLabelValues(kind, status).Observe(d.Seconds())
}

// StageTransition records a lifecycle stage transition. fastPath is true when
// the stage postcondition was already satisfied on inspection.
func (m *Metrics) StageTransition(kind, stage string, fastPath bool, d time.Duration) {
	if m.registry == nil {
		return
	}
	fp := "false"
	if fastPath {
		fp = "true"
	}
	m.stageTransitions.WithLabelValues(kind, stage, fp).Inc()
	m.stageDuration.WithLabelValues(kind, stage).Observe(d.Seconds())
}

// DriverCall records a resource driver operation.
func (m *Metrics) DriverCall(kind, operation string, err error) {
	if m.registry == nil {
		return
	}
	m.driverCalls.WithLabelValues(kind, operation).Inc()
	if err != nil {
		m.driverErrors.WithLabelValues(kind, operation).Inc()
	}
}

// FeatureStep records a feature pipeline step.
func (m *Metrics) FeatureStep(feature, status string, d time.Duration) {
	if m.registry == nil {
		return
	}
	m.featureSteps.WithLabelValues(feature, status).Inc()
	m.featureDuration.WithLabelValues(feature).Observe(d.Seconds())
}

// ProbeAttempt records a health gate probe attempt.
func (m *Metrics) ProbeAttempt(kind string, ok bool) {
	if m.registry == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.probeAttempts.WithLabelValues(kind, result).Inc()
}

// ErrorByClass records a classified convergence error.
func (m *Metrics) ErrorByClass(class string) {
	if m.registry == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

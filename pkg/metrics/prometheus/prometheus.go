package prometheus

import (
	"time"

	"ledger-saga/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements MetricsCollector for Prometheus.
type PrometheusCollector struct {
	namespace string

	// Store
	storeCalls   *prometheus.CounterVec
	storeErrors  *prometheus.CounterVec
	storeRetries *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec

	// Circuit breaker
	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	// Protocol
	steps               *prometheus.CounterVec
	stepLatency         *prometheus.HistogramVec
	transitions         *prometheus.CounterVec
	integrityViolations *prometheus.CounterVec

	// Recovery
	sweeps          prometheus.Counter
	sweepFound      prometheus.Counter
	sweepResumed    prometheus.Counter
	sweepFailed     prometheus.Counter
	sweepLatency    prometheus.Histogram
	queueDepth      prometheus.Gauge
	recoveryDropped prometheus.Counter
}

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	latencyBuckets := prometheus.ExponentialBuckets(0.0001, 2, 15) // 0.1ms to ~3s

	return &PrometheusCollector{
		namespace: namespace,
		storeCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_calls_total",
				Help:      "Total number of record store calls per store and operation",
			},
			[]string{"store", "operation"},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Total number of failed record store calls per store and operation",
			},
			[]string{"store", "operation"},
		),
		storeRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_retries_total",
				Help:      "Total number of retried record store calls",
			},
			[]string{"store", "operation"},
		),
		storeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_call_duration_seconds",
				Help:      "Record store call latency",
				Buckets:   latencyBuckets,
			},
			[]string{"store", "operation"},
		),
		circuitOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_opens_total",
				Help:      "Total number of circuit breaker opens per store",
			},
			[]string{"store"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state per store (0=closed, 1=open, 2=half-open)",
			},
			[]string{"store"},
		),
		steps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Guarded protocol steps by step name and outcome",
			},
			[]string{"step", "outcome"},
		),
		stepLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Protocol step latency",
				Buckets:   latencyBuckets,
			},
			[]string{"step"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Transaction state transitions performed",
			},
			[]string{"from", "to"},
		),
		integrityViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "integrity_violations_total",
				Help:      "Integrity violations detected per component",
			},
			[]string{"component"},
		),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_sweeps_total",
			Help:      "Total number of recovery sweeps",
		}),
		sweepFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_found_total",
			Help:      "Stale transactions found by recovery sweeps",
		}),
		sweepResumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_resumed_total",
			Help:      "Stale transactions driven to a terminal state by recovery",
		}),
		sweepFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_failed_total",
			Help:      "Stale transactions recovery could not finish",
		}),
		sweepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recovery_sweep_duration_seconds",
			Help:      "Recovery sweep latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_queue_depth",
			Help:      "Current recovery work queue depth",
		}),
		recoveryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_dropped_total",
			Help:      "Recovery work items dropped because the queue was full",
		}),
	}
}

// Describe implements prometheus.Collector.
func (pc *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range pc.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (pc *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	for _, c := range pc.collectors() {
		c.Collect(ch)
	}
}

// Register registers all metrics with the given Prometheus registry.
func (pc *PrometheusCollector) Register(registry *prometheus.Registry) error {
	for _, collector := range pc.collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

func (pc *PrometheusCollector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		pc.storeCalls,
		pc.storeErrors,
		pc.storeRetries,
		pc.storeLatency,
		pc.circuitOpens,
		pc.circuitState,
		pc.steps,
		pc.stepLatency,
		pc.transitions,
		pc.integrityViolations,
		pc.sweeps,
		pc.sweepFound,
		pc.sweepResumed,
		pc.sweepFailed,
		pc.sweepLatency,
		pc.queueDepth,
		pc.recoveryDropped,
	}
}

// RecordStoreCall records a record store call.
func (pc *PrometheusCollector) RecordStoreCall(store string, operation string, success bool, duration time.Duration) {
	pc.storeCalls.WithLabelValues(store, operation).Inc()
	if !success {
		pc.storeErrors.WithLabelValues(store, operation).Inc()
	}
	pc.storeLatency.WithLabelValues(store, operation).Observe(duration.Seconds())
}

// RecordStoreRetry records a retried store call.
func (pc *PrometheusCollector) RecordStoreRetry(store string, operation string) {
	pc.storeRetries.WithLabelValues(store, operation).Inc()
}

// RecordCircuitState records the current circuit breaker state.
func (pc *PrometheusCollector) RecordCircuitState(store string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(store).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(store).Inc()
	}
}

// RecordStep records a guarded protocol step.
func (pc *PrometheusCollector) RecordStep(step string, outcome metrics.StepOutcome, duration time.Duration) {
	pc.steps.WithLabelValues(step, outcome.String()).Inc()
	pc.stepLatency.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordTransition records a state transition.
func (pc *PrometheusCollector) RecordTransition(from string, to string) {
	pc.transitions.WithLabelValues(from, to).Inc()
}

// RecordIntegrityViolation records a detected integrity violation.
func (pc *PrometheusCollector) RecordIntegrityViolation(component string) {
	pc.integrityViolations.WithLabelValues(component).Inc()
}

// RecordSweep records one recovery sweep.
func (pc *PrometheusCollector) RecordSweep(found int, resumed int, failed int, duration time.Duration) {
	pc.sweeps.Inc()
	pc.sweepFound.Add(float64(found))
	pc.sweepResumed.Add(float64(resumed))
	pc.sweepFailed.Add(float64(failed))
	pc.sweepLatency.Observe(duration.Seconds())
}

// RecordQueueDepth records the current recovery queue depth.
func (pc *PrometheusCollector) RecordQueueDepth(depth int) {
	pc.queueDepth.Set(float64(depth))
}

// RecordRecoveryDropped records a dropped recovery work item.
func (pc *PrometheusCollector) RecordRecoveryDropped() {
	pc.recoveryDropped.Inc()
}

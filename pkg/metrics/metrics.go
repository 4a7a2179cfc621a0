package metrics

import (
	"time"
)

// MetricsCollector defines the interface for collecting protocol metrics.
// Implementations can export metrics to various backends (Prometheus, in-memory, etc.).
type MetricsCollector interface {
	// Store calls
	RecordStoreCall(store string, operation string, success bool, duration time.Duration)
	RecordStoreRetry(store string, operation string)

	// Circuit breaker
	RecordCircuitState(store string, state CircuitState)

	// Protocol steps
	RecordStep(step string, outcome StepOutcome, duration time.Duration)
	RecordTransition(from string, to string)
	RecordIntegrityViolation(component string)

	// Recovery
	RecordSweep(found int, resumed int, failed int, duration time.Duration)
	RecordQueueDepth(depth int)
	RecordRecoveryDropped()
}

// StepOutcome describes what a single guarded step did.
type StepOutcome int

const (
	// StepExecuted means the guard matched and the record was updated.
	StepExecuted StepOutcome = iota
	// StepSkipped means the guard did not match; someone else already did it.
	StepSkipped
	// StepFailed means the store call failed.
	StepFailed
)

// String returns the label value for the outcome.
func (o StepOutcome) String() string {
	switch o {
	case StepExecuted:
		return "executed"
	case StepSkipped:
		return "skipped"
	case StepFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the service has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector is a no-op implementation of MetricsCollector.
// It's used as the default collector when metrics are not needed.
type NoOpCollector struct{}

// RecordStoreCall does nothing.
func (NoOpCollector) RecordStoreCall(store string, operation string, success bool, duration time.Duration) {
}

// RecordStoreRetry does nothing.
func (NoOpCollector) RecordStoreRetry(store string, operation string) {}

// RecordCircuitState does nothing.
func (NoOpCollector) RecordCircuitState(store string, state CircuitState) {}

// RecordStep does nothing.
func (NoOpCollector) RecordStep(step string, outcome StepOutcome, duration time.Duration) {}

// RecordTransition does nothing.
func (NoOpCollector) RecordTransition(from string, to string) {}

// RecordIntegrityViolation does nothing.
func (NoOpCollector) RecordIntegrityViolation(component string) {}

// RecordSweep does nothing.
func (NoOpCollector) RecordSweep(found int, resumed int, failed int, duration time.Duration) {}

// RecordQueueDepth does nothing.
func (NoOpCollector) RecordQueueDepth(depth int) {}

// RecordRecoveryDropped does nothing.
func (NoOpCollector) RecordRecoveryDropped() {}

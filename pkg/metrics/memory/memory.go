package memory

import (
	"sync"
	"time"

	"ledger-saga/pkg/metrics"
)

// MemoryCollector implements MetricsCollector for in-memory testing.
type MemoryCollector struct {
	mu sync.RWMutex

	// Per-store metrics
	storeMetrics map[string]*StoreMetrics

	// Protocol metrics keyed by step name
	steps map[string]*StepMetrics

	// Transitions keyed by "from->to"
	transitions map[string]int64

	integrityViolations map[string]int64

	recovery RecoveryMetrics
}

// StoreMetrics holds metrics for a single record store.
type StoreMetrics struct {
	Calls   int64
	Errors  int64
	Retries int64

	// Calls by operation name
	CallsByOperation map[string]int64

	CircuitState metrics.CircuitState
	CircuitOpens int64

	Latencies []time.Duration
}

// StepMetrics holds outcome counts for one protocol step.
type StepMetrics struct {
	Executed int64
	Skipped  int64
	Failed   int64
}

// RecoveryMetrics holds recovery scanner counters.
type RecoveryMetrics struct {
	Sweeps     int64
	Found      int64
	Resumed    int64
	Failed     int64
	QueueDepth int
	Dropped    int64
}

// NewMemoryCollector creates a new in-memory metrics collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		storeMetrics:        make(map[string]*StoreMetrics),
		steps:               make(map[string]*StepMetrics),
		transitions:         make(map[string]int64),
		integrityViolations: make(map[string]int64),
	}
}

// getOrCreateStore returns the StoreMetrics for store. Caller holds mu.
func (mc *MemoryCollector) getOrCreateStore(store string) *StoreMetrics {
	if _, exists := mc.storeMetrics[store]; !exists {
		mc.storeMetrics[store] = &StoreMetrics{
			CallsByOperation: make(map[string]int64),
		}
	}
	return mc.storeMetrics[store]
}

// RecordStoreCall records a record store call.
func (mc *MemoryCollector) RecordStoreCall(store string, operation string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	sm := mc.getOrCreateStore(store)
	sm.Calls++
	sm.CallsByOperation[operation]++
	if !success {
		sm.Errors++
	}
	sm.Latencies = append(sm.Latencies, duration)
}

// RecordStoreRetry records a retried store call.
func (mc *MemoryCollector) RecordStoreRetry(store string, operation string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.getOrCreateStore(store).Retries++
}

// RecordCircuitState records the current circuit breaker state.
func (mc *MemoryCollector) RecordCircuitState(store string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	sm := mc.getOrCreateStore(store)
	oldState := sm.CircuitState
	sm.CircuitState = state

	// Count transitions to open
	if oldState != metrics.CircuitOpen && state == metrics.CircuitOpen {
		sm.CircuitOpens++
	}
}

// RecordStep records a guarded protocol step.
func (mc *MemoryCollector) RecordStep(step string, outcome metrics.StepOutcome, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	sm, ok := mc.steps[step]
	if !ok {
		sm = &StepMetrics{}
		mc.steps[step] = sm
	}
	switch outcome {
	case metrics.StepExecuted:
		sm.Executed++
	case metrics.StepSkipped:
		sm.Skipped++
	case metrics.StepFailed:
		sm.Failed++
	}
}

// RecordTransition records a state transition.
func (mc *MemoryCollector) RecordTransition(from string, to string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.transitions[from+"->"+to]++
}

// RecordIntegrityViolation records a detected integrity violation.
func (mc *MemoryCollector) RecordIntegrityViolation(component string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.integrityViolations[component]++
}

// RecordSweep records one recovery sweep.
func (mc *MemoryCollector) RecordSweep(found int, resumed int, failed int, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.recovery.Sweeps++
	mc.recovery.Found += int64(found)
	mc.recovery.Resumed += int64(resumed)
	mc.recovery.Failed += int64(failed)
}

// RecordQueueDepth records the current recovery queue depth.
func (mc *MemoryCollector) RecordQueueDepth(depth int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.recovery.QueueDepth = depth
}

// RecordRecoveryDropped records a dropped recovery work item.
func (mc *MemoryCollector) RecordRecoveryDropped() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.recovery.Dropped++
}

// Snapshot is a point-in-time copy of the collected metrics.
type Snapshot struct {
	StoreMetrics        map[string]StoreMetrics
	Steps               map[string]StepMetrics
	Transitions         map[string]int64
	IntegrityViolations map[string]int64
	Recovery            RecoveryMetrics
}

// Snapshot returns a copy of the current metrics state.
func (mc *MemoryCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	snapshot := Snapshot{
		StoreMetrics:        make(map[string]StoreMetrics, len(mc.storeMetrics)),
		Steps:               make(map[string]StepMetrics, len(mc.steps)),
		Transitions:         make(map[string]int64, len(mc.transitions)),
		IntegrityViolations: make(map[string]int64, len(mc.integrityViolations)),
		Recovery:            mc.recovery,
	}

	for name, sm := range mc.storeMetrics {
		c := *sm
		c.CallsByOperation = make(map[string]int64, len(sm.CallsByOperation))
		for op, n := range sm.CallsByOperation {
			c.CallsByOperation[op] = n
		}
		c.Latencies = append([]time.Duration(nil), sm.Latencies...)
		snapshot.StoreMetrics[name] = c
	}
	for name, sm := range mc.steps {
		snapshot.Steps[name] = *sm
	}
	for k, v := range mc.transitions {
		snapshot.Transitions[k] = v
	}
	for k, v := range mc.integrityViolations {
		snapshot.IntegrityViolations[k] = v
	}

	return snapshot
}

// Reset clears all collected metrics.
func (mc *MemoryCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.storeMetrics = make(map[string]*StoreMetrics)
	mc.steps = make(map[string]*StepMetrics)
	mc.transitions = make(map[string]int64)
	mc.integrityViolations = make(map[string]int64)
	mc.recovery = RecoveryMetrics{}
}

// GetStepMetrics returns the metrics for a specific step.
func (mc *MemoryCollector) GetStepMetrics(step string) *StepMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	if sm, exists := mc.steps[step]; exists {
		copy := *sm
		return &copy
	}
	return nil
}

// Transitions returns how often from->to was recorded.
func (mc *MemoryCollector) Transitions(from string, to string) int64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return mc.transitions[from+"->"+to]
}

var _ metrics.MetricsCollector = (*MemoryCollector)(nil)

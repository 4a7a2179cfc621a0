package memory

import (
	"testing"
	"time"

	"ledger-saga/pkg/metrics"
)

func TestMemoryCollector_StoreCalls(t *testing.T) {
	mc := NewMemoryCollector()

	mc.RecordStoreCall("mongo", "update_account", true, time.Millisecond)
	mc.RecordStoreCall("mongo", "update_account", false, 2*time.Millisecond)
	mc.RecordStoreCall("mongo", "get_transaction", true, time.Millisecond)
	mc.RecordStoreRetry("mongo", "update_account")

	snap := mc.Snapshot()
	sm := snap.StoreMetrics["mongo"]
	if sm.Calls != 3 {
		t.Errorf("Expected 3 calls, got %d", sm.Calls)
	}
	if sm.Errors != 1 {
		t.Errorf("Expected 1 error, got %d", sm.Errors)
	}
	if sm.Retries != 1 {
		t.Errorf("Expected 1 retry, got %d", sm.Retries)
	}
	if sm.CallsByOperation["update_account"] != 2 {
		t.Errorf("Expected 2 update_account calls, got %d", sm.CallsByOperation["update_account"])
	}
}

func TestMemoryCollector_CircuitOpens(t *testing.T) {
	mc := NewMemoryCollector()

	mc.RecordCircuitState("pg", metrics.CircuitOpen)
	mc.RecordCircuitState("pg", metrics.CircuitOpen)
	mc.RecordCircuitState("pg", metrics.CircuitHalfOpen)
	mc.RecordCircuitState("pg", metrics.CircuitOpen)

	sm := mc.Snapshot().StoreMetrics["pg"]
	if sm.CircuitOpens != 2 {
		t.Errorf("Expected 2 opens, got %d", sm.CircuitOpens)
	}
	if sm.CircuitState != metrics.CircuitOpen {
		t.Errorf("Expected open state, got %v", sm.CircuitState)
	}
}

func TestMemoryCollector_StepsAndTransitions(t *testing.T) {
	mc := NewMemoryCollector()

	mc.RecordStep("apply", metrics.StepExecuted, time.Millisecond)
	mc.RecordStep("apply", metrics.StepSkipped, time.Millisecond)
	mc.RecordStep("apply", metrics.StepSkipped, time.Millisecond)
	mc.RecordTransition("initial", "pending")
	mc.RecordIntegrityViolation("coordinator")

	step := mc.GetStepMetrics("apply")
	if step == nil || step.Executed != 1 || step.Skipped != 2 {
		t.Errorf("Unexpected step metrics: %+v", step)
	}
	if mc.GetStepMetrics("missing") != nil {
		t.Error("Expected nil for unknown step")
	}
	if mc.Transitions("initial", "pending") != 1 {
		t.Errorf("Expected 1 transition, got %d", mc.Transitions("initial", "pending"))
	}
	if mc.Snapshot().IntegrityViolations["coordinator"] != 1 {
		t.Error("Expected 1 integrity violation")
	}
}

func TestMemoryCollector_Reset(t *testing.T) {
	mc := NewMemoryCollector()
	mc.RecordSweep(3, 2, 1, time.Second)
	mc.RecordRecoveryDropped()

	rec := mc.Snapshot().Recovery
	if rec.Sweeps != 1 || rec.Found != 3 || rec.Resumed != 2 || rec.Failed != 1 || rec.Dropped != 1 {
		t.Errorf("Unexpected recovery metrics: %+v", rec)
	}

	mc.Reset()
	if mc.Snapshot().Recovery.Sweeps != 0 {
		t.Error("Expected metrics cleared after Reset")
	}
}

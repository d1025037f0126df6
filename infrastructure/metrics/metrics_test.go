package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("sentryd-test", reg)

	if m == nil {
		t.Fatal("Expected metrics instance, got nil")
	}

	if m.ProbeRunsTotal == nil {
		t.Error("ProbeRunsTotal should not be nil")
	}
	if m.ProbeRunDuration == nil {
		t.Error("ProbeRunDuration should not be nil")
	}
	if m.AlertsEmittedTotal == nil {
		t.Error("AlertsEmittedTotal should not be nil")
	}
}

func TestRecordProbeRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("sentryd-test", reg)

	m.RecordProbeRun("evm-gas", "success", 100*time.Millisecond)
	m.RecordProbeRun("evm-gas", "error", 200*time.Millisecond)
}

func TestRecordWatchdogFire(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("sentryd-test", reg)

	m.RecordWatchdogFire("evm-gas")
}

func TestRecordRuleEvaluation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("sentryd-test", reg)

	m.RecordRuleEvaluation("evm-gas", "gas-spike", false)
	m.RecordRuleEvaluation("evm-gas", "gas-spike", true)
}

func TestRecordAlertEmittedAndSuppressed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("sentryd-test", reg)

	m.RecordAlertEmitted("evm-gas", "gas-spike", "warning")
	m.RecordAlertSuppressed("dedup")
	m.RecordAlertSuppressed("cooldown")
	m.RecordAlertSuppressed("mute")
}

func TestRecordChannelSend(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("sentryd-test", reg)

	m.RecordChannelSend("webhook", "ok")
	m.RecordChannelSend("webhook", "error")
}

func TestCircuitBreakerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("sentryd-test", reg)

	m.SetCircuitBreakerState("rpc.example.com", 0)
	m.SetCircuitBreakerState("rpc.example.com", 2)
	m.RecordCircuitTrip("rpc.example.com")
}

func TestRateLimiterWaitMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("sentryd-test", reg)

	m.RecordRateLimiterWait("rpc.example.com")
}

func TestRecordStateStoreOp(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("sentryd-test", reg)

	m.RecordStateStoreOp("save_probe_state", "ok", 10*time.Millisecond)
	m.RecordStateStoreOp("save_probe_state", "error", 5*time.Millisecond)
}

func TestUpdateUptime(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("sentryd-test", reg)
	startTime := time.Now().Add(-1 * time.Hour)

	m.UpdateUptime(startTime)
}

func TestInFlightCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("sentryd-test", reg)

	m.IncrementInFlight()
	m.IncrementInFlight()
	m.DecrementInFlight()
	m.DecrementInFlight()
}

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry("sentryd-test", reg)

	if m == nil {
		t.Fatal("Expected metrics instance, got nil")
	}

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	if len(metricFamilies) == 0 {
		t.Error("Expected metrics to be registered")
	}
}

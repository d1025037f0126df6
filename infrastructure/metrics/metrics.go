// Package metrics provides Prometheus metrics collection for the
// monitoring engine: probe run outcomes, alert pipeline stages, circuit
// breaker state, and rate limiter pressure.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/r3e-network/sentryd/infrastructure/runtime"
)

// Metrics holds all Prometheus collectors exported by the engine.
type Metrics struct {
	// Scheduler / probe run metrics.
	ProbeRunsTotal    *prometheus.CounterVec
	ProbeRunDuration  *prometheus.HistogramVec
	ProbeRunsInFlight prometheus.Gauge
	WatchdogFires     *prometheus.CounterVec

	// Rule / alert pipeline metrics.
	RulesEvaluatedTotal *prometheus.CounterVec
	RuleErrorsTotal     *prometheus.CounterVec
	AlertsEmittedTotal  *prometheus.CounterVec
	AlertsSuppressed    *prometheus.CounterVec
	ChannelSendsTotal   *prometheus.CounterVec

	// Resilience metrics.
	CircuitBreakerState *prometheus.GaugeVec
	CircuitTripsTotal   *prometheus.CounterVec
	RateLimiterWaits    *prometheus.CounterVec

	// Persistence metrics.
	StateStoreOpsTotal    *prometheus.CounterVec
	StateStoreOpsDuration *prometheus.HistogramVec

	// Process/service health.
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
	CPUPercent    prometheus.Gauge
	MemUsedBytes  prometheus.Gauge
}

// New creates a new Metrics instance registered against the default
// Prometheus registry.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance registered against a
// caller-supplied registry (tests use a throwaway prometheus.NewRegistry()
// to avoid collisions with the global default).
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProbeRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentryd_probe_runs_total",
				Help: "Total number of probe runs, by probe and outcome",
			},
			[]string{"probe_id", "status"},
		),
		ProbeRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentryd_probe_run_duration_seconds",
				Help:    "Probe run duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30},
			},
			[]string{"probe_id"},
		),
		ProbeRunsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentryd_probe_runs_in_flight",
				Help: "Current number of probe runs in flight",
			},
		),
		WatchdogFires: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentryd_watchdog_fires_total",
				Help: "Total number of single-flight locks force-released by the watchdog",
			},
			[]string{"probe_id"},
		),
		RulesEvaluatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentryd_rules_evaluated_total",
				Help: "Total number of rule evaluations",
			},
			[]string{"probe_id", "rule_id"},
		),
		RuleErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentryd_rule_errors_total",
				Help: "Total number of rule evaluations that errored",
			},
			[]string{"probe_id", "rule_id"},
		),
		AlertsEmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentryd_alerts_emitted_total",
				Help: "Total number of alerts sent after passing mute, dedup and cooldown",
			},
			[]string{"probe_id", "rule_id", "severity"},
		),
		AlertsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentryd_alerts_suppressed_total",
				Help: "Total number of alerts suppressed by the pipeline, by stage",
			},
			[]string{"stage"},
		),
		ChannelSendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentryd_channel_sends_total",
				Help: "Total number of channel send attempts, by channel and outcome",
			},
			[]string{"channel", "status"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentryd_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"upstream"},
		),
		CircuitTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentryd_circuit_trips_total",
				Help: "Total number of circuit breaker trips (closed/half_open -> open)",
			},
			[]string{"upstream"},
		),
		RateLimiterWaits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentryd_rate_limiter_waits_total",
				Help: "Total number of calls that had to wait for a rate limiter slot",
			},
			[]string{"upstream"},
		),
		StateStoreOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sentryd_state_store_ops_total",
				Help: "Total number of state store operations, by operation and outcome",
			},
			[]string{"operation", "status"},
		),
		StateStoreOpsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sentryd_state_store_op_duration_seconds",
				Help:    "State store operation duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentryd_uptime_seconds",
				Help: "Engine uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sentryd_info",
				Help: "Engine build/environment information",
			},
			[]string{"service", "version", "environment"},
		),
		CPUPercent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentryd_process_cpu_percent",
				Help: "Host-wide CPU utilization percent, sampled via gopsutil",
			},
		),
		MemUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sentryd_process_mem_used_bytes",
				Help: "Host-wide memory in use in bytes, sampled via gopsutil",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.ProbeRunsTotal,
			m.ProbeRunDuration,
			m.ProbeRunsInFlight,
			m.WatchdogFires,
			m.RulesEvaluatedTotal,
			m.RuleErrorsTotal,
			m.AlertsEmittedTotal,
			m.AlertsSuppressed,
			m.ChannelSendsTotal,
			m.CircuitBreakerState,
			m.CircuitTripsTotal,
			m.RateLimiterWaits,
			m.StateStoreOpsTotal,
			m.StateStoreOpsDuration,
			m.ServiceUptime,
			m.ServiceInfo,
			m.CPUPercent,
			m.MemUsedBytes,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordProbeRun records the outcome of one scheduler tick for a probe.
func (m *Metrics) RecordProbeRun(probeID, status string, duration time.Duration) {
	m.ProbeRunsTotal.WithLabelValues(probeID, status).Inc()
	m.ProbeRunDuration.WithLabelValues(probeID).Observe(duration.Seconds())
}

// RecordWatchdogFire records a single-flight lock force-release.
func (m *Metrics) RecordWatchdogFire(probeID string) {
	m.WatchdogFires.WithLabelValues(probeID).Inc()
}

// RecordRuleEvaluation records one rule evaluation, and whether it errored.
func (m *Metrics) RecordRuleEvaluation(probeID, ruleID string, errored bool) {
	m.RulesEvaluatedTotal.WithLabelValues(probeID, ruleID).Inc()
	if errored {
		m.RuleErrorsTotal.WithLabelValues(probeID, ruleID).Inc()
	}
}

// RecordAlertEmitted records an alert that passed the pipeline's mute,
// dedup and cooldown stages and was sent to the channels.
func (m *Metrics) RecordAlertEmitted(probeID, ruleID, severity string) {
	m.AlertsEmittedTotal.WithLabelValues(probeID, ruleID, severity).Inc()
}

// RecordAlertSuppressed records a pipeline-stage suppression ("mute",
// "dedup", or "cooldown").
func (m *Metrics) RecordAlertSuppressed(stage string) {
	m.AlertsSuppressed.WithLabelValues(stage).Inc()
}

// RecordChannelSend records a channel fan-out attempt's outcome ("ok" or
// "error").
func (m *Metrics) RecordChannelSend(channel, status string) {
	m.ChannelSendsTotal.WithLabelValues(channel, status).Inc()
}

// SetCircuitBreakerState publishes the current numeric breaker state for
// an upstream key (0=closed, 1=half_open, 2=open).
func (m *Metrics) SetCircuitBreakerState(upstream string, state int) {
	m.CircuitBreakerState.WithLabelValues(upstream).Set(float64(state))
}

// RecordCircuitTrip records a closed/half_open -> open transition.
func (m *Metrics) RecordCircuitTrip(upstream string) {
	m.CircuitTripsTotal.WithLabelValues(upstream).Inc()
}

// RecordRateLimiterWait records that a caller had to wait for a rate
// limiter slot to free up.
func (m *Metrics) RecordRateLimiterWait(upstream string) {
	m.RateLimiterWaits.WithLabelValues(upstream).Inc()
}

// RecordStateStoreOp records a state store operation's outcome and
// duration.
func (m *Metrics) RecordStateStoreOp(operation, status string, duration time.Duration) {
	m.StateStoreOpsTotal.WithLabelValues(operation, status).Inc()
	m.StateStoreOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// UpdateUptime updates the engine uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight / DecrementInFlight track concurrently-running probes.
func (m *Metrics) IncrementInFlight() { m.ProbeRunsInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.ProbeRunsInFlight.Dec() }

// SampleSystemStats refreshes the CPU/memory gauges from gopsutil. Best
// effort: a sampling failure leaves the previous value in place.
func (m *Metrics) SampleSystemStats() {
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.CPUPercent.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		m.MemUsedBytes.Set(float64(vm.Used))
	}
}

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance.
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("sentryd")
	}
	return globalMetrics
}

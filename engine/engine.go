package engine

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	errs "github.com/r3e-network/sentryd/infrastructure/errors"
	"github.com/r3e-network/sentryd/infrastructure/logging"
	"github.com/r3e-network/sentryd/infrastructure/state"
)

// SystemStats is a read-only diagnostics snapshot (SPEC_FULL §6): a
// supplemental view an admin surface would want next to circuit breaker
// health, giving gopsutil a real, exercised home.
type SystemStats struct {
	CPUPercent float64
	MemUsed    uint64
	MemTotal   uint64
	Goroutines int
}

// Engine composes the PlatformRegistry, Scheduler and AlertPipeline and
// exposes the read-only views and control operations the external admin
// surface consumes (spec §4.9).
type Engine struct {
	registry  *PlatformRegistry
	scheduler *Scheduler
	pipeline  *AlertPipeline
	store     state.Store
	config    Config
}

// New builds an Engine from cfg. It does not start the scheduler; call
// Start to initialize platforms, build probes, and begin ticking.
func New(cfg Config, store state.Store, channels *ChannelSet, dedupTTL time.Duration) *Engine {
	registry := NewPlatformRegistry()
	pipeline := NewAlertPipeline(store, channels, dedupTTL)
	return &Engine{
		registry: registry,
		pipeline: pipeline,
		store:    store,
		config:   cfg,
	}
}

// RegisterPlatform adds a platform to the engine's registry. Must be
// called before Start.
func (e *Engine) RegisterPlatform(p Platform) error {
	return e.registry.Register(p)
}

// Start initializes every registered, enabled platform, builds a Probe
// and RuleSet for each enabled ProbeDescriptor, and arms the scheduler.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return errs.StateStoreFailed("migrate", err)
	}

	if err := e.registry.InitializeAll(ctx, e.config.Platforms); err != nil {
		return err
	}
	for _, p := range e.registry.GetAll() {
		logging.Default().LogPlatformInit(ctx, p.Describe().ID, nil)
	}

	e.scheduler = NewScheduler(ctx, e.store, e.pipeline)

	factory := NewProbeFactory(e.registry)
	ruleFactory := NewRuleFactory()

	for _, descriptor := range e.config.Probes {
		if !descriptor.Enabled {
			continue
		}
		probe, err := factory.Build(ctx, descriptor)
		if err != nil {
			return errs.StartupFailed(descriptor.Platform, fmt.Errorf("build probe %q: %w", descriptor.ID, err))
		}
		rules := make([]Rule, 0, len(descriptor.Rules))
		for _, rd := range descriptor.Rules {
			rule, err := ruleFactory.Build(rd)
			if err != nil {
				return errs.StartupFailed(descriptor.Platform, fmt.Errorf("build rule %q for probe %q: %w", rd.ID, descriptor.ID, err))
			}
			rules = append(rules, rule)
		}
		e.scheduler.AddProbe(descriptor, probe, rules)
	}
	return nil
}

// Stop halts the scheduler and tears down every platform.
func (e *Engine) Stop(ctx context.Context) map[string]error {
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	return e.registry.DestroyAll(ctx)
}

// ---------------------------------------------------------------------
// Admin-surface views (spec §4.9, §6)
// ---------------------------------------------------------------------

// ListProbes returns the ProbeDescriptors from the active configuration.
func (e *Engine) ListProbes() []ProbeDescriptor {
	out := make([]ProbeDescriptor, len(e.config.Probes))
	copy(out, e.config.Probes)
	return out
}

// RunningProbes returns the ids of probes currently armed.
func (e *Engine) RunningProbes() []string {
	return e.scheduler.RunningProbes()
}

// LoadProbeState is a pass-through to the StateStore.
func (e *Engine) LoadProbeState(ctx context.Context, probeID string) (state.ProbeState, error) {
	return e.store.LoadProbeState(ctx, probeID)
}

// ListRecentAlerts returns the last limit DedupRecords, most recent first.
func (e *Engine) ListRecentAlerts(ctx context.Context, limit int) ([]state.DedupRecord, error) {
	return e.store.RecentAlerts(ctx, limit)
}

// ListRecentRuns returns the last limit RunRecords, most recent first.
func (e *Engine) ListRecentRuns(ctx context.Context, limit int) ([]state.RunRecord, error) {
	return e.store.RecentRuns(ctx, limit)
}

// PlatformHealth fans out HealthCheck across every registered platform.
func (e *Engine) PlatformHealth(ctx context.Context) map[string]bool {
	return e.registry.HealthStatus(ctx)
}

// SystemStats samples current process/host resource usage.
func (e *Engine) SystemStats() SystemStats {
	stats := SystemStats{Goroutines: runtime.NumGoroutine()}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemUsed = vm.Used
		stats.MemTotal = vm.Total
	}
	return stats
}

// ---------------------------------------------------------------------
// Control operations (spec §4.6, §4.9)
// ---------------------------------------------------------------------

// RunOnce immediately executes probeID's pipeline, honoring the
// single-flight gate.
func (e *Engine) RunOnce(ctx context.Context, probeID string) error {
	return e.scheduler.RunOnce(ctx, probeID)
}

// Enable re-arms probeID's timer.
func (e *Engine) Enable(probeID string) error {
	return e.scheduler.Enable(probeID)
}

// Disable cancels probeID's timer.
func (e *Engine) Disable(probeID string) error {
	return e.scheduler.Disable(probeID)
}

// Mute suppresses alerts from probeID for minutes.
func (e *Engine) Mute(ctx context.Context, probeID string, minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("engine: mute minutes must be positive, got %d", minutes)
	}
	return e.scheduler.Mute(ctx, probeID, minutes)
}

// Unmute clears probeID's mute.
func (e *Engine) Unmute(ctx context.Context, probeID string) error {
	return e.scheduler.Unmute(ctx, probeID)
}

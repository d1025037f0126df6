package engine

import (
	"context"
	"fmt"
	"sync"

	errs "github.com/r3e-network/sentryd/infrastructure/errors"
	"github.com/r3e-network/sentryd/infrastructure/state"
)

// Probe collects a bag of facts from one logical upstream. It may mutate
// state.Probe in place but must never write to state.Rule. A probe should
// convert recoverable upstream trouble into null-valued or error-status
// facts rather than returning an error; it should return an error only
// for conditions the scheduler must record as a run-level failure.
type Probe interface {
	Collect(ctx context.Context, st *state.ProbeState) (Facts, error)
}

// RuleContext is passed to Rule.Evaluate; State aliases the same
// ProbeState loaded by the scheduler for this run.
type RuleContext struct {
	ProbeID   string
	State     *state.ProbeState
	Timestamp int64
}

// Rule evaluates a fact bag against its own private continuity slot and
// yields zero or more alerts. A rule must only write state.Rule[ruleId]
// and must be deterministic given the same (facts, priorState).
type Rule interface {
	ID() string
	Evaluate(ctx context.Context, facts Facts, rc RuleContext) ([]Alert, error)
}

// Platform is a plugin family providing probe implementations and their
// shared upstream clients.
type Platform interface {
	Describe() PlatformDescriptor
	Initialize(ctx context.Context, config map[string]interface{}) error
	CreateProbe(ctx context.Context, probeType string, descriptor ProbeDescriptor) (Probe, error)
	Destroy(ctx context.Context) error
	HealthCheck(ctx context.Context) bool
}

// Channel is a delivery channel; Send must return an error on
// transport-level failure so the pipeline can log and continue.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// ---------------------------------------------------------------------
// PlatformRegistry
// ---------------------------------------------------------------------

// PlatformRegistry is the lifecycle manager for platform plugins (spec §4.4).
type PlatformRegistry struct {
	mu        sync.RWMutex
	platforms map[string]Platform
}

// NewPlatformRegistry creates an empty registry.
func NewPlatformRegistry() *PlatformRegistry {
	return &PlatformRegistry{platforms: make(map[string]Platform)}
}

// Register adds platform, failing if its id is already present.
func (r *PlatformRegistry) Register(p Platform) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := p.Describe().ID
	if _, exists := r.platforms[id]; exists {
		return fmt.Errorf("engine: platform %q already registered", id)
	}
	r.platforms[id] = p
	return nil
}

// Get returns the platform registered under id, if any.
func (r *PlatformRegistry) Get(id string) (Platform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[id]
	return p, ok
}

// Has reports whether id is registered.
func (r *PlatformRegistry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// GetAll enumerates every registered platform.
func (r *PlatformRegistry) GetAll() []Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Platform, 0, len(r.platforms))
	for _, p := range r.platforms {
		out = append(out, p)
	}
	return out
}

// InitializeAll calls Initialize on every registered platform that is
// enabled in configs (default enabled, i.e. a platform with no entry in
// configs is still initialized with an empty config). A failure in any
// single platform aborts startup; the returned error names the platform.
func (r *PlatformRegistry) InitializeAll(ctx context.Context, configs []PlatformConfig) error {
	byID := make(map[string]PlatformConfig, len(configs))
	for _, c := range configs {
		byID[c.Platform] = c
	}

	r.mu.RLock()
	platforms := make([]Platform, 0, len(r.platforms))
	for _, p := range r.platforms {
		platforms = append(platforms, p)
	}
	r.mu.RUnlock()

	for _, p := range platforms {
		id := p.Describe().ID
		cfg, ok := byID[id]
		enabled := true
		var cfgMap map[string]interface{}
		if ok {
			enabled = cfg.Enabled
			cfgMap = cfg.Config
		}
		if !enabled {
			continue
		}
		if err := p.Initialize(ctx, cfgMap); err != nil {
			return errs.StartupFailed(id, err)
		}
	}
	return nil
}

// DestroyAll invokes Destroy on every platform, tolerating per-platform
// errors (returned, not swallowed, so the caller can log them — they are
// never re-raised to abort shutdown).
func (r *PlatformRegistry) DestroyAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	platforms := make([]Platform, 0, len(r.platforms))
	for _, p := range r.platforms {
		platforms = append(platforms, p)
	}
	r.mu.RUnlock()

	errs := make(map[string]error)
	for _, p := range platforms {
		if err := p.Destroy(ctx); err != nil {
			errs[p.Describe().ID] = err
		}
	}
	return errs
}

// HealthStatus fans out HealthCheck concurrently across every platform.
func (r *PlatformRegistry) HealthStatus(ctx context.Context) map[string]bool {
	r.mu.RLock()
	platforms := make([]Platform, 0, len(r.platforms))
	for _, p := range r.platforms {
		platforms = append(platforms, p)
	}
	r.mu.RUnlock()

	type result struct {
		id string
		ok bool
	}
	results := make(chan result, len(platforms))
	for _, p := range platforms {
		p := p
		go func() {
			results <- result{id: p.Describe().ID, ok: p.HealthCheck(ctx)}
		}()
	}

	out := make(map[string]bool, len(platforms))
	for range platforms {
		r := <-results
		out[r.id] = r.ok
	}
	return out
}

// ---------------------------------------------------------------------
// ProbeFactory
// ---------------------------------------------------------------------

// ProbeFactory resolves a ProbeDescriptor to a concrete Probe via the
// PlatformRegistry, rejecting descriptors whose type the platform does
// not support (spec §4.4/§4.6).
type ProbeFactory struct {
	registry *PlatformRegistry
}

// NewProbeFactory creates a ProbeFactory backed by registry.
func NewProbeFactory(registry *PlatformRegistry) *ProbeFactory {
	return &ProbeFactory{registry: registry}
}

// Build resolves descriptor to a Probe, or an error naming the allowed
// types if descriptor.Type is unsupported.
func (f *ProbeFactory) Build(ctx context.Context, descriptor ProbeDescriptor) (Probe, error) {
	p, ok := f.registry.Get(descriptor.Platform)
	if !ok {
		return nil, fmt.Errorf("engine: probe %q references unregistered platform %q", descriptor.ID, descriptor.Platform)
	}
	desc := p.Describe()
	if !desc.SupportsType(descriptor.Type) {
		allowed := make([]string, 0, len(desc.SupportedProbeTypes))
		for t := range desc.SupportedProbeTypes {
			allowed = append(allowed, t)
		}
		return nil, fmt.Errorf("engine: platform %q does not support probe type %q (supported: %v)", descriptor.Platform, descriptor.Type, allowed)
	}
	return p.CreateProbe(ctx, descriptor.Type, descriptor)
}

// ---------------------------------------------------------------------
// RuleFactory
// ---------------------------------------------------------------------

// RuleFactory builds Rule instances from RuleDescriptors over the closed
// set of rule kinds (spec §4.5). Adding a kind means adding a case here.
type RuleFactory struct{}

// NewRuleFactory creates a RuleFactory.
func NewRuleFactory() *RuleFactory { return &RuleFactory{} }

// Build resolves descriptor to a concrete Rule.
func (f *RuleFactory) Build(descriptor RuleDescriptor) (Rule, error) {
	switch descriptor.Kind {
	case RuleKindThreshold:
		return newThresholdRule(descriptor), nil
	case RuleKindChange:
		return newChangeRule(descriptor), nil
	default:
		return nil, fmt.Errorf("engine: unknown rule kind %q for rule %q", descriptor.Kind, descriptor.ID)
	}
}

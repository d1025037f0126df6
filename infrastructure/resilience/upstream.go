package resilience

import (
	"context"
	"time"

	"github.com/r3e-network/sentryd/infrastructure/ratelimit"
)

// Upstream composes a rate limiter and a circuit breaker for one upstream
// key, the "(limiter, breaker, client) triple" spec §9 recommends keying
// by upstream so platform probes never construct either piece on their
// own and accidentally defeat per-upstream scoping.
type Upstream struct {
	Limiter *ratelimit.Limiter
	Breaker *CircuitBreaker
}

// Call waits for rate-limit capacity, then runs fn through the circuit
// breaker. A limiter wait cancellation or breaker fast-fail both surface
// as fn never running.
func (u *Upstream) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if u.Limiter != nil {
		if err := u.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if u.Breaker == nil {
		return fn(ctx)
	}
	return u.Breaker.Execute(ctx, fn)
}

// UpstreamRegistry lazily builds one Upstream per upstream key, pairing a
// ratelimit.Registry and a resilience.Registry under a single lookup so
// platform probes share both the rate limiter and the circuit breaker for
// a given hostname/RPC URL.
type UpstreamRegistry struct {
	limiters  *ratelimit.Registry
	breakers  *Registry
}

// UpstreamRegistryConfig parametrizes the limiter/breaker defaults new
// upstream keys are built with.
type UpstreamRegistryConfig struct {
	MaxRequestsPerWindow int
	Window               time.Duration
	BreakerFactory       func(upstream string) Config
}

// NewUpstreamRegistry creates a UpstreamRegistry per cfg.
func NewUpstreamRegistry(cfg UpstreamRegistryConfig) *UpstreamRegistry {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.MaxRequestsPerWindow <= 0 {
		cfg.MaxRequestsPerWindow = 10
	}
	return &UpstreamRegistry{
		limiters: ratelimit.NewRegistry(cfg.MaxRequestsPerWindow, cfg.Window),
		breakers: NewRegistry(cfg.BreakerFactory),
	}
}

// Get returns the Upstream for key, building its limiter and breaker on
// first use.
func (r *UpstreamRegistry) Get(key string) *Upstream {
	return &Upstream{Limiter: r.limiters.Get(key), Breaker: r.breakers.Get(key)}
}

// HealthStatus fans out breaker state across every tracked upstream.
func (r *UpstreamRegistry) HealthStatus() map[string]State {
	return r.breakers.HealthStatus()
}

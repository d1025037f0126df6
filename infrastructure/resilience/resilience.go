// Package resilience provides the engine's CircuitBreaker (spec §4.2),
// backed by github.com/sony/gobreaker/v2 for the state machine and
// github.com/cenkalti/backoff/v4 for a retry helper around a single
// upstream call. This is a thin adapter: gobreaker's
// native half-open behavior (N consecutive successes closes, any single
// failure in half-open reopens) already matches spec §4.2 verbatim, so
// the adapter's job is state-name translation, a distinguishable
// fast-fail error, and metrics/logging hooks.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// State mirrors spec §4.2's three-state model.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func fromGobreakerState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// ErrOpen is returned by Execute when the breaker fast-fails. Use
// errors.As to recover the upstream name and remaining cool-off.
type ErrOpen struct {
	Upstream         string
	RemainingCoolOff time.Duration
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit breaker for %q is open, retry in %.0fs", e.Upstream, e.RemainingCoolOff.Seconds())
}

// Config parametrizes a CircuitBreaker per spec §4.2.
type Config struct {
	// Upstream names the protected service; used in ErrOpen's message
	// and as the label for metrics/logging.
	Upstream string
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from closed to open.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	ResetTimeout time.Duration
	// HalfOpenMaxAttempts is the number of consecutive successes in
	// half-open required to fully close.
	HalfOpenMaxAttempts int
	// OnStateChange, if set, is invoked on every transition with the
	// upstream name and the old and new states.
	OnStateChange func(upstream string, from, to State)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxAttempts <= 0 {
		c.HalfOpenMaxAttempts = 2
	}
	return c
}

// CircuitBreaker wraps gobreaker.CircuitBreaker, translating its
// vocabulary to spec §4.2's and tracking enough state to compute a
// fast-fail error's remaining cool-off.
type CircuitBreaker struct {
	mu                sync.RWMutex
	cfg               Config
	gb                *gobreaker.CircuitBreaker[any]
	lastStateChangeAt time.Time
	lastFailureAt     time.Time
}

// New creates a CircuitBreaker per cfg, defaulting unset fields.
func New(cfg Config) *CircuitBreaker {
	cfg = cfg.withDefaults()
	cb := &CircuitBreaker{cfg: cfg, lastStateChangeAt: time.Now()}
	cb.gb = cb.newGobreaker()
	return cb
}

func (cb *CircuitBreaker) newGobreaker() *gobreaker.CircuitBreaker[any] {
	threshold := uint32(cb.cfg.FailureThreshold)
	maxRequests := uint32(cb.cfg.HalfOpenMaxAttempts)

	settings := gobreaker.Settings{
		Name:        cb.cfg.Upstream,
		MaxRequests: maxRequests,
		Interval:    0,
		Timeout:     cb.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.mu.Lock()
			cb.lastStateChangeAt = time.Now()
			cb.mu.Unlock()
			if cb.cfg.OnStateChange != nil {
				cb.cfg.OnStateChange(cb.cfg.Upstream, fromGobreakerState(from), fromGobreakerState(to))
			}
		},
	}
	return gobreaker.NewCircuitBreaker[any](settings)
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	gb := cb.gb
	cb.mu.RUnlock()
	return fromGobreakerState(gb.State())
}

// Counts exposes gobreaker's raw counters for diagnostics (spec §4.2:
// "failure count, success count ... observable for diagnostics").
func (cb *CircuitBreaker) Counts() gobreaker.Counts {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.gb.Counts()
}

// LastStateChange returns when the breaker last transitioned.
func (cb *CircuitBreaker) LastStateChange() time.Time {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.lastStateChangeAt
}

// Execute runs fn with circuit breaker protection. When the breaker is
// open and its reset timeout has not elapsed, Execute fails fast with an
// *ErrOpen without invoking fn, per spec §4.2; that fast-fail is not
// itself counted as a failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	cb.mu.RLock()
	gb := cb.gb
	lastChange := cb.lastStateChangeAt
	cfg := cb.cfg
	cb.mu.RUnlock()

	_, err := gb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		elapsed := time.Since(lastChange)
		remaining := cfg.ResetTimeout - elapsed
		if remaining < 0 {
			remaining = 0
		}
		return &ErrOpen{Upstream: cfg.Upstream, RemainingCoolOff: remaining}
	}

	cb.mu.Lock()
	cb.lastFailureAt = time.Now()
	cb.mu.Unlock()
	return err
}

// Reset forces the breaker back to closed with zeroed counters, for
// operator use.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.gb = cb.newGobreaker()
	cb.lastStateChangeAt = time.Now()
}

// Registry maps an upstream key (hostname, RPC URL) to its own
// CircuitBreaker, paired with ratelimit.Registry to form the
// "(limiter, breaker, client) triple" spec §9 recommends keying by
// upstream.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	factory  func(upstream string) Config
}

// NewRegistry creates a Registry that lazily builds a CircuitBreaker for
// each new upstream key using factory to produce its Config.
func NewRegistry(factory func(upstream string) Config) *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker), factory: factory}
}

// Get returns the CircuitBreaker for key, creating it on first use.
func (r *Registry) Get(key string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cfg := Config{Upstream: key}
	if r.factory != nil {
		cfg = r.factory(key)
		cfg.Upstream = key
	}
	cb := New(cfg)
	r.breakers[key] = cb
	return cb
}

// HealthStatus fans out State() across every tracked breaker.
func (r *Registry) HealthStatus() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for k, cb := range r.breakers {
		out[k] = cb.State()
	}
	return out
}

// ---------------------------------------------------------------------
// Retry
// ---------------------------------------------------------------------

// RetryConfig configures exponential-backoff retry for Retry.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Retry executes fn with exponential backoff using cenkalti/backoff,
// honoring ctx cancellation between attempts.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		bo.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		bo.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		bo.Multiplier = cfg.Multiplier
	}
	bo.RandomizationFactor = cfg.Jitter
	bo.MaxElapsedTime = 0

	maxRetries := uint64(cfg.MaxAttempts - 1)
	withMax := backoff.WithMaxRetries(bo, maxRetries)
	withCtx := backoff.WithContext(withMax, ctx)

	return backoff.Retry(func() error {
		return fn()
	}, withCtx)
}

// Package ratelimit caps outbound calls per upstream to N per trailing
// window (spec component: RateLimiter, §4.3). Scope is one Limiter per
// logical upstream (hostname or RPC URL); Registry holds that mapping so
// platform probes never construct their own limiter and accidentally
// defeat the per-upstream scoping.
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a sliding-window-log rate limiter: it remembers the
// timestamps of recent calls and blocks a new call until the oldest
// in-window timestamp has aged out, exactly as described in spec §4.3.
// Fairness is first-come-first-served; there are no priority classes.
type Limiter struct {
	mu          sync.Mutex
	maxRequests int
	window      time.Duration
	timestamps  []time.Time
	now         func() time.Time
}

// NewLimiter creates a Limiter allowing maxRequests calls per window.
func NewLimiter(maxRequests int, window time.Duration) *Limiter {
	if maxRequests <= 0 {
		maxRequests = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
		timestamps:  make([]time.Time, 0, maxRequests),
		now:         time.Now,
	}
}

// Wait blocks until a call is permitted, then records it and returns.
// Returns ctx.Err() if the context is cancelled while waiting.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		wait, ok := l.tryAcquire()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire records a call if the window has capacity, returning
// (0, true). Otherwise it returns the duration the caller should wait
// before retrying, and false.
func (l *Limiter) tryAcquire() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	i := 0
	for i < len(l.timestamps) && l.timestamps[i].Before(cutoff) {
		i++
	}
	l.timestamps = l.timestamps[i:]

	if len(l.timestamps) < l.maxRequests {
		l.timestamps = append(l.timestamps, now)
		return 0, true
	}

	oldest := l.timestamps[0]
	return oldest.Add(l.window).Sub(now), false
}

// Allow reports whether a call is permitted right now, without waiting.
// If permitted, the call is recorded exactly as Wait would.
func (l *Limiter) Allow() bool {
	_, ok := l.tryAcquire()
	return ok
}

// Registry maps an upstream key (hostname, RPC URL) to its own Limiter,
// so that multiple probes sharing an upstream share rate-limit state.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	// default config applied when a key is first seen.
	maxRequests int
	window      time.Duration
}

// NewRegistry creates a Registry whose limiters default to maxRequests
// per window unless overridden via GetOrCreate.
func NewRegistry(maxRequests int, window time.Duration) *Registry {
	return &Registry{
		limiters:    make(map[string]*Limiter),
		maxRequests: maxRequests,
		window:      window,
	}
}

// Get returns the Limiter for key, creating one with the registry's
// default config if absent.
func (r *Registry) Get(key string) *Limiter {
	return r.GetOrCreate(key, r.maxRequests, r.window)
}

// GetOrCreate returns the Limiter for key, constructing it with the
// given config the first time key is seen; subsequent calls ignore the
// config and return the existing limiter.
func (r *Registry) GetOrCreate(key string, maxRequests int, window time.Duration) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[key]; ok {
		return l
	}
	l := NewLimiter(maxRequests, window)
	r.limiters[key] = l
	return l
}

// Keys returns the upstream keys currently tracked, for diagnostics.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.limiters))
	for k := range r.limiters {
		keys = append(keys, k)
	}
	return keys
}

// ---------------------------------------------------------------------
// HTTP client throttle
// ---------------------------------------------------------------------

// HTTPThrottleConfig configures a token-bucket throttle layered in front
// of an *http.Client, independent of the per-upstream sliding-window
// Limiter above: it smooths bursts within a second rather than enforcing
// a hard cap per window.
type HTTPThrottleConfig struct {
	RequestsPerSecond float64
	Burst             int
}

func DefaultHTTPThrottleConfig() HTTPThrottleConfig {
	return HTTPThrottleConfig{RequestsPerSecond: 20, Burst: 40}
}

// HTTPThrottle wraps an *http.Client with a golang.org/x/time/rate token
// bucket so REST platform probes (platforms/httpjson) don't hammer an
// upstream faster than it can be expected to answer, on top of whatever
// hard per-window cap the Registry above enforces.
type HTTPThrottle struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPThrottle wraps client with a token-bucket throttle.
func NewHTTPThrottle(client *http.Client, cfg HTTPThrottleConfig) *HTTPThrottle {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPThrottle{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}
}

// Do waits for a token bucket slot (bounded by the request's context)
// then issues the request.
func (t *HTTPThrottle) Do(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.client.Do(req)
}

// Package httpjson is an illustrative Platform implementation for REST
// upstreams (spec.md §1's "REST APIs" probe source). It is deliberately
// thin: spec.md scopes concrete wire protocols out, so this exists only
// to prove the Platform/Probe contract end-to-end and to give
// tidwall/gjson, the resilience Upstream wrapper, and infrastructure/fallback
// a real, exercised home.
package httpjson

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/r3e-network/sentryd/engine"
	"github.com/r3e-network/sentryd/infrastructure/fallback"
	"github.com/r3e-network/sentryd/infrastructure/ratelimit"
	"github.com/r3e-network/sentryd/infrastructure/resilience"
	"github.com/r3e-network/sentryd/infrastructure/state"
)

const platformID = "httpjson"

// FieldSpec names one fact to extract from a JSON response body.
type FieldSpec struct {
	FactKey  string // e.g. "http.status_text"
	GJSONPath string
}

// EndpointConfig is a probe's httpjson-specific configuration, read out
// of ProbeDescriptor.Config by CreateProbe.
type EndpointConfig struct {
	URL       string
	Fallbacks []string
	Fields    []FieldSpec
}

// Platform is the httpjson Platform implementation.
type Platform struct {
	upstreams *resilience.UpstreamRegistry
	throttle  *ratelimit.HTTPThrottle
	fallback  *fallback.Handler
	client    *http.Client
}

// New creates an uninitialized httpjson Platform.
func New() *Platform {
	return &Platform{}
}

func (p *Platform) Describe() engine.PlatformDescriptor {
	return engine.PlatformDescriptor{
		ID:          platformID,
		DisplayName: "HTTP/JSON REST Probe",
		Version:     "1.0.0",
		SupportedProbeTypes: map[string]struct{}{
			"status": {},
		},
	}
}

func (p *Platform) Initialize(ctx context.Context, config map[string]interface{}) error {
	p.client = &http.Client{Timeout: 10 * time.Second}
	p.throttle = ratelimit.NewHTTPThrottle(p.client, ratelimit.DefaultHTTPThrottleConfig())
	p.upstreams = resilience.NewUpstreamRegistry(resilience.UpstreamRegistryConfig{
		MaxRequestsPerWindow: 30,
		Window:               time.Second,
		BreakerFactory: func(upstream string) resilience.Config {
			return resilience.Config{Upstream: upstream, FailureThreshold: 5, ResetTimeout: 30 * time.Second}
		},
	})
	p.fallback = fallback.NewHandler(fallback.DefaultConfig())
	return nil
}

func (p *Platform) Destroy(ctx context.Context) error { return nil }

func (p *Platform) HealthCheck(ctx context.Context) bool { return p.client != nil }

func (p *Platform) CreateProbe(ctx context.Context, probeType string, descriptor engine.ProbeDescriptor) (engine.Probe, error) {
	if probeType != "status" {
		return nil, fmt.Errorf("httpjson: unsupported probe type %q", probeType)
	}
	cfg, err := parseEndpointConfig(descriptor.Config)
	if err != nil {
		return nil, fmt.Errorf("httpjson: probe %q: %w", descriptor.ID, err)
	}
	key, err := upstreamKey(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("httpjson: probe %q: %w", descriptor.ID, err)
	}
	return &statusProbe{
		platform: p,
		cfg:      cfg,
		upstream: p.upstreams.Get(key),
	}, nil
}

func parseEndpointConfig(raw map[string]interface{}) (EndpointConfig, error) {
	var cfg EndpointConfig
	u, ok := raw["url"].(string)
	if !ok || u == "" {
		return cfg, fmt.Errorf("missing required config key \"url\"")
	}
	cfg.URL = u
	if fbs, ok := raw["fallbacks"].([]interface{}); ok {
		for _, v := range fbs {
			if s, ok := v.(string); ok {
				cfg.Fallbacks = append(cfg.Fallbacks, s)
			}
		}
	}
	if fields, ok := raw["fields"].([]interface{}); ok {
		for _, v := range fields {
			m, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			factKey, _ := m["fact"].(string)
			path, _ := m["path"].(string)
			if factKey == "" || path == "" {
				continue
			}
			cfg.Fields = append(cfg.Fields, FieldSpec{FactKey: factKey, GJSONPath: path})
		}
	}
	return cfg, nil
}

func upstreamKey(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	return u.Host, nil
}

// statusProbe implements engine.Probe for a single REST endpoint.
type statusProbe struct {
	platform *Platform
	cfg      EndpointConfig
	upstream *resilience.Upstream
}

// Collect fetches cfg.URL (and any configured fallbacks, in order) under
// the per-upstream rate limiter and circuit breaker, then extracts each
// configured field from the JSON body via gjson. An unreachable primary
// that a fallback answers still yields live facts; total exhaustion
// yields a single soft-failure fact rather than an error, per spec.md
// §4.6's "a probe should convert recoverable upstream trouble into
// null-valued or error-status facts".
func (pr *statusProbe) Collect(ctx context.Context, st *state.ProbeState) (engine.Facts, error) {
	fetch := func(target string) fallback.Func {
		return func(ctx context.Context) (interface{}, error) {
			var body []byte
			err := pr.upstream.Call(ctx, func(ctx context.Context) error {
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
				if err != nil {
					return err
				}
				resp, err := pr.platform.throttle.Do(req)
				if err != nil {
					return err
				}
				defer resp.Body.Close()
				if resp.StatusCode >= 500 {
					return fmt.Errorf("httpjson: %s returned %d", target, resp.StatusCode)
				}
				body, err = io.ReadAll(resp.Body)
				return err
			})
			return body, err
		}
	}

	fallbacks := make([]fallback.Func, 0, len(pr.cfg.Fallbacks))
	for _, u := range pr.cfg.Fallbacks {
		fallbacks = append(fallbacks, fetch(u))
	}
	result := pr.platform.fallback.Execute(ctx, fetch(pr.cfg.URL), fallbacks...)

	if result.Err != nil {
		return engine.Facts{
			"http.status": engine.StringFact("unreachable"),
			"http.error":  engine.StringFact(result.Err.Error()),
		}, nil
	}

	body, _ := result.Value.([]byte)
	facts := engine.Facts{
		"http.status": engine.StringFact("ok"),
		"http.source": engine.StringFact(result.Source),
	}
	for _, f := range pr.cfg.Fields {
		r := gjson.GetBytes(body, f.GJSONPath)
		facts[f.FactKey] = gjsonToFact(r)
	}
	return facts, nil
}

func gjsonToFact(r gjson.Result) engine.FactValue {
	switch r.Type {
	case gjson.Null:
		return engine.NullFact()
	case gjson.False, gjson.True:
		return engine.BoolFact(r.Bool())
	case gjson.Number:
		return engine.FloatFact(r.Float())
	case gjson.String:
		return engine.StringFact(r.String())
	default:
		return engine.StringFact(r.Raw)
	}
}

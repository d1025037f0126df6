// Package jsonrpc is an illustrative Platform implementation standing in
// for "EVM JSON-RPC" style blockchain RPC endpoints (spec.md §1), without
// committing to a concrete chain SDK — spec.md explicitly scopes concrete
// wire formats out. It exists to prove the Platform/Probe contract and to
// give PaesslerAG/jsonpath a real, exercised home for extracting nested
// result fields a plain dotted key can't reach.
package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"github.com/r3e-network/sentryd/engine"
	"github.com/r3e-network/sentryd/infrastructure/resilience"
	"github.com/r3e-network/sentryd/infrastructure/state"
)

const platformID = "jsonrpc"

// CallSpec is one JSON-RPC method call configured for a probe, with the
// set of facts to extract from its result via JSONPath.
type CallSpec struct {
	Method string
	Params []interface{}
	Fields []FieldSpec
}

// FieldSpec names one fact to extract from a call's JSON-RPC result.
type FieldSpec struct {
	FactKey      string
	JSONPathExpr string // evaluated against the "result" value, e.g. "$.number"
}

// EndpointConfig is a probe's jsonrpc-specific configuration.
type EndpointConfig struct {
	URL   string
	Calls []CallSpec
}

// Platform is the jsonrpc Platform implementation.
type Platform struct {
	upstreams *resilience.UpstreamRegistry
	client    *http.Client
}

func New() *Platform { return &Platform{} }

func (p *Platform) Describe() engine.PlatformDescriptor {
	return engine.PlatformDescriptor{
		ID:          platformID,
		DisplayName: "JSON-RPC Probe",
		Version:     "1.0.0",
		SupportedProbeTypes: map[string]struct{}{
			"rpc": {},
		},
	}
}

func (p *Platform) Initialize(ctx context.Context, config map[string]interface{}) error {
	p.client = &http.Client{Timeout: 10 * time.Second}
	p.upstreams = resilience.NewUpstreamRegistry(resilience.UpstreamRegistryConfig{
		MaxRequestsPerWindow: 20,
		Window:               time.Second,
		BreakerFactory: func(upstream string) resilience.Config {
			return resilience.Config{Upstream: upstream, FailureThreshold: 3, ResetTimeout: 20 * time.Second}
		},
	})
	return nil
}

func (p *Platform) Destroy(ctx context.Context) error { return nil }

func (p *Platform) HealthCheck(ctx context.Context) bool { return p.client != nil }

func (p *Platform) CreateProbe(ctx context.Context, probeType string, descriptor engine.ProbeDescriptor) (engine.Probe, error) {
	if probeType != "rpc" {
		return nil, fmt.Errorf("jsonrpc: unsupported probe type %q", probeType)
	}
	cfg, err := parseEndpointConfig(descriptor.Config)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: probe %q: %w", descriptor.ID, err)
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: probe %q: invalid url %q: %w", descriptor.ID, cfg.URL, err)
	}
	return &rpcProbe{platform: p, cfg: cfg, upstream: p.upstreams.Get(u.Host)}, nil
}

func parseEndpointConfig(raw map[string]interface{}) (EndpointConfig, error) {
	var cfg EndpointConfig
	u, ok := raw["url"].(string)
	if !ok || u == "" {
		return cfg, fmt.Errorf("missing required config key \"url\"")
	}
	cfg.URL = u

	callsRaw, ok := raw["calls"].([]interface{})
	if !ok {
		return cfg, fmt.Errorf("missing required config key \"calls\"")
	}
	for _, cRaw := range callsRaw {
		m, ok := cRaw.(map[string]interface{})
		if !ok {
			continue
		}
		method, _ := m["method"].(string)
		if method == "" {
			continue
		}
		call := CallSpec{Method: method}
		if params, ok := m["params"].([]interface{}); ok {
			call.Params = params
		}
		if fields, ok := m["fields"].([]interface{}); ok {
			for _, fRaw := range fields {
				fm, ok := fRaw.(map[string]interface{})
				if !ok {
					continue
				}
				factKey, _ := fm["fact"].(string)
				path, _ := fm["path"].(string)
				if factKey == "" || path == "" {
					continue
				}
				call.Fields = append(call.Fields, FieldSpec{FactKey: factKey, JSONPathExpr: path})
			}
		}
		cfg.Calls = append(cfg.Calls, call)
	}
	return cfg, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result interface{} `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// rpcProbe implements engine.Probe, issuing one JSON-RPC call per
// configured CallSpec and extracting each field via jsonpath.
type rpcProbe struct {
	platform *Platform
	cfg      EndpointConfig
	upstream *resilience.Upstream
}

func (pr *rpcProbe) Collect(ctx context.Context, st *state.ProbeState) (engine.Facts, error) {
	facts := engine.Facts{}
	anyFailure := false

	for _, call := range pr.cfg.Calls {
		result, err := pr.invoke(ctx, call)
		if err != nil {
			anyFailure = true
			facts[fmt.Sprintf("rpc.%s.status", call.Method)] = engine.StringFact("error")
			facts[fmt.Sprintf("rpc.%s.error", call.Method)] = engine.StringFact(err.Error())
			continue
		}
		facts[fmt.Sprintf("rpc.%s.status", call.Method)] = engine.StringFact("ok")
		for _, f := range call.Fields {
			v, err := jsonpath.Get(f.JSONPathExpr, result)
			if err != nil {
				facts[f.FactKey] = engine.NullFact()
				continue
			}
			facts[f.FactKey] = toFact(v)
		}
	}

	if anyFailure && len(facts) == 0 {
		return nil, fmt.Errorf("jsonrpc: all calls failed")
	}
	return facts, nil
}

func (pr *rpcProbe) invoke(ctx context.Context, call CallSpec) (interface{}, error) {
	var parsed rpcResponse
	err := pr.upstream.Call(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: call.Method, Params: call.Params})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, pr.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := pr.platform.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return err
		}
		if parsed.Error != nil {
			return fmt.Errorf("jsonrpc: %s: %s (code %d)", call.Method, parsed.Error.Message, parsed.Error.Code)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return parsed.Result, nil
}

func toFact(v interface{}) engine.FactValue {
	switch t := v.(type) {
	case nil:
		return engine.NullFact()
	case bool:
		return engine.BoolFact(t)
	case float64:
		return engine.FloatFact(t)
	case string:
		return engine.StringFact(t)
	default:
		b, _ := json.Marshal(t)
		return engine.StringFact(string(b))
	}
}

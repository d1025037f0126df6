// Package wsfeed is an illustrative Platform implementation for
// real-time market/event feeds delivered over a WebSocket (spec.md §1's
// "real-time market feeds" probe source). A probe here does not dial the
// feed itself on every Collect: a single background reader goroutine
// maintains the connection and the probe's Collect call simply reads the
// latest cached message, matching how a streaming source differs from a
// request/response one. Exists to give gorilla/websocket a real, exercised
// home.
package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/r3e-network/sentryd/engine"
	"github.com/r3e-network/sentryd/infrastructure/logging"
	"github.com/r3e-network/sentryd/infrastructure/state"
)

const platformID = "wsfeed"

// FeedConfig is a probe's wsfeed-specific configuration.
type FeedConfig struct {
	URL    string
	Fields []FieldSpec // dotted JSON keys within the most recent message
}

// FieldSpec names one fact to extract from the latest feed message.
type FieldSpec struct {
	FactKey  string
	JSONKey  string
}

// Platform is the wsfeed Platform implementation. It owns no shared
// state across probes: each probe dials its own feed URL and keeps its
// own reader goroutine, since market feeds are rarely multiplexed.
type Platform struct{}

func New() *Platform { return &Platform{} }

func (p *Platform) Describe() engine.PlatformDescriptor {
	return engine.PlatformDescriptor{
		ID:          platformID,
		DisplayName: "WebSocket Feed Probe",
		Version:     "1.0.0",
		SupportedProbeTypes: map[string]struct{}{
			"feed": {},
		},
	}
}

func (p *Platform) Initialize(ctx context.Context, config map[string]interface{}) error { return nil }

func (p *Platform) Destroy(ctx context.Context) error { return nil }

func (p *Platform) HealthCheck(ctx context.Context) bool { return true }

func (p *Platform) CreateProbe(ctx context.Context, probeType string, descriptor engine.ProbeDescriptor) (engine.Probe, error) {
	if probeType != "feed" {
		return nil, fmt.Errorf("wsfeed: unsupported probe type %q", probeType)
	}
	cfg, err := parseFeedConfig(descriptor.Config)
	if err != nil {
		return nil, fmt.Errorf("wsfeed: probe %q: %w", descriptor.ID, err)
	}
	pr := &feedProbe{probeID: descriptor.ID, cfg: cfg}
	pr.connect()
	return pr, nil
}

func parseFeedConfig(raw map[string]interface{}) (FeedConfig, error) {
	var cfg FeedConfig
	u, ok := raw["url"].(string)
	if !ok || u == "" {
		return cfg, fmt.Errorf("missing required config key \"url\"")
	}
	cfg.URL = u
	if fields, ok := raw["fields"].([]interface{}); ok {
		for _, fRaw := range fields {
			fm, ok := fRaw.(map[string]interface{})
			if !ok {
				continue
			}
			factKey, _ := fm["fact"].(string)
			key, _ := fm["key"].(string)
			if factKey == "" || key == "" {
				continue
			}
			cfg.Fields = append(cfg.Fields, FieldSpec{FactKey: factKey, JSONKey: key})
		}
	}
	return cfg, nil
}

// feedProbe holds one WebSocket connection in a background goroutine
// and serves Collect calls from the last received message. The
// connection is dialed once; after a dial failure or a drop it is not
// re-established.
type feedProbe struct {
	probeID string
	cfg     FeedConfig

	mu      sync.RWMutex
	latest  map[string]interface{}
	lastErr error
	connAt  time.Time

	dial func(url string) (*websocket.Conn, error)
}

func (pr *feedProbe) connect() {
	dial := pr.dial
	if dial == nil {
		dial = func(url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			return conn, err
		}
	}
	go pr.readLoop(dial)
}

func (pr *feedProbe) readLoop(dial func(url string) (*websocket.Conn, error)) {
	conn, err := dial(pr.cfg.URL)
	if err != nil {
		pr.mu.Lock()
		pr.lastErr = err
		pr.mu.Unlock()
		logging.Default().Error(context.Background(), "wsfeed: dial failed", err, map[string]interface{}{"probe_id": pr.probeID, "url": pr.cfg.URL})
		return
	}
	defer conn.Close()

	pr.mu.Lock()
	pr.connAt = time.Now()
	pr.mu.Unlock()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			pr.mu.Lock()
			pr.lastErr = err
			pr.mu.Unlock()
			return
		}
		var msg map[string]interface{}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		pr.mu.Lock()
		pr.latest = msg
		pr.lastErr = nil
		pr.mu.Unlock()
	}
}

// Collect returns the freshness of the connection and, if a message has
// ever been received, the configured fields extracted from it. It never
// blocks on the network: a failed dial or a dropped connection surfaces
// as "feed.status": "disconnected" (plus "feed.error") for a change rule
// to alert on, rather than a Collect timeout. Before the first message
// the status is "connecting"; a connection that stays open but stops
// sending keeps reporting "live" with the last message's fields.
func (pr *feedProbe) Collect(ctx context.Context, st *state.ProbeState) (engine.Facts, error) {
	pr.mu.RLock()
	latest := pr.latest
	lastErr := pr.lastErr
	pr.mu.RUnlock()

	if lastErr != nil {
		return engine.Facts{
			"feed.status": engine.StringFact("disconnected"),
			"feed.error":  engine.StringFact(lastErr.Error()),
		}, nil
	}
	if latest == nil {
		return engine.Facts{"feed.status": engine.StringFact("connecting")}, nil
	}

	facts := engine.Facts{"feed.status": engine.StringFact("live")}
	for _, f := range pr.cfg.Fields {
		v, ok := latest[f.JSONKey]
		if !ok {
			facts[f.FactKey] = engine.NullFact()
			continue
		}
		facts[f.FactKey] = toFact(v)
	}
	return facts, nil
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

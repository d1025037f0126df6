package engine

import (
	"context"
	"time"

	"github.com/r3e-network/sentryd/infrastructure/logging"
	"github.com/r3e-network/sentryd/infrastructure/metrics"
	"github.com/r3e-network/sentryd/infrastructure/state"
)

// mutedUntilKey is the probe-namespace key Mute/Unmute operate on.
const mutedUntilKey = "muted_until"

// suppressStage names where an alert was dropped, for metrics/logging.
type suppressStage string

const (
	stageMute     suppressStage = "mute"
	stageDedup    suppressStage = "dedup"
	stageCooldown suppressStage = "cooldown"
)

// AlertPipeline enforces mute → dedup → cooldown → fan-out → record for
// every alert a rule produces (spec §4.7).
type AlertPipeline struct {
	store      state.Store
	channels   *ChannelSet
	dedupTTL   time.Duration // 0 means permanent dedup
	metrics    *metrics.Metrics
}

// NewAlertPipeline creates an AlertPipeline. dedupTTL of 0 matches
// spec.md §4.7's default permanent dedup (Open Question #1, SPEC_FULL §7).
func NewAlertPipeline(store state.Store, channels *ChannelSet, dedupTTL time.Duration) *AlertPipeline {
	return &AlertPipeline{store: store, channels: channels, dedupTTL: dedupTTL, metrics: metrics.Global()}
}

// Process runs one alert through every pipeline stage. probeState is the
// same ProbeState instance the scheduler loaded for this run; mute is
// read from its Probe namespace.
func (p *AlertPipeline) Process(ctx context.Context, alert Alert, probeState *state.ProbeState) error {
	if mutedUntil, ok := probeState.Probe[mutedUntilKey]; ok {
		if until, ok := asUnixMillis(mutedUntil); ok && until > nowMillis() {
			p.suppress(ctx, alert, stageMute)
			return nil
		}
	}

	sent, err := p.store.IsAlertSent(ctx, alert.ID, p.dedupTTL)
	if err != nil {
		return err
	}
	if sent {
		p.suppress(ctx, alert, stageDedup)
		return nil
	}

	key := CooldownKey(alert.ProbeID, alert.RuleID)
	inCooldown, err := p.store.IsInCooldown(ctx, key, CooldownWindow)
	if err != nil {
		return err
	}
	if inCooldown {
		p.suppress(ctx, alert, stageCooldown)
		return nil
	}

	p.channels.Send(ctx, alert)

	// Recording happens regardless of channel outcome (spec §4.7, §9 Open
	// Question #3): a send failure must not poison dedup/cooldown state.
	if err := p.store.RecordAlert(ctx, alert.ID, alert.ProbeID, alert.RuleID); err != nil {
		return err
	}
	if err := p.store.RecordCooldown(ctx, key); err != nil {
		return err
	}

	logging.Default().LogAlertEmitted(ctx, alert.ProbeID, alert.RuleID, alert.ID, string(alert.Severity))
	if p.metrics != nil {
		p.metrics.RecordAlertEmitted(alert.ProbeID, alert.RuleID, string(alert.Severity))
	}
	return nil
}

func (p *AlertPipeline) suppress(ctx context.Context, alert Alert, stage suppressStage) {
	logging.Default().LogAlertSuppressed(ctx, alert.ID, string(stage))
	if p.metrics != nil {
		p.metrics.RecordAlertSuppressed(string(stage))
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// asUnixMillis best-effort coerces a probe-state value (always stored as
// int64 by Mute, but may arrive as float64 after a JSON round-trip
// through a SQL-backed store) into milliseconds since epoch.
func asUnixMillis(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}

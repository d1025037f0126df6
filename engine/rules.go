package engine

import (
	"context"
	"crypto/sha256"
	"fmt"

	sentryhex "github.com/r3e-network/sentryd/infrastructure/hex"
)

const (
	ruleStateKey        = "status"
	ruleStateOK         = "ok"
	ruleStateTriggered  = "triggered"
	changeStatePrevious = "previous"
)

// hash8 returns the first 8 hex chars of SHA-256(s), used to derive a
// stable alert id for change rules (spec §3/§4.5).
func hash8(s string) string {
	sum := sha256.Sum256([]byte(s))
	return sentryhex.EncodeToString(sum[:])[:8]
}

// ---------------------------------------------------------------------
// Threshold rule
// ---------------------------------------------------------------------

type thresholdRule struct {
	d RuleDescriptor
}

func newThresholdRule(d RuleDescriptor) *thresholdRule {
	if d.Severity == "" {
		d.Severity = SeverityWarning
	}
	if d.Title == "" {
		d.Title = "Threshold Breached"
	}
	return &thresholdRule{d: d}
}

func (r *thresholdRule) ID() string { return r.d.ID }

func (r *thresholdRule) compare(v float64) bool {
	switch r.d.Operator {
	case OpGT:
		return v > r.d.Threshold
	case OpGE:
		return v >= r.d.Threshold
	case OpLT:
		return v < r.d.Threshold
	case OpLE:
		return v <= r.d.Threshold
	default:
		return false
	}
}

func (r *thresholdRule) Evaluate(ctx context.Context, facts Facts, rc RuleContext) ([]Alert, error) {
	fv, present := facts[r.d.Fact]
	if !present {
		return nil, nil
	}
	v, ok := fv.CoerceNumeric()
	if !ok {
		return nil, nil
	}

	slot := rc.State.RuleState(r.d.ID)
	status, _ := slot[ruleStateKey].(string)
	if status == "" {
		status = ruleStateOK
	}

	triggered := r.compare(v)

	if !triggered {
		slot[ruleStateKey] = ruleStateOK
		return nil, nil
	}

	if status == ruleStateTriggered {
		// Continuously triggered: no new alert on this edge.
		return nil, nil
	}

	slot[ruleStateKey] = ruleStateTriggered

	valueStr := fv.String()
	thresholdStr := fmt.Sprintf("%g", r.d.Threshold)
	message := r.d.MessageTemplate
	if message == "" {
		message = fmt.Sprintf("Value %s crossed threshold %s", valueStr, thresholdStr)
	} else {
		message = RenderMessage(message, valueStr, thresholdStr, "", "")
	}

	alert := Alert{
		ID:        ThresholdAlertID(rc.ProbeID, r.d.ID),
		ProbeID:   rc.ProbeID,
		RuleID:    r.d.ID,
		Severity:  r.d.Severity,
		Title:     r.d.Title,
		Message:   message,
		Timestamp: rc.Timestamp,
		Entities: map[string]string{
			"Value":     valueStr,
			"Threshold": thresholdStr,
		},
	}
	return []Alert{alert}, nil
}

// ---------------------------------------------------------------------
// Change rule
// ---------------------------------------------------------------------

type changeRule struct {
	d RuleDescriptor
}

func newChangeRule(d RuleDescriptor) *changeRule {
	if d.Severity == "" {
		d.Severity = SeverityInfo
	}
	return &changeRule{d: d}
}

func (r *changeRule) ID() string { return r.d.ID }

func (r *changeRule) Evaluate(ctx context.Context, facts Facts, rc RuleContext) ([]Alert, error) {
	fv, present := facts[r.d.Fact]
	if !present {
		return nil, nil
	}
	newVal := fv.String()

	slot := rc.State.RuleState(r.d.ID)
	prevRaw, seen := slot[changeStatePrevious]
	slot[changeStatePrevious] = newVal

	if !seen {
		// First observation: store without alerting.
		return nil, nil
	}
	oldVal, _ := prevRaw.(string)
	if oldVal == newVal {
		return nil, nil
	}

	title := r.d.Title
	if title == "" {
		title = "Value Changed"
	}
	message := r.d.MessageTemplate
	if message == "" {
		message = fmt.Sprintf("%s changed from %s to %s", r.d.Fact, oldVal, newVal)
	} else {
		message = RenderMessage(message, newVal, "", oldVal, newVal)
	}

	alert := Alert{
		ID:        fmt.Sprintf("%s:%s:%s", rc.ProbeID, r.d.ID, hash8(oldVal+"->"+newVal)),
		ProbeID:   rc.ProbeID,
		RuleID:    r.d.ID,
		Severity:  r.d.Severity,
		Title:     title,
		Message:   message,
		Timestamp: rc.Timestamp,
		Entities: map[string]string{
			"Old": oldVal,
			"New": newVal,
		},
	}
	return []Alert{alert}, nil
}

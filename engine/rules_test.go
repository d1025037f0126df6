package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/sentryd/infrastructure/state"
)

// Scenario 1 (spec.md §8): threshold crossing 10, 20, 30, 20, 10 with
// rule x > 15 emits exactly one alert at x=20 (first crossing) and stays
// silent while continuously triggered or while below threshold.
func TestThresholdHysteresisScenario(t *testing.T) {
	rule := newThresholdRule(RuleDescriptor{ID: "r", Fact: "metric.x", Operator: OpGT, Threshold: 15})
	st := state.NewProbeState()
	ctx := context.Background()

	sequence := []float64{10, 20, 30, 20, 10}
	var allAlerts [][]Alert
	for _, v := range sequence {
		facts := Facts{"metric.x": FloatFact(v)}
		alerts, err := rule.Evaluate(ctx, facts, RuleContext{ProbeID: "p", State: &st, Timestamp: 1})
		require.NoError(t, err)
		allAlerts = append(allAlerts, alerts)
	}

	assert.Empty(t, allAlerts[0], "x=10 below threshold: no alert")
	require.Len(t, allAlerts[1], 1, "x=20 first crossing: exactly one alert")
	assert.Equal(t, "p:r:breach", allAlerts[1][0].ID)
	assert.Equal(t, "20", allAlerts[1][0].Entities["Value"])
	assert.Equal(t, "15", allAlerts[1][0].Entities["Threshold"])
	assert.Empty(t, allAlerts[2], "x=30 continuously triggered: no new alert")
	assert.Empty(t, allAlerts[3], "x=20 still above threshold: no new alert")
	assert.Empty(t, allAlerts[4], "x=10 below threshold again: status resets, no alert")

	facts := Facts{"metric.x": FloatFact(25)}
	alerts, err := rule.Evaluate(ctx, facts, RuleContext{ProbeID: "p", State: &st, Timestamp: 1})
	require.NoError(t, err)
	require.Len(t, alerts, 1, "re-crossing upward after falling below emits a new alert")
	assert.Equal(t, "p:r:breach", alerts[0].ID, "id is stable across repeated breaches")
}

func TestThresholdRuleNonNumericFact(t *testing.T) {
	rule := newThresholdRule(RuleDescriptor{ID: "r", Fact: "metric.x", Operator: OpGT, Threshold: 15})
	st := state.NewProbeState()
	facts := Facts{"metric.x": StringFact("not-a-number")}

	alerts, err := rule.Evaluate(context.Background(), facts, RuleContext{ProbeID: "p", State: &st})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestThresholdRuleMissingFact(t *testing.T) {
	rule := newThresholdRule(RuleDescriptor{ID: "r", Fact: "metric.x", Operator: OpGT, Threshold: 15})
	st := state.NewProbeState()

	alerts, err := rule.Evaluate(context.Background(), Facts{}, RuleContext{ProbeID: "p", State: &st})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestThresholdRuleDefaultsAndTemplate(t *testing.T) {
	rule := newThresholdRule(RuleDescriptor{ID: "r", Fact: "metric.x", Operator: OpGE, Threshold: 10})
	assert.Equal(t, SeverityWarning, rule.d.Severity)
	assert.Equal(t, "Threshold Breached", rule.d.Title)

	st := state.NewProbeState()
	alerts, err := rule.Evaluate(context.Background(), Facts{"metric.x": IntFact(10)}, RuleContext{ProbeID: "p", State: &st})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Value 10 crossed threshold 10", alerts[0].Message)
}

// Scenario 2 (spec.md §8): change rule over "A","A","B","B","C","A" emits
// no alert on the first two observations, then one alert per distinct
// transition, each with a deterministic hash8-derived id.
func TestChangeRuleScenario(t *testing.T) {
	rule := newChangeRule(RuleDescriptor{ID: "r", Fact: "platform.status"})
	st := state.NewProbeState()
	ctx := context.Background()

	sequence := []string{"A", "A", "B", "B", "C", "A"}
	var results [][]Alert
	for _, v := range sequence {
		alerts, err := rule.Evaluate(ctx, Facts{"platform.status": StringFact(v)}, RuleContext{ProbeID: "p", State: &st})
		require.NoError(t, err)
		results = append(results, alerts)
	}

	assert.Empty(t, results[0], "first observation never alerts")
	assert.Empty(t, results[1], "no change between first and second observation")
	require.Len(t, results[2], 1)
	assert.Equal(t, "p:r:"+hash8("A->B"), results[2][0].ID)
	assert.Empty(t, results[3], "no change between third and fourth observation")
	require.Len(t, results[4], 1)
	assert.Equal(t, "p:r:"+hash8("B->C"), results[4][0].ID)
	require.Len(t, results[5], 1)
	assert.Equal(t, "p:r:"+hash8("C->A"), results[5][0].ID)
}

func TestChangeRuleIDIsDeterministicAcrossProcesses(t *testing.T) {
	// hash8 must be a pure function of its input: two independently
	// constructed rule instances evaluating the same transition produce
	// identical ids (spec.md §8 "ID stability").
	a := newChangeRule(RuleDescriptor{ID: "r", Fact: "f"})
	b := newChangeRule(RuleDescriptor{ID: "r", Fact: "f"})

	stA := state.NewProbeState()
	stB := state.NewProbeState()
	ctx := context.Background()

	_, _ = a.Evaluate(ctx, Facts{"f": StringFact("x")}, RuleContext{ProbeID: "p", State: &stA})
	_, _ = b.Evaluate(ctx, Facts{"f": StringFact("x")}, RuleContext{ProbeID: "p", State: &stB})

	alertsA, err := a.Evaluate(ctx, Facts{"f": StringFact("y")}, RuleContext{ProbeID: "p", State: &stA})
	require.NoError(t, err)
	alertsB, err := b.Evaluate(ctx, Facts{"f": StringFact("y")}, RuleContext{ProbeID: "p", State: &stB})
	require.NoError(t, err)

	require.Len(t, alertsA, 1)
	require.Len(t, alertsB, 1)
	assert.Equal(t, alertsA[0].ID, alertsB[0].ID)
}

func TestStateIsolationBetweenRules(t *testing.T) {
	r1 := newThresholdRule(RuleDescriptor{ID: "r1", Fact: "metric.x", Operator: OpGT, Threshold: 5})
	r2 := newChangeRule(RuleDescriptor{ID: "r2", Fact: "metric.y"})
	st := state.NewProbeState()
	ctx := context.Background()

	_, _ = r1.Evaluate(ctx, Facts{"metric.x": IntFact(10)}, RuleContext{ProbeID: "p", State: &st})
	_, _ = r2.Evaluate(ctx, Facts{"metric.y": StringFact("v1")}, RuleContext{ProbeID: "p", State: &st})

	assert.Contains(t, st.Rule, "r1")
	assert.Contains(t, st.Rule, "r2")
	assert.NotContains(t, st.RuleState("r1"), changeStatePrevious, "r1's threshold slot must not contain r2's change-rule key")
	assert.Equal(t, "v1", st.RuleState("r2")[changeStatePrevious])
}

func TestCoerceNumeric(t *testing.T) {
	v, ok := FloatFact(1.5).CoerceNumeric()
	assert.True(t, ok)
	assert.Equal(t, 1.5, v)

	_, ok = NullFact().CoerceNumeric()
	assert.False(t, ok)

	_, ok = StringFact("abc").CoerceNumeric()
	assert.False(t, ok)

	v, ok = StringFact("42").CoerceNumeric()
	assert.True(t, ok)
	assert.Equal(t, 42.0, v)
}

func TestValidateFactKeys(t *testing.T) {
	facts := Facts{
		"http.status":   IntFact(200),
		"bad key":       NullFact(),
		"evm.block.num": IntFact(1),
	}
	bad := ValidateFactKeys(facts)
	assert.Equal(t, []string{"bad key"}, bad)
}

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	errs "github.com/r3e-network/sentryd/infrastructure/errors"
	"github.com/r3e-network/sentryd/infrastructure/logging"
	"github.com/r3e-network/sentryd/infrastructure/metrics"
	"github.com/r3e-network/sentryd/infrastructure/state"
)

// DefaultRunOnceDeadline bounds a manually-triggered RunOnce (spec §5).
const DefaultRunOnceDeadline = 15 * time.Second

// probeEntry is everything the scheduler needs to run one probe on its
// own timer. It is built once at Start/AddProbe time and mutated only by
// the scheduler goroutine that owns the ticker plus Enable/Disable.
type probeEntry struct {
	mu         sync.Mutex
	descriptor ProbeDescriptor
	probe      Probe
	rules      []Rule

	ticker *time.Ticker
	done   chan struct{}
	active bool
}

// Scheduler is the ProbeRunner (spec §4.6): it owns one timer per probe,
// the single-flight lock table, and the watchdog that force-releases a
// stuck lock.
type Scheduler struct {
	store    state.Store
	pipeline *AlertPipeline
	metrics  *metrics.Metrics

	mu      sync.Mutex
	probes  map[string]*probeEntry
	locks   map[string]time.Time
	rootCtx context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a Scheduler. ctx bounds every probe's lifetime;
// cancelling it (or calling Stop) halts all timers.
func NewScheduler(ctx context.Context, store state.Store, pipeline *AlertPipeline) *Scheduler {
	rootCtx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		store:    store,
		pipeline: pipeline,
		metrics:  metrics.Global(),
		probes:   make(map[string]*probeEntry),
		locks:    make(map[string]time.Time),
		rootCtx:  rootCtx,
		cancel:   cancel,
	}
}

// AddProbe registers probe under descriptor, arms its periodic timer, and
// kicks one immediate asynchronous run without waiting for the first tick
// (spec §4.6).
func (s *Scheduler) AddProbe(descriptor ProbeDescriptor, probe Probe, rules []Rule) {
	descriptor = descriptor.withDefaults()
	entry := &probeEntry{descriptor: descriptor, probe: probe, rules: rules, done: make(chan struct{})}

	s.mu.Lock()
	s.probes[descriptor.ID] = entry
	s.mu.Unlock()

	s.arm(entry)
	go s.runProbe(s.rootCtx, entry)
}

func (s *Scheduler) arm(entry *probeEntry) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.active {
		return
	}
	entry.ticker = time.NewTicker(entry.descriptor.Interval)
	entry.done = make(chan struct{})
	entry.active = true

	ticker := entry.ticker
	done := entry.done
	go func() {
		for {
			select {
			case <-ticker.C:
				s.runProbe(s.rootCtx, entry)
			case <-done:
				return
			case <-s.rootCtx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) disarm(entry *probeEntry) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.active {
		return
	}
	entry.ticker.Stop()
	close(entry.done)
	entry.active = false
}

// Enable re-arms the timer for a probe the scheduler has already built
// (spec.md §9 Open Question #2 / SPEC_FULL §7.2). Idempotent.
func (s *Scheduler) Enable(probeID string) error {
	entry, ok := s.entry(probeID)
	if !ok {
		return notFoundErr(probeID)
	}
	s.arm(entry)
	return nil
}

// Disable cancels the timer for a probe. Idempotent.
func (s *Scheduler) Disable(probeID string) error {
	entry, ok := s.entry(probeID)
	if !ok {
		return notFoundErr(probeID)
	}
	s.disarm(entry)
	return nil
}

func (s *Scheduler) entry(probeID string) (*probeEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.probes[probeID]
	return e, ok
}

func notFoundErr(probeID string) error {
	return errs.NotFound("probe", probeID)
}

// RunOnce immediately executes the pipeline for probeID, honoring the
// single-flight gate, bounded by DefaultRunOnceDeadline.
func (s *Scheduler) RunOnce(ctx context.Context, probeID string) error {
	entry, ok := s.entry(probeID)
	if !ok {
		return notFoundErr(probeID)
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultRunOnceDeadline)
	defer cancel()
	s.runProbe(ctx, entry)
	return nil
}

// Mute sets probe.muted_until = now + minutes, persisted immediately so
// it takes effect even between ticks.
func (s *Scheduler) Mute(ctx context.Context, probeID string, minutes int) error {
	if _, ok := s.entry(probeID); !ok {
		return notFoundErr(probeID)
	}
	st, err := s.store.LoadProbeState(ctx, probeID)
	if err != nil {
		return err
	}
	st.Probe[mutedUntilKey] = time.Now().Add(time.Duration(minutes) * time.Minute).UnixMilli()
	return s.store.SaveProbeState(ctx, probeID, st)
}

// Unmute clears probe.muted_until.
func (s *Scheduler) Unmute(ctx context.Context, probeID string) error {
	if _, ok := s.entry(probeID); !ok {
		return notFoundErr(probeID)
	}
	st, err := s.store.LoadProbeState(ctx, probeID)
	if err != nil {
		return err
	}
	delete(st.Probe, mutedUntilKey)
	return s.store.SaveProbeState(ctx, probeID, st)
}

// Stop cancels every timer and the root context; in-flight runs observe
// cancellation at their next suspension point. There is no hard kill.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	entries := make([]*probeEntry, 0, len(s.probes))
	for _, e := range s.probes {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		s.disarm(e)
	}
	s.cancel()

	s.mu.Lock()
	s.locks = make(map[string]time.Time)
	s.mu.Unlock()
}

// RunningProbes returns the ids currently armed.
func (s *Scheduler) RunningProbes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, e := range s.probes {
		e.mu.Lock()
		active := e.active
		e.mu.Unlock()
		if active {
			out = append(out, id)
		}
	}
	return out
}

// ---------------------------------------------------------------------
// Per-tick pipeline (spec §4.6)
// ---------------------------------------------------------------------

func (s *Scheduler) runProbe(ctx context.Context, entry *probeEntry) {
	entry.mu.Lock()
	descriptor := entry.descriptor
	probe := entry.probe
	rules := entry.rules
	entry.mu.Unlock()

	probeID := descriptor.ID

	s.mu.Lock()
	if acquiredAt, locked := s.locks[probeID]; locked {
		age := time.Since(acquiredAt)
		if age <= 2*descriptor.Timeout {
			s.mu.Unlock()
			logging.Default().Debug(ctx, "probe skipped: single-flight lock held", map[string]interface{}{"probe_id": probeID, "held_for": age.String()})
			return
		}
		// Watchdog fires: clear the stale lock and synthesize a system alert.
		delete(s.locks, probeID)
		s.mu.Unlock()

		s.fireWatchdog(ctx, probeID, age)

		s.mu.Lock()
	}
	acquiredAt := time.Now()
	s.locks[probeID] = acquiredAt
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.IncrementInFlight()
	}
	defer func() {
		if s.metrics != nil {
			s.metrics.DecrementInFlight()
		}
		s.mu.Lock()
		if cur, ok := s.locks[probeID]; ok && cur.Equal(acquiredAt) {
			delete(s.locks, probeID)
		}
		s.mu.Unlock()
	}()

	start := time.Now()
	st, err := s.store.LoadProbeState(ctx, probeID)
	if err != nil {
		loadErr := errs.StateStoreFailed("load_probe_state", err)
		s.recordRun(ctx, probeID, state.RunError, time.Since(start), loadErr.Error())
		logging.Default().Error(ctx, "load probe state failed", loadErr, map[string]interface{}{"probe_id": probeID})
		return
	}

	facts, collectErr := s.collectWithDeadline(ctx, probeID, probe, &st, descriptor.Timeout)
	if collectErr != nil {
		status := state.RunError
		msg := collectErr.Error()
		s.recordRun(ctx, probeID, status, time.Since(start), msg)
		logging.Default().LogProbeRun(ctx, probeID, string(status), time.Since(start), collectErr)
		if s.metrics != nil {
			s.metrics.RecordProbeRun(probeID, string(status), time.Since(start))
		}
		return
	}

	if bad := ValidateFactKeys(facts); len(bad) > 0 {
		logging.Default().Warn(ctx, "facts with malformed keys", map[string]interface{}{"probe_id": probeID, "keys": bad})
	}

	ts := time.Now().UnixMilli()
	for _, rule := range rules {
		alerts, err := s.evaluateRule(ctx, rule, facts, RuleContext{ProbeID: probeID, State: &st, Timestamp: ts})
		if s.metrics != nil {
			s.metrics.RecordRuleEvaluation(probeID, rule.ID(), err != nil)
		}
		if err != nil {
			logging.Default().Error(ctx, "rule evaluation failed", err, map[string]interface{}{"probe_id": probeID, "rule_id": rule.ID()})
			continue
		}
		for _, alert := range alerts {
			if err := s.pipeline.Process(ctx, alert, &st); err != nil {
				logging.Default().Error(ctx, "alert pipeline failed", err, map[string]interface{}{"probe_id": probeID, "alert_id": alert.ID})
			}
		}
	}

	s.mu.Lock()
	cur, stillOwner := s.locks[probeID]
	s.mu.Unlock()
	if stillOwner && cur.Equal(acquiredAt) {
		if err := s.store.SaveProbeState(ctx, probeID, st); err != nil {
			saveErr := errs.StateStoreFailed("save_probe_state", err)
			logging.Default().Error(ctx, "save probe state failed", saveErr, map[string]interface{}{"probe_id": probeID})
		}
	}

	s.recordRun(ctx, probeID, state.RunSuccess, time.Since(start), "")
	logging.Default().LogProbeRun(ctx, probeID, string(state.RunSuccess), time.Since(start), nil)
	if s.metrics != nil {
		s.metrics.RecordProbeRun(probeID, string(state.RunSuccess), time.Since(start))
	}
}

// evaluateRule recovers a rule panic into an error so "a rule that throws
// is logged and skipped; other rules must still run" holds even for a
// buggy rule implementation, not just one returning an error. Both the
// panic and an ordinary returned error are tagged RuleError (spec §7) so
// the category survives into the caller's log line.
func (s *Scheduler) evaluateRule(ctx context.Context, rule Rule, facts Facts, rc RuleContext) (alerts []Alert, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.RuleFailed(rc.ProbeID, rule.ID(), fmt.Errorf("panic: %v", r))
		}
	}()
	alerts, rawErr := rule.Evaluate(ctx, facts, rc)
	if rawErr != nil {
		return alerts, errs.RuleFailed(rc.ProbeID, rule.ID(), rawErr)
	}
	return alerts, nil
}

// collectWithDeadline races Probe.Collect against timeout, per spec §4.6
// step 4. A missed deadline is tagged RunTimeout (spec §7) so recordRun
// persists the category in run_history's error_message.
func (s *Scheduler) collectWithDeadline(ctx context.Context, probeID string, probe Probe, st *state.ProbeState, timeout time.Duration) (Facts, error) {
	collectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		facts Facts
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		facts, err := probe.Collect(collectCtx, st)
		resultCh <- result{facts: facts, err: err}
	}()

	select {
	case r := <-resultCh:
		return r.facts, r.err
	case <-collectCtx.Done():
		return nil, errs.RunTimeout(probeID)
	}
}

// fireWatchdog tags the stale-lock release as Watchdog (spec §7) before
// synthesizing the system alert.
func (s *Scheduler) fireWatchdog(ctx context.Context, probeID string, heldFor time.Duration) {
	we := errs.WatchdogFired(probeID, heldFor.String())
	logging.Default().LogWatchdogFire(ctx, probeID, heldFor)
	logging.Default().Error(ctx, we.Error(), we, map[string]interface{}{"probe_id": probeID, "held_for": heldFor.String()})
	if s.metrics != nil {
		s.metrics.RecordWatchdogFire(probeID)
	}

	empty := state.NewProbeState()
	alert := Alert{
		ID:        StuckAlertID(probeID),
		ProbeID:   probeID,
		RuleID:    "system",
		Severity:  SeverityCritical,
		Title:     "Probe Stuck",
		Message:   fmt.Sprintf("probe %q held its single-flight lock for %s", probeID, heldFor),
		Timestamp: time.Now().UnixMilli(),
	}
	if err := s.pipeline.Process(ctx, alert, &empty); err != nil {
		logging.Default().Error(ctx, "watchdog alert pipeline failed", err, map[string]interface{}{"probe_id": probeID})
	}
}

// recordRun appends a run_history row. A status of state.RunError carries
// errMsg as produced by collectWithDeadline/LoadProbeState above: a missed
// deadline or a state-store failure carries the "[CODE]" category prefix
// from EngineError.Error(), while an error returned by the probe's own
// Collect is stored as the probe produced it.
func (s *Scheduler) recordRun(ctx context.Context, probeID string, status state.RunStatus, dur time.Duration, errMsg string) {
	if err := s.store.RecordRun(ctx, probeID, status, dur.Milliseconds(), errMsg); err != nil {
		storeErr := errs.StateStoreFailed("record_run", err)
		logging.Default().Error(ctx, "record run failed", storeErr, map[string]interface{}{"probe_id": probeID})
	}
}

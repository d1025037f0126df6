package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/sentryd/infrastructure/state"
)

// scriptedProbe.Collect blocks on a signal channel until closed (or
// returns immediately if never armed), letting a test hold the
// single-flight lock open on demand.
type scriptedProbe struct {
	block   chan struct{}
	facts   Facts
	collect int32
}

func (p *scriptedProbe) Collect(ctx context.Context, st *state.ProbeState) (Facts, error) {
	atomic.AddInt32(&p.collect, 1)
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.facts, nil
}

func (p *scriptedProbe) calls() int32 { return atomic.LoadInt32(&p.collect) }

func newTestScheduler(t *testing.T) (*Scheduler, state.Store) {
	t.Helper()
	store := state.NewMemoryStore(0)
	pipeline := NewAlertPipeline(store, NewChannelSet(), 0)
	return NewScheduler(context.Background(), store, pipeline), store
}

// Watchdog (spec.md §8 scenario 3): a probe whose Collect never returns
// holds the single-flight lock; once 2×timeout elapses, the next tick
// force-releases it and emits a {probeId}:system:stuck alert.
func TestSchedulerWatchdogFiresAfterDoubleTimeout(t *testing.T) {
	ch := newRecordingChannel("watchdog")
	store := state.NewMemoryStore(0)
	pipeline := NewAlertPipeline(store, NewChannelSet(), 0)
	pipeline.channels.Register(ch)
	s := NewScheduler(context.Background(), store, pipeline)

	probe := &scriptedProbe{block: make(chan struct{})}
	descriptor := ProbeDescriptor{ID: "stuck-probe", Timeout: 20 * time.Millisecond}
	entry := &probeEntry{descriptor: descriptor.withDefaults(), probe: probe, done: make(chan struct{})}

	ctx := context.Background()

	// First run: Collect blocks past its own timeout and returns a
	// collect error, but the lock is released normally by the deferred
	// cleanup (it is not "stuck" from the scheduler's point of view
	// until a *second* run observes the lock still held).
	done := make(chan struct{})
	go func() {
		s.runProbe(ctx, entry)
		close(done)
	}()

	// Give the first run time to acquire the lock, but keep Collect
	// blocked so the lock is still held when the second tick arrives.
	time.Sleep(5 * time.Millisecond)

	s.runProbe(ctx, entry) // second tick: lock still young, must be skipped
	assert.Equal(t, int32(1), probe.calls(), "a lock held within 2x timeout must not start a second collect")

	// Age the lock past 2x timeout by rewriting its acquired-at time,
	// then tick again: this run must observe staleness and fire.
	s.mu.Lock()
	s.locks["stuck-probe"] = time.Now().Add(-3 * descriptor.Timeout)
	s.mu.Unlock()

	s.runProbe(ctx, entry)
	assert.Equal(t, int32(2), probe.calls(), "watchdog force-release must allow a fresh collect to start")
	assert.Equal(t, 1, ch.count(), "watchdog fire must deliver a stuck alert")
	assert.Equal(t, StuckAlertID("stuck-probe"), ch.sent[0].ID)
	assert.Equal(t, SeverityCritical, ch.sent[0].Severity)

	close(probe.block)
	<-done
}

// Single-flight gate: two concurrent ticks for the same probe must never
// run Collect concurrently.
func TestSchedulerSingleFlightSerializesRuns(t *testing.T) {
	s, _ := newTestScheduler(t)
	var concurrent int32
	var maxConcurrent int32
	probe := &probeFunc{fn: func(ctx context.Context, st *state.ProbeState) (Facts, error) {
		n := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return Facts{}, nil
	}}
	descriptor := ProbeDescriptor{ID: "p", Timeout: time.Second}.withDefaults()
	entry := &probeEntry{descriptor: descriptor, probe: probe, done: make(chan struct{})}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runProbe(context.Background(), entry)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&maxConcurrent), int32(1), "single-flight must prevent overlapping collects")
}

type probeFunc struct {
	fn func(ctx context.Context, st *state.ProbeState) (Facts, error)
}

func (p *probeFunc) Collect(ctx context.Context, st *state.ProbeState) (Facts, error) {
	return p.fn(ctx, st)
}

func TestSchedulerRunOnceUnknownProbe(t *testing.T) {
	s, _ := newTestScheduler(t)
	err := s.RunOnce(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestSchedulerEnableDisableIdempotent(t *testing.T) {
	s, _ := newTestScheduler(t)
	probe := &scriptedProbe{facts: Facts{}}
	s.AddProbe(ProbeDescriptor{ID: "p", Interval: time.Hour, Timeout: time.Second}, probe, nil)

	assert.Contains(t, s.RunningProbes(), "p")

	require.NoError(t, s.Disable("p"))
	require.NoError(t, s.Disable("p")) // idempotent
	assert.NotContains(t, s.RunningProbes(), "p")

	require.NoError(t, s.Enable("p"))
	require.NoError(t, s.Enable("p")) // idempotent
	assert.Contains(t, s.RunningProbes(), "p")

	s.Stop()
}

// Mute during an alert storm (spec.md §8 scenario 5): muting a probe
// suppresses delivery for every alert produced while muted, and a
// subsequent Unmute restores normal delivery.
func TestSchedulerMuteSuppressesAlertStorm(t *testing.T) {
	ch := newRecordingChannel("storm")
	store := state.NewMemoryStore(0)
	pipeline := NewAlertPipeline(store, NewChannelSet(), 0)
	pipeline.channels.Register(ch)
	s := NewScheduler(context.Background(), store, pipeline)

	rule := newThresholdRule(RuleDescriptor{ID: "r", Fact: "metric.x", Operator: OpGT, Threshold: 0})
	ctx := context.Background()

	// Five muted runs end on a non-triggered value (status reset to
	// "ok"), so the sixth, post-unmute run crosses a fresh edge.
	values := []float64{1, -1, 2, -1, -1, 5}
	i := 0
	probe := &probeFunc{fn: func(ctx context.Context, st *state.ProbeState) (Facts, error) {
		v := values[i]
		i++
		return Facts{"metric.x": FloatFact(v)}, nil
	}}

	descriptor := ProbeDescriptor{ID: "storm-probe", Timeout: time.Second}.withDefaults()
	entry := &probeEntry{descriptor: descriptor, probe: probe, rules: []Rule{rule}, done: make(chan struct{})}
	s.mu.Lock()
	s.probes["storm-probe"] = entry
	s.mu.Unlock()

	require.NoError(t, s.Mute(ctx, "storm-probe", 30))

	for n := 0; n < 5; n++ {
		require.NoError(t, s.RunOnce(ctx, "storm-probe"))
	}
	assert.Equal(t, 0, ch.count(), "every alert while muted must be suppressed")

	require.NoError(t, s.Unmute(ctx, "storm-probe"))
	require.NoError(t, s.RunOnce(ctx, "storm-probe"))
	assert.Equal(t, 1, ch.count(), "alert delivered normally once unmuted")

	s.Stop()
}

package state

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/sentryd/infrastructure/cache"
)

const memoryStoreHorizon = 100 * 365 * 24 * time.Hour

// MemoryStore is an in-process Store, used in development and by the
// engine's own test suite. Probe state is backed by
// infrastructure/cache.Cache (a plain TTL map fits it exactly: lookup by
// probeId, no enumeration needed). Dedup/cooldown/run-history need
// ordered enumeration for the façade's "recent" views, so they keep
// their own slices/maps under a mutex; expiry for them is computed by
// comparing stored timestamps against the caller-supplied ttl/window,
// exactly as the SQL-backed Store does.
type MemoryStore struct {
	mu sync.Mutex

	probe *cache.Cache

	dedup      map[string]DedupRecord
	dedupOrder []string

	cooldown map[string]time.Time

	runs    []RunRecord
	maxRuns int

	now func() time.Time
}

// NewMemoryStore creates a MemoryStore retaining up to maxRuns run
// history rows (0 means unbounded).
func NewMemoryStore(maxRuns int) *MemoryStore {
	return &MemoryStore{
		probe:    cache.NewCache(cache.CacheConfig{DefaultTTL: memoryStoreHorizon, CleanupInterval: time.Hour}),
		dedup:    make(map[string]DedupRecord),
		cooldown: make(map[string]time.Time),
		maxRuns:  maxRuns,
		now:      time.Now,
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) LoadProbeState(ctx context.Context, probeID string) (ProbeState, error) {
	if v, ok := s.probe.Get(probeID); ok {
		return cloneProbeState(v.(ProbeState)), nil
	}
	return NewProbeState(), nil
}

func (s *MemoryStore) SaveProbeState(ctx context.Context, probeID string, st ProbeState) error {
	s.probe.Set(probeID, cloneProbeState(st), 0)
	return nil
}

func (s *MemoryStore) IsAlertSent(ctx context.Context, alertID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.dedup[alertID]
	if !ok {
		return false, nil
	}
	if ttl <= 0 {
		return true, nil
	}
	return s.now().Sub(rec.SentAt) < ttl, nil
}

func (s *MemoryStore) RecordAlert(ctx context.Context, alertID, probeID, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.dedup[alertID]; ok {
		return nil
	}
	s.dedup[alertID] = DedupRecord{AlertID: alertID, ProbeID: probeID, RuleID: ruleID, SentAt: s.now()}
	s.dedupOrder = append(s.dedupOrder, alertID)
	return nil
}

func (s *MemoryStore) IsInCooldown(ctx context.Context, key string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lastSentAt, ok := s.cooldown[key]
	if !ok {
		return false, nil
	}
	return s.now().Sub(lastSentAt) < window, nil
}

func (s *MemoryStore) RecordCooldown(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cooldown[key] = s.now()
	return nil
}

func (s *MemoryStore) RecordRun(ctx context.Context, probeID string, status RunStatus, durationMs int64, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs = append(s.runs, RunRecord{
		ProbeID:      probeID,
		Status:       status,
		DurationMs:   durationMs,
		ErrorMessage: errorMessage,
		CreatedAt:    s.now(),
	})
	if s.maxRuns > 0 && len(s.runs) > s.maxRuns {
		s.runs = s.runs[len(s.runs)-s.maxRuns:]
	}
	return nil
}

func (s *MemoryStore) RecentAlerts(ctx context.Context, limit int) ([]DedupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.dedupOrder)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]DedupRecord, 0, limit)
	for i := 0; i < limit; i++ {
		id := s.dedupOrder[n-1-i]
		out = append(out, s.dedup[id])
	}
	return out, nil
}

func (s *MemoryStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.runs)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]RunRecord, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.runs[n-1-i]
	}
	return out, nil
}

func (s *MemoryStore) Close(ctx context.Context) error { return nil }

func cloneProbeState(src ProbeState) ProbeState {
	dst := NewProbeState()
	for k, v := range src.Probe {
		dst.Probe[k] = v
	}
	for ruleID, vals := range src.Rule {
		m := make(map[string]interface{}, len(vals))
		for k, v := range vals {
			m[k] = v
		}
		dst.Rule[ruleID] = m
	}
	return dst
}

// Package state implements the engine's StateStore (spec §4.1): durable
// key/value persistence for probe state, rule state, dedup records,
// cooldown records, and a bounded run-history log. All operations are
// synchronous and atomic at the record level.
package state

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is an error value for an absent key. No Store method in
// this package returns it: LoadProbeState returns a zero-value ProbeState
// instead of erroring on absence (spec §4.1).
var ErrNotFound = errors.New("state: not found")

// ProbeState is the per-probe continuity record (spec §3). Rule is
// keyed by ruleId; a rule only ever reads/writes its own slot.
type ProbeState struct {
	Probe map[string]interface{}            `json:"probe"`
	Rule  map[string]map[string]interface{} `json:"rule"`
}

// NewProbeState returns an empty, ready-to-use ProbeState, matching the
// zero value LoadProbeState returns for a probe seen for the first time.
func NewProbeState() ProbeState {
	return ProbeState{
		Probe: make(map[string]interface{}),
		Rule:  make(map[string]map[string]interface{}),
	}
}

// RuleState returns (creating if absent) the private continuity slot for
// ruleID. The returned map is the live map held by ProbeState.Rule;
// mutations are visible through ProbeState and persisted on save.
func (s *ProbeState) RuleState(ruleID string) map[string]interface{} {
	if s.Rule == nil {
		s.Rule = make(map[string]map[string]interface{})
	}
	if s.Probe == nil {
		s.Probe = make(map[string]interface{})
	}
	r, ok := s.Rule[ruleID]
	if !ok {
		r = make(map[string]interface{})
		s.Rule[ruleID] = r
	}
	return r
}

// RunStatus is the outcome of one scheduler tick (spec §3 RunRecord).
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// RunRecord is one append-only row in the bounded run-history log.
type RunRecord struct {
	ProbeID      string
	Status       RunStatus
	DurationMs   int64
	ErrorMessage string
	CreatedAt    time.Time
}

// DedupRecord is a (alertId -> sent_at) row.
type DedupRecord struct {
	AlertID string
	ProbeID string
	RuleID  string
	SentAt  time.Time
}

// Store is the StateStore contract from spec §4.1. All seven operations
// are synchronous and atomic at the record level; the store is expected
// to be used by a single engine instance (not a multi-writer store).
type Store interface {
	// Migrate creates all tables idempotently; safe to call on every
	// startup, preserving existing data across restarts.
	Migrate(ctx context.Context) error

	// LoadProbeState returns {probe:{}, rule:{}} if probeID has never
	// been seen; it never errors for absence.
	LoadProbeState(ctx context.Context, probeID string) (ProbeState, error)
	// SaveProbeState upserts probeID's state and stamps updated_at.
	SaveProbeState(ctx context.Context, probeID string, state ProbeState) error

	// IsAlertSent reports whether alertID has a DedupRecord. If ttl > 0,
	// the record only counts while now-sent_at < ttl; ttl == 0 means
	// permanent dedup.
	IsAlertSent(ctx context.Context, alertID string, ttl time.Duration) (bool, error)
	// RecordAlert is insert-or-ignore: a second call with the same
	// alertID is a silent no-op.
	RecordAlert(ctx context.Context, alertID, probeID, ruleID string) error

	// IsInCooldown reports whether key has a CooldownRecord newer than
	// window.
	IsInCooldown(ctx context.Context, key string, window time.Duration) (bool, error)
	// RecordCooldown upserts key's last_sent_at to now.
	RecordCooldown(ctx context.Context, key string) error

	// RecordRun appends one run-history row.
	RecordRun(ctx context.Context, probeID string, status RunStatus, durationMs int64, errorMessage string) error

	// RecentAlerts returns the last limit DedupRecords, most recent
	// first, for the engine façade's admin-surface view.
	RecentAlerts(ctx context.Context, limit int) ([]DedupRecord, error)
	// RecentRuns returns the last limit RunRecords, most recent first.
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)

	Close(ctx context.Context) error
}

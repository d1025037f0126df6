package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// SQLStore is a Postgres-backed Store. Probe/rule continuity is stored as
// a single JSON blob per probe (cheap to version, no schema migration per
// rule type); dedup, cooldown and run history get their own tables since
// the façade needs ordered, filtered queries over them.
type SQLStore struct {
	db      *sqlx.DB
	maxRuns int
}

// NewSQLStore wraps an already-opened *sql.DB. Callers are expected to
// have built it with sql.Open("postgres", dsn) (or sqlx.Connect); NewSQLStore
// just adopts the connection and does not own its lifecycle beyond Close.
// maxRuns bounds sentryd_run_history the same way MemoryStore bounds its
// in-memory slice (spec §3: run history is "append-only, bounded by
// retention policy at the StateStore level"); 0 leaves it unbounded.
func NewSQLStore(db *sql.DB, maxRuns int) *SQLStore {
	return &SQLStore{db: sqlx.NewDb(db, "postgres"), maxRuns: maxRuns}
}

// OpenSQLStore opens a new Postgres connection pool for dsn and returns a
// ready-to-use SQLStore. Callers should still call Migrate before first use.
func OpenSQLStore(dsn string, maxRuns int) (*SQLStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("state: connect postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLStore{db: db, maxRuns: maxRuns}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS sentryd_probe_state (
	probe_id   TEXT PRIMARY KEY,
	state      JSONB NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sentryd_sent_alerts (
	alert_id TEXT PRIMARY KEY,
	probe_id TEXT NOT NULL,
	rule_id  TEXT NOT NULL,
	sent_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sentryd_sent_alerts_sent_at_idx ON sentryd_sent_alerts (sent_at DESC);

CREATE TABLE IF NOT EXISTS sentryd_cooldowns (
	cooldown_key TEXT PRIMARY KEY,
	last_sent_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sentryd_run_history (
	id            BIGSERIAL PRIMARY KEY,
	probe_id      TEXT NOT NULL,
	status        TEXT NOT NULL,
	duration_ms   BIGINT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS sentryd_run_history_created_at_idx ON sentryd_run_history (created_at DESC);
`

// Migrate creates all tables idempotently.
func (s *SQLStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("state: migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) LoadProbeState(ctx context.Context, probeID string) (ProbeState, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM sentryd_probe_state WHERE probe_id = $1`, probeID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return NewProbeState(), nil
	}
	if err != nil {
		return ProbeState{}, fmt.Errorf("state: load probe state for %q: %w", probeID, err)
	}

	st := NewProbeState()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &st); err != nil {
			return ProbeState{}, fmt.Errorf("state: decode probe state for %q: %w", probeID, err)
		}
	}
	if st.Probe == nil {
		st.Probe = make(map[string]interface{})
	}
	if st.Rule == nil {
		st.Rule = make(map[string]map[string]interface{})
	}
	return st, nil
}

func (s *SQLStore) SaveProbeState(ctx context.Context, probeID string, state ProbeState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("state: encode probe state for %q: %w", probeID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sentryd_probe_state (probe_id, state, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (probe_id) DO UPDATE SET state = $2, updated_at = $3
	`, probeID, raw, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("state: save probe state for %q: %w", probeID, err)
	}
	return nil
}

func (s *SQLStore) IsAlertSent(ctx context.Context, alertID string, ttl time.Duration) (bool, error) {
	var sentAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT sent_at FROM sentryd_sent_alerts WHERE alert_id = $1`, alertID).Scan(&sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("state: is alert sent %q: %w", alertID, err)
	}
	if ttl <= 0 {
		return true, nil
	}
	return time.Since(sentAt) < ttl, nil
}

func (s *SQLStore) RecordAlert(ctx context.Context, alertID, probeID, ruleID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sentryd_sent_alerts (alert_id, probe_id, rule_id, sent_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (alert_id) DO NOTHING
	`, alertID, probeID, ruleID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("state: record alert %q: %w", alertID, err)
	}
	return nil
}

func (s *SQLStore) IsInCooldown(ctx context.Context, key string, window time.Duration) (bool, error) {
	var lastSentAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT last_sent_at FROM sentryd_cooldowns WHERE cooldown_key = $1`, key).Scan(&lastSentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("state: is in cooldown %q: %w", key, err)
	}
	return time.Since(lastSentAt) < window, nil
}

func (s *SQLStore) RecordCooldown(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sentryd_cooldowns (cooldown_key, last_sent_at)
		VALUES ($1, $2)
		ON CONFLICT (cooldown_key) DO UPDATE SET last_sent_at = $2
	`, key, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("state: record cooldown %q: %w", key, err)
	}
	return nil
}

func (s *SQLStore) RecordRun(ctx context.Context, probeID string, status RunStatus, durationMs int64, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sentryd_run_history (probe_id, status, duration_ms, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, probeID, string(status), durationMs, errorMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("state: record run for %q: %w", probeID, err)
	}
	return s.pruneRunHistory(ctx)
}

// pruneRunHistory trims sentryd_run_history down to maxRuns rows, keeping
// the most recent ones, mirroring MemoryStore's in-memory cap so the
// table stays "bounded by retention policy at the StateStore level"
// (spec §3) instead of growing unbounded under a SQL backend. A no-op
// when maxRuns <= 0.
func (s *SQLStore) pruneRunHistory(ctx context.Context) error {
	if s.maxRuns <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM sentryd_run_history
		WHERE id NOT IN (
			SELECT id FROM sentryd_run_history
			ORDER BY created_at DESC
			LIMIT $1
		)
	`, s.maxRuns)
	if err != nil {
		return fmt.Errorf("state: prune run history: %w", err)
	}
	return nil
}

func (s *SQLStore) RecentAlerts(ctx context.Context, limit int) ([]DedupRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT alert_id, probe_id, rule_id, sent_at
		FROM sentryd_sent_alerts
		ORDER BY sent_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("state: recent alerts: %w", err)
	}
	defer rows.Close()

	var out []DedupRecord
	for rows.Next() {
		var rec DedupRecord
		if err := rows.Scan(&rec.AlertID, &rec.ProbeID, &rec.RuleID, &rec.SentAt); err != nil {
			return nil, fmt.Errorf("state: scan recent alert: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT probe_id, status, duration_ms, error_message, created_at
		FROM sentryd_run_history
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("state: recent runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var status string
		if err := rows.Scan(&rec.ProbeID, &status, &rec.DurationMs, &rec.ErrorMessage, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("state: scan recent run: %w", err)
		}
		rec.Status = RunStatus(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close(ctx context.Context) error {
	return s.db.Close()
}

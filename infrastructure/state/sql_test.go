package state

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &SQLStore{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestSQLStoreMigrate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLStoreLoadProbeStateNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT state FROM sentryd_probe_state").
		WithArgs("probe-1").
		WillReturnError(sql.ErrNoRows)

	st, err := s.LoadProbeState(context.Background(), "probe-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(st.Probe) != 0 || len(st.Rule) != 0 {
		t.Fatalf("expected empty state for unseen probe, got %+v", st)
	}
}

func TestSQLStoreLoadProbeStateFound(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"state"}).AddRow([]byte(`{"probe":{"last_value":42},"rule":{"rule-a":{"streak":3}}}`))
	mock.ExpectQuery("SELECT state FROM sentryd_probe_state").
		WithArgs("probe-1").
		WillReturnRows(rows)

	st, err := s.LoadProbeState(context.Background(), "probe-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Probe["last_value"].(float64) != 42 {
		t.Fatalf("expected last_value=42, got %v", st.Probe["last_value"])
	}
	if st.RuleState("rule-a")["streak"].(float64) != 3 {
		t.Fatalf("expected streak=3, got %v", st.RuleState("rule-a")["streak"])
	}
}

func TestSQLStoreSaveProbeState(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO sentryd_probe_state").
		WillReturnResult(sqlmock.NewResult(0, 1))

	st := NewProbeState()
	st.Probe["x"] = 1
	if err := s.SaveProbeState(context.Background(), "probe-1", st); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLStoreIsAlertSent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT sent_at FROM sentryd_sent_alerts").
		WithArgs("alert-1").
		WillReturnError(sql.ErrNoRows)
	sent, err := s.IsAlertSent(context.Background(), "alert-1", 0)
	if err != nil || sent {
		t.Fatalf("expected not sent, got sent=%v err=%v", sent, err)
	}

	rows := sqlmock.NewRows([]string{"sent_at"}).AddRow(time.Now().Add(-time.Hour))
	mock.ExpectQuery("SELECT sent_at FROM sentryd_sent_alerts").
		WithArgs("alert-1").
		WillReturnRows(rows)
	sent, err = s.IsAlertSent(context.Background(), "alert-1", time.Minute)
	if err != nil {
		t.Fatalf("is alert sent: %v", err)
	}
	if sent {
		t.Fatalf("expected ttl to have expired for a sent_at 1h in the past with ttl=1m")
	}
}

func TestSQLStoreRecordAlert(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO sentryd_sent_alerts").
		WithArgs("alert-1", "probe-1", "rule-a", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.RecordAlert(context.Background(), "alert-1", "probe-1", "rule-a"); err != nil {
		t.Fatalf("record alert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLStoreCooldown(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT last_sent_at FROM sentryd_cooldowns").
		WithArgs("probe-1:rule-a").
		WillReturnError(sql.ErrNoRows)
	in, err := s.IsInCooldown(context.Background(), "probe-1:rule-a", time.Minute)
	if err != nil || in {
		t.Fatalf("expected not in cooldown, got in=%v err=%v", in, err)
	}

	mock.ExpectExec("INSERT INTO sentryd_cooldowns").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.RecordCooldown(context.Background(), "probe-1:rule-a"); err != nil {
		t.Fatalf("record cooldown: %v", err)
	}
}

func TestSQLStoreRecordRun(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO sentryd_run_history").
		WithArgs("probe-1", "success", int64(120), "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.RecordRun(context.Background(), "probe-1", RunSuccess, 120, ""); err != nil {
		t.Fatalf("record run: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// TestSQLStoreRecordRunPrunesHistory covers the retention cap (spec §3:
// run history is "bounded by retention policy at the StateStore level"),
// mirroring MemoryStore's maxRuns. A positive maxRuns must trigger the
// prune DELETE after every insert.
func TestSQLStoreRecordRunPrunesHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := &SQLStore{db: sqlx.NewDb(db, "postgres"), maxRuns: 100}

	mock.ExpectExec("INSERT INTO sentryd_run_history").
		WithArgs("probe-1", "success", int64(120), "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("DELETE FROM sentryd_run_history").
		WithArgs(100).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.RecordRun(context.Background(), "probe-1", RunSuccess, 120, ""); err != nil {
		t.Fatalf("record run: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLStoreRecentRuns(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"probe_id", "status", "duration_ms", "error_message", "created_at"}).
		AddRow("probe-1", "success", int64(10), "", time.Now()).
		AddRow("probe-1", "error", int64(20), "boom", time.Now())
	mock.ExpectQuery("SELECT probe_id, status, duration_ms, error_message, created_at FROM sentryd_run_history").
		WillReturnRows(rows)

	runs, err := s.RecentRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[1].Status != RunError || runs[1].ErrorMessage != "boom" {
		t.Fatalf("unexpected second run: %+v", runs[1])
	}
}

func TestSQLStoreClose(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectClose()
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}

var _ Store = (*SQLStore)(nil)

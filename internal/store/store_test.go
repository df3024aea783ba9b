package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roastlabs/ingestion/internal/roast"
)

var testOrigin = roast.Origin{OrgID: "acme", SiteID: "berlin", MachineID: "r1"}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", filepath.Join(t.TempDir(), "ingestion.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func startSession(t *testing.T, s *Store, sessionID string, startedAt time.Time) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.UpsertSessionStart(context.Background(), sessionID, testOrigin, startedAt)
	}))
}

func TestUpsertSessionStartNeverOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	startSession(t, s, "S-1", started)
	startSession(t, s, "S-1", started.Add(time.Hour)) // later envelope, same session

	sum, err := s.GetSession(ctx, "S-1")
	require.NoError(t, err)
	assert.Equal(t, started, sum.StartedAt)
	assert.Equal(t, roast.StatusActive, sum.Status)
	assert.Equal(t, testOrigin, sum.SessionOrigin())
}

func TestTrustCounterInvariant(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	startSession(t, s, "S-1", time.Now())

	annotations := []roast.TrustAnnotation{
		{Verified: true, KID: "dev-1"},
		{Reason: roast.ReasonMissingSig},
		{Reason: roast.ReasonMissingKID},
		{Reason: roast.ReasonBadSignature, KID: "dev-2"},
		{Reason: roast.ReasonUnknownKID, KID: "dev-3"},
		{Reason: roast.ReasonRevokedKey, KID: "dev-4"},
	}
	for _, ann := range annotations {
		require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
			return tx.ApplyTrustCounters(ctx, "S-1", ann)
		}))
	}

	sum, err := s.GetSession(ctx, "S-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), sum.TelemetryPoints)
	assert.Equal(t, int64(1), sum.VerifiedPoints)
	assert.Equal(t, int64(2), sum.UnsignedPoints, "MISSING_SIG and MISSING_KID are unsigned")
	assert.Equal(t, int64(3), sum.FailedPoints)
	assert.Equal(t, sum.TelemetryPoints,
		sum.VerifiedPoints+sum.UnsignedPoints+sum.FailedPoints)
}

func TestMaxBeanTempMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	startSession(t, s, "S-1", time.Now())

	for _, bt := range []float64{150, 201.5, 180} {
		require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
			return tx.SetMaxBeanTemp(ctx, "S-1", bt)
		}))
	}

	sum, err := s.GetSession(ctx, "S-1")
	require.NoError(t, err)
	require.NotNil(t, sum.MaxBeanTempC)
	assert.Equal(t, 201.5, *sum.MaxBeanTempC, "running maximum never decreases")
}

func TestSetOnceFields(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	startSession(t, s, "S-1", time.Now())

	write := func(v float64) error {
		return s.WithTx(ctx, func(tx *Tx) error { return tx.SetFCSeconds(ctx, "S-1", v) })
	}
	require.NoError(t, write(180))
	require.NoError(t, write(180), "equal-value rewrite is a no-op")

	err := write(200)
	var conflict *FieldConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 180.0, conflict.Have)

	sum, err := s.GetSession(ctx, "S-1")
	require.NoError(t, err)
	require.NotNil(t, sum.FCSeconds)
	assert.Equal(t, 180.0, *sum.FCSeconds, "first value wins")
}

func TestCloseSessionIsTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	startSession(t, s, "S-1", started)

	ended := started.Add(6 * time.Minute)
	var first, second bool
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		var err error
		first, err = tx.CloseSession(ctx, "S-1", ended, 360)
		return err
	}))
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		var err error
		second, err = tx.CloseSession(ctx, "S-1", ended.Add(time.Minute), 420)
		return err
	}))
	assert.True(t, first)
	assert.False(t, second, "CLOSED is terminal")

	sum, err := s.GetSession(ctx, "S-1")
	require.NoError(t, err)
	assert.Equal(t, roast.StatusClosed, sum.Status)
	require.NotNil(t, sum.EndedAt)
	assert.Equal(t, ended, *sum.EndedAt)
	require.NotNil(t, sum.DurationSeconds)
	assert.Equal(t, 360.0, *sum.DurationSeconds)
}

func TestDeviceIDSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	startSession(t, s, "S-1", time.Now())

	for _, kid := range []string{"dev-1", "dev-2", "dev-1", ""} {
		require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
			return tx.AddDeviceID(ctx, "S-1", kid)
		}))
	}

	sum, err := s.GetSession(ctx, "S-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-1", "dev-2"}, sum.DeviceIDs)
}

func TestListSessionsFilterAndPagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	other := roast.Origin{OrgID: "rival", SiteID: "oslo", MachineID: "m9"}
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		for i, id := range []string{"S-1", "S-2", "S-3"} {
			if err := tx.UpsertSessionStart(ctx, id, testOrigin, base.Add(time.Duration(i)*time.Hour)); err != nil {
				return err
			}
		}
		return tx.UpsertSessionStart(ctx, "S-other", other, base)
	}))
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.CloseSession(ctx, "S-1", base.Add(time.Minute), 60)
		return err
	}))

	all, err := s.ListSessions(ctx, SessionFilter{OrgID: "acme"}, 50, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "S-3", all[0].SessionID, "newest-first ordering")

	closed, err := s.ListSessions(ctx, SessionFilter{OrgID: "acme", Status: roast.StatusClosed}, 50, 0)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, "S-1", closed[0].SessionID)

	page, err := s.ListSessions(ctx, SessionFilter{OrgID: "acme"}, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "S-2", page[0].SessionID)
}

func TestTelemetryWindowQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	startSession(t, s, "S-1", base)

	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		for _, elapsed := range []float64{30, 0, 60, 90} { // inserted out of order
			env := &roast.Envelope{
				TS:        base.Add(time.Duration(elapsed) * time.Second),
				Origin:    testOrigin,
				Kind:      roast.TopicTelemetry,
				SessionID: "S-1",
				Telemetry: &roast.TelemetrySample{ElapsedSeconds: elapsed},
				Raw:       json.RawMessage(`{}`),
			}
			if err := tx.AppendTelemetry(ctx, env); err != nil {
				return err
			}
		}
		return nil
	}))

	from, to := 30.0, 60.0
	samples, err := s.GetTelemetry(ctx, "S-1", TelemetryQuery{Limit: 100, FromElapsed: &from, ToElapsed: &to})
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, 30.0, samples[0].ElapsedSeconds, "ascending by elapsedSeconds")
	assert.Equal(t, 60.0, samples[1].ElapsedSeconds)
	assert.Equal(t, testOrigin, samples[0].Origin)
}

func TestReportIdempotency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	startSession(t, s, "S-1", time.Now())

	first, created, err := s.CreateReport(ctx, "S-1", DefaultReportKind, json.RawMessage(`{"score":92}`))
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := s.CreateReport(ctx, "S-1", DefaultReportKind, json.RawMessage(`{"score":55}`))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ReportID, second.ReportID)
	assert.JSONEq(t, `{"score":92}`, string(second.Body), "first body preserved")

	reports, err := s.ListReports(ctx, "S-1", 50, 0)
	require.NoError(t, err)
	assert.Len(t, reports, 1)

	exists, err := s.HasReport(ctx, "S-1", DefaultReportKind)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestReportKindMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	// Build a version-1 database with pre-report_kind rows: a duplicate
	// pair for S-1 and one body missing the reportKind field.
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = db.ExecContext(ctx, `CREATE TABLE schema_migrations (version INTEGER PRIMARY KEY)`)
	require.NoError(t, err)
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, migrateBaseSchema(ctx, tx, "sqlite3"))
	_, err = tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (1)`)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	_, err = db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, org_id, site_id, machine_id, started_at)
		VALUES ('S-1', 'acme', 'berlin', 'r1', '2026-08-01T10:00:00Z')`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
		INSERT INTO session_reports (report_id, session_id, body, created_at) VALUES
		('r-old', 'S-1', '{"score":10}', '2026-08-01T11:00:00Z'),
		('r-new', 'S-1', '{"score":20,"reportKind":"POST_ROAST_V1"}', '2026-08-02T11:00:00Z')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Reopening runs the forward migration.
	s, err := Open("", path)
	require.NoError(t, err)
	defer s.Close()

	reports, err := s.ListReports(ctx, "S-1", 50, 0)
	require.NoError(t, err)
	require.Len(t, reports, 1, "duplicate older row dropped")
	assert.Equal(t, "r-new", reports[0].ReportID, "newest row kept")
	assert.Equal(t, DefaultReportKind, reports[0].ReportKind)

	// A second same-kind create now hits the idempotency path.
	_, created, err := s.CreateReport(ctx, "S-1", DefaultReportKind, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, created)
}

func TestClosureSignals(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	startSession(t, s, "S-1", base)

	bt := 180.0
	require.NoError(t, s.WithTx(ctx, func(tx *Tx) error {
		for _, elapsed := range []float64{0, 300} {
			env := &roast.Envelope{
				TS: base.Add(time.Duration(elapsed) * time.Second), Origin: testOrigin,
				Kind: roast.TopicTelemetry, SessionID: "S-1",
				Telemetry: &roast.TelemetrySample{ElapsedSeconds: elapsed, BeanTempC: &bt},
				Raw:       json.RawMessage(`{}`),
			}
			if err := tx.AppendTelemetry(ctx, env); err != nil {
				return err
			}
		}
		_, err := tx.CloseSession(ctx, "S-1", base.Add(6*time.Minute), 360)
		return err
	}))

	sig, err := s.ClosureSignals(ctx, "S-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), sig.TelemetryPoints)
	assert.True(t, sig.HasBT)
	assert.False(t, sig.HasET)
	assert.Equal(t, 360.0, sig.DurationSec)
	assert.Equal(t, 60.0, sig.LastTelemetryDeltaSec, "duration minus last elapsed, clamped ≥ 0")
}

func TestMetaNotesOverrides(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	startSession(t, s, "S-1", time.Now())

	_, err := s.GetMeta(ctx, "S-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutMeta(ctx, "S-1", json.RawMessage(`{"bean":"ethiopia"}`)))
	require.NoError(t, s.PutMeta(ctx, "S-1", json.RawMessage(`{"bean":"kenya"}`)))
	meta, err := s.GetMeta(ctx, "S-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"bean":"kenya"}`, string(meta))

	note, err := s.AddNote(ctx, "S-1", "qc@acme", json.RawMessage(`{"text":"slightly underdeveloped"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, note.NoteID)
	notes, err := s.ListNotes(ctx, "S-1", 50, 0)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "qc@acme", notes[0].Author)

	require.NoError(t, s.PutOverrides(ctx, "S-1", json.RawMessage(`{"fcSeconds":175}`)))
	overrides, err := s.GetOverrides(ctx, "S-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"fcSeconds":175}`, string(overrides))
}

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roastlabs/ingestion/internal/roast"
)

// AppendTelemetry inserts one sample row. The full wire payload is retained
// verbatim in raw_json for later analytical queries.
func (t *Tx) AppendTelemetry(ctx context.Context, env *roast.Envelope) error {
	sample := env.Telemetry
	_, err := t.exec(ctx, `
		INSERT INTO telemetry_points
			(session_id, ts, elapsed_seconds, bt_c, et_c, ror_c_per_min, ambient_c, raw_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		env.SessionID, encodeTime(env.TS), sample.ElapsedSeconds,
		floatArg(sample.BeanTempC), floatArg(sample.EnvTempC),
		floatArg(sample.RoRCPerMin), floatArg(sample.AmbientC),
		string(env.Raw))
	if err != nil {
		return fmt.Errorf("append telemetry for %s: %w", env.SessionID, err)
	}
	return nil
}

// AppendEvent inserts one event row.
func (t *Tx) AppendEvent(ctx context.Context, env *roast.Envelope) error {
	var elapsed any
	if v, ok := env.Event.ElapsedSeconds(); ok {
		elapsed = v
	}
	_, err := t.exec(ctx, `
		INSERT INTO events (session_id, ts, elapsed_seconds, type, raw_json)
		VALUES (?, ?, ?, ?, ?)`,
		env.SessionID, encodeTime(env.TS), elapsed, string(env.Event.Type), string(env.Raw))
	if err != nil {
		return fmt.Errorf("append event for %s: %w", env.SessionID, err)
	}
	return nil
}

func floatArg(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// TelemetryQuery bounds a telemetry read. Zero From/To pointers are open.
type TelemetryQuery struct {
	Limit       int
	FromElapsed *float64
	ToElapsed   *float64
}

// GetTelemetry returns a session's samples ordered by elapsedSeconds
// ascending, optionally bounded by an elapsed window.
func (s *Store) GetTelemetry(ctx context.Context, sessionID string, q TelemetryQuery) ([]*roast.StoredTelemetry, error) {
	query := `
		SELECT t.session_id, s.org_id, s.site_id, s.machine_id, t.ts,
			t.elapsed_seconds, t.bt_c, t.et_c, t.ror_c_per_min, t.ambient_c, t.raw_json
		FROM telemetry_points t
		JOIN sessions s ON s.session_id = t.session_id
		WHERE t.session_id = ?`
	args := []any{sessionID}
	if q.FromElapsed != nil {
		query += ` AND t.elapsed_seconds >= ?`
		args = append(args, *q.FromElapsed)
	}
	if q.ToElapsed != nil {
		query += ` AND t.elapsed_seconds <= ?`
		args = append(args, *q.ToElapsed)
	}
	query += ` ORDER BY t.elapsed_seconds ASC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get telemetry for %s: %w", sessionID, err)
	}
	defer rows.Close()

	samples := make([]*roast.StoredTelemetry, 0)
	for rows.Next() {
		var st roast.StoredTelemetry
		var ts, raw string
		var btC, etC, ror, ambientC sql.NullFloat64
		if err := rows.Scan(&st.SessionID, &st.Origin.OrgID, &st.Origin.SiteID, &st.Origin.MachineID,
			&ts, &st.ElapsedSeconds, &btC, &etC, &ror, &ambientC, &raw); err != nil {
			return nil, err
		}
		if st.TS, err = decodeTime(ts); err != nil {
			return nil, err
		}
		st.BeanTempC = nullFloat(btC)
		st.EnvTempC = nullFloat(etC)
		st.RoRCPerMin = nullFloat(ror)
		st.AmbientC = nullFloat(ambientC)
		st.Raw = []byte(raw)
		samples = append(samples, &st)
	}
	return samples, rows.Err()
}

// GetEvents returns a session's events ordered by ts ascending.
func (s *Store) GetEvents(ctx context.Context, sessionID string) ([]*roast.StoredEvent, error) {
	rows, err := s.query(ctx, `
		SELECT e.session_id, s.org_id, s.site_id, s.machine_id, e.ts,
			e.elapsed_seconds, e.type, e.raw_json
		FROM events e
		JOIN sessions s ON s.session_id = e.session_id
		WHERE e.session_id = ?
		ORDER BY e.ts ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get events for %s: %w", sessionID, err)
	}
	defer rows.Close()

	events := make([]*roast.StoredEvent, 0)
	for rows.Next() {
		var (
			se      roast.StoredEvent
			ts, raw string
			typ     string
			elapsed sql.NullFloat64
		)
		if err := rows.Scan(&se.SessionID, &se.Origin.OrgID, &se.Origin.SiteID, &se.Origin.MachineID,
			&ts, &elapsed, &typ, &raw); err != nil {
			return nil, err
		}
		if se.TS, err = decodeTime(ts); err != nil {
			return nil, err
		}
		se.Type = roast.EventType(typ)
		se.ElapsedSeconds = nullFloat(elapsed)
		se.Raw = []byte(raw)
		events = append(events, &se)
	}
	return events, rows.Err()
}

// ClosureSignals aggregates the per-session facts the closure orchestrator
// forwards downstream.
func (s *Store) ClosureSignals(ctx context.Context, sessionID string) (roast.ClosureSignals, error) {
	var sig roast.ClosureSignals

	var duration sql.NullFloat64
	if err := s.queryRow(ctx,
		`SELECT duration_seconds FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&duration); err != nil {
		if err == sql.ErrNoRows {
			return sig, ErrNotFound
		}
		return sig, err
	}
	if duration.Valid {
		sig.DurationSec = duration.Float64
	}

	var btCount, etCount int64
	var maxElapsed sql.NullFloat64
	if err := s.queryRow(ctx, `
		SELECT COUNT(*), COUNT(bt_c), COUNT(et_c), MAX(elapsed_seconds)
		FROM telemetry_points WHERE session_id = ?`, sessionID).
		Scan(&sig.TelemetryPoints, &btCount, &etCount, &maxElapsed); err != nil {
		return sig, err
	}
	sig.HasBT = btCount > 0
	sig.HasET = etCount > 0
	if maxElapsed.Valid {
		if delta := sig.DurationSec - maxElapsed.Float64; delta > 0 {
			sig.LastTelemetryDeltaSec = delta
		}
	}
	return sig, nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roastlabs/ingestion/internal/roast"
)

// UpsertSessionStart ensures a summary row exists for the session. On
// conflict it is a no-op: startedAt and origin are never overwritten by a
// later envelope.
func (t *Tx) UpsertSessionStart(ctx context.Context, sessionID string, origin roast.Origin, startedAt time.Time) error {
	_, err := t.exec(ctx, `
		INSERT INTO sessions (session_id, org_id, site_id, machine_id, started_at, status)
		VALUES (?, ?, ?, ?, ?, 'ACTIVE')
		ON CONFLICT (session_id) DO NOTHING`,
		sessionID, origin.OrgID, origin.SiteID, origin.MachineID, encodeTime(startedAt))
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sessionID, err)
	}
	return nil
}

// ApplyTrustCounters bumps telemetryPoints and exactly one of the per-status
// counters, preserving the invariant that the three always sum to the total.
func (t *Tx) ApplyTrustCounters(ctx context.Context, sessionID string, ann roast.TrustAnnotation) error {
	var verified, unsigned, failed int
	switch {
	case ann.Verified:
		verified = 1
	case ann.Reason == roast.ReasonMissingSig || ann.Reason == roast.ReasonMissingKID:
		unsigned = 1
	default:
		failed = 1
	}
	_, err := t.exec(ctx, `
		UPDATE sessions SET
			telemetry_points = telemetry_points + 1,
			verified_points  = verified_points + ?,
			unsigned_points  = unsigned_points + ?,
			failed_points    = failed_points + ?
		WHERE session_id = ?`,
		verified, unsigned, failed, sessionID)
	if err != nil {
		return fmt.Errorf("trust counters for %s: %w", sessionID, err)
	}
	return nil
}

// AddDeviceID appends kid to the session's device set if not present.
func (t *Tx) AddDeviceID(ctx context.Context, sessionID, kid string) error {
	if kid == "" {
		return nil
	}
	var raw string
	if err := t.queryRow(ctx,
		`SELECT device_ids FROM sessions WHERE session_id = ?`, sessionID).Scan(&raw); err != nil {
		return fmt.Errorf("read device_ids for %s: %w", sessionID, err)
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		ids = nil
	}
	for _, id := range ids {
		if id == kid {
			return nil
		}
	}
	ids = append(ids, kid)
	encoded, _ := json.Marshal(ids)
	_, err := t.exec(ctx,
		`UPDATE sessions SET device_ids = ? WHERE session_id = ?`, string(encoded), sessionID)
	return err
}

// SetMaxBeanTemp raises max_bt_c to btC when it exceeds the stored value.
// The running maximum never decreases.
func (t *Tx) SetMaxBeanTemp(ctx context.Context, sessionID string, btC float64) error {
	_, err := t.exec(ctx, `
		UPDATE sessions SET max_bt_c = CASE
			WHEN max_bt_c IS NULL OR max_bt_c < ? THEN ?
			ELSE max_bt_c
		END WHERE session_id = ?`,
		btC, btC, sessionID)
	if err != nil {
		return fmt.Errorf("max_bt_c for %s: %w", sessionID, err)
	}
	return nil
}

// setOnce writes a set-once REAL column. Writing the stored value again is a
// no-op; a different value returns FieldConflictError and leaves the first.
func (t *Tx) setOnce(ctx context.Context, sessionID, column string, value float64) error {
	var have sql.NullFloat64
	// column comes from a fixed call site, never user input
	if err := t.queryRow(ctx,
		`SELECT `+column+` FROM sessions WHERE session_id = ?`, sessionID).Scan(&have); err != nil {
		return fmt.Errorf("read %s for %s: %w", column, sessionID, err)
	}
	if have.Valid {
		if have.Float64 == value {
			return nil
		}
		return &FieldConflictError{SessionID: sessionID, Field: column, Have: have.Float64, Got: value}
	}
	_, err := t.exec(ctx,
		`UPDATE sessions SET `+column+` = ? WHERE session_id = ?`, value, sessionID)
	return err
}

// SetFCSeconds records the first-crack offset, first-write-wins.
func (t *Tx) SetFCSeconds(ctx context.Context, sessionID string, seconds float64) error {
	return t.setOnce(ctx, sessionID, "fc_seconds", seconds)
}

// SetDropSeconds records the drop offset, first-write-wins.
func (t *Tx) SetDropSeconds(ctx context.Context, sessionID string, seconds float64) error {
	return t.setOnce(ctx, sessionID, "drop_seconds", seconds)
}

// CloseSession transitions the session to CLOSED. CLOSED is terminal: a
// session already closed is left untouched and the call reports
// transitioned=false, so the closure hook fires at most once per session
// from the write path.
func (t *Tx) CloseSession(ctx context.Context, sessionID string, endedAt time.Time, durationSeconds float64) (transitioned bool, err error) {
	res, err := t.exec(ctx, `
		UPDATE sessions SET status = 'CLOSED', ended_at = ?, duration_seconds = ?
		WHERE session_id = ? AND status = 'ACTIVE'`,
		encodeTime(endedAt), durationSeconds, sessionID)
	if err != nil {
		return false, fmt.Errorf("close session %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SessionFilter narrows ListSessions. Empty fields match everything.
type SessionFilter struct {
	OrgID     string
	SiteID    string
	MachineID string
	Status    roast.SessionStatus
}

// ListSessions returns summaries newest-first with offset pagination.
func (s *Store) ListSessions(ctx context.Context, filter SessionFilter, limit, offset int) ([]*roast.SessionSummary, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if filter.OrgID != "" {
		query += ` AND org_id = ?`
		args = append(args, filter.OrgID)
	}
	if filter.SiteID != "" {
		query += ` AND site_id = ?`
		args = append(args, filter.SiteID)
	}
	if filter.MachineID != "" {
		query += ` AND machine_id = ?`
		args = append(args, filter.MachineID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*roast.SessionSummary, 0)
	for rows.Next() {
		summary, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, summary)
	}
	return sessions, rows.Err()
}

// GetSession returns one summary or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*roast.SessionSummary, error) {
	rows, err := s.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanSession(rows)
}

const sessionColumns = `session_id, org_id, site_id, machine_id, started_at, ended_at,
	status, duration_seconds, fc_seconds, drop_seconds, max_bt_c,
	telemetry_points, verified_points, unsigned_points, failed_points, device_ids`

func scanSession(rows *sql.Rows) (*roast.SessionSummary, error) {
	var (
		sum       roast.SessionSummary
		startedAt string
		endedAt   sql.NullString
		duration  sql.NullFloat64
		fc        sql.NullFloat64
		drop      sql.NullFloat64
		maxBt     sql.NullFloat64
		status    string
		deviceIDs string
	)
	if err := rows.Scan(&sum.SessionID, &sum.OrgID, &sum.SiteID, &sum.MachineID,
		&startedAt, &endedAt, &status, &duration, &fc, &drop, &maxBt,
		&sum.TelemetryPoints, &sum.VerifiedPoints, &sum.UnsignedPoints, &sum.FailedPoints,
		&deviceIDs); err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	var err error
	if sum.StartedAt, err = decodeTime(startedAt); err != nil {
		return nil, fmt.Errorf("session %s: bad started_at: %w", sum.SessionID, err)
	}
	if endedAt.Valid {
		t, err := decodeTime(endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("session %s: bad ended_at: %w", sum.SessionID, err)
		}
		sum.EndedAt = &t
	}
	sum.Status = roast.SessionStatus(status)
	sum.DurationSeconds = nullFloat(duration)
	sum.FCSeconds = nullFloat(fc)
	sum.DropSeconds = nullFloat(drop)
	sum.MaxBeanTempC = nullFloat(maxBt)
	if err := json.Unmarshal([]byte(deviceIDs), &sum.DeviceIDs); err != nil {
		sum.DeviceIDs = []string{}
	}
	return &sum, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

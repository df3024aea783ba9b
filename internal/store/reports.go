package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultReportKind is the kind the closure orchestrator requests.
const DefaultReportKind = "POST_ROAST_V1"

// Report is a stored session report. Body is an opaque JSON document owned
// by the report generator.
type Report struct {
	ReportID   string          `json:"reportId"`
	SessionID  string          `json:"sessionId"`
	ReportKind string          `json:"reportKind"`
	Body       json.RawMessage `json:"body"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// CreateReport inserts a report idempotently on (sessionId, reportKind).
// A second create returns the first row unchanged with created=false — the
// caller maps that to HTTP 200 instead of 201.
func (s *Store) CreateReport(ctx context.Context, sessionID, kind string, body json.RawMessage) (*Report, bool, error) {
	if kind == "" {
		kind = DefaultReportKind
	}
	if existing, err := s.reportByKind(ctx, sessionID, kind); err == nil {
		return existing, false, nil
	} else if err != ErrNotFound {
		return nil, false, err
	}

	report := &Report{
		ReportID:   uuid.New().String(),
		SessionID:  sessionID,
		ReportKind: kind,
		Body:       body,
		CreatedAt:  time.Now().UTC(),
	}
	_, err := s.exec(ctx, `
		INSERT INTO session_reports (report_id, session_id, report_kind, body, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		report.ReportID, sessionID, kind, string(body), encodeTime(report.CreatedAt))
	if err != nil {
		// Concurrent create lost the race on the unique index; return the
		// winner.
		if isUniqueViolation(err) {
			existing, serr := s.reportByKind(ctx, sessionID, kind)
			if serr == nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("create report for %s: %w", sessionID, err)
	}
	return report, true, nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}

// HasReport reports whether a (sessionId, kind) report exists.
func (s *Store) HasReport(ctx context.Context, sessionID, kind string) (bool, error) {
	_, err := s.reportByKind(ctx, sessionID, kind)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) reportByKind(ctx context.Context, sessionID, kind string) (*Report, error) {
	row := s.queryRow(ctx, `
		SELECT report_id, session_id, report_kind, body, created_at
		FROM session_reports WHERE session_id = ? AND report_kind = ?`,
		sessionID, kind)
	return scanReport(row)
}

// GetReport fetches a report by id.
func (s *Store) GetReport(ctx context.Context, reportID string) (*Report, error) {
	row := s.queryRow(ctx, `
		SELECT report_id, session_id, report_kind, body, created_at
		FROM session_reports WHERE report_id = ?`, reportID)
	return scanReport(row)
}

// ListReports returns a session's reports newest-first.
func (s *Store) ListReports(ctx context.Context, sessionID string, limit, offset int) ([]*Report, error) {
	rows, err := s.query(ctx, `
		SELECT report_id, session_id, report_kind, body, created_at
		FROM session_reports WHERE session_id = ?
		ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := make([]*Report, 0)
	for rows.Next() {
		r, err := scanReportRows(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// LatestReport returns the most recent report for a session or ErrNotFound.
func (s *Store) LatestReport(ctx context.Context, sessionID string) (*Report, error) {
	row := s.queryRow(ctx, `
		SELECT report_id, session_id, report_kind, body, created_at
		FROM session_reports WHERE session_id = ?
		ORDER BY created_at DESC LIMIT 1`, sessionID)
	return scanReport(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (*Report, error) {
	var r Report
	var body, createdAt string
	err := row.Scan(&r.ReportID, &r.SessionID, &r.ReportKind, &body, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Body = json.RawMessage(body)
	if r.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanReportRows(rows *sql.Rows) (*Report, error) {
	return scanReport(rows)
}

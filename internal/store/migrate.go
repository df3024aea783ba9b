package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// migrations run in order; schema_migrations records the applied version.
// Version 1 is the original schema, which keyed session_reports by session
// only. Version 2 introduces report_kind with default POST_ROAST_V1,
// backfills report bodies missing the field, and drops duplicate older rows
// so the (session_id, report_kind) unique index can be created.
var migrations = []func(ctx context.Context, tx *sql.Tx, driver string) error{
	migrateBaseSchema,
	migrateReportKind,
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if err := migrations[i](ctx, tx, s.driver); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx,
			rebind(s.driver, `INSERT INTO schema_migrations (version) VALUES (?)`), version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		s.logger.Printf("applied schema migration %d", version)
	}
	return nil
}

func migrateBaseSchema(ctx context.Context, tx *sql.Tx, driver string) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id       TEXT PRIMARY KEY,
			org_id           TEXT NOT NULL,
			site_id          TEXT NOT NULL,
			machine_id       TEXT NOT NULL,
			started_at       TEXT NOT NULL,
			ended_at         TEXT,
			status           TEXT NOT NULL DEFAULT 'ACTIVE',
			duration_seconds REAL,
			fc_seconds       REAL,
			drop_seconds     REAL,
			max_bt_c         REAL,
			telemetry_points INTEGER NOT NULL DEFAULT 0,
			verified_points  INTEGER NOT NULL DEFAULT 0,
			unsigned_points  INTEGER NOT NULL DEFAULT 0,
			failed_points    INTEGER NOT NULL DEFAULT 0,
			device_ids       TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_origin
			ON sessions (org_id, site_id, machine_id, started_at)`,
		`CREATE TABLE IF NOT EXISTS telemetry_points (
			session_id      TEXT NOT NULL REFERENCES sessions(session_id),
			ts              TEXT NOT NULL,
			elapsed_seconds REAL NOT NULL,
			bt_c            REAL,
			et_c            REAL,
			ror_c_per_min   REAL,
			ambient_c       REAL,
			raw_json        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telemetry_session
			ON telemetry_points (session_id, elapsed_seconds)`,
		`CREATE TABLE IF NOT EXISTS events (
			session_id      TEXT NOT NULL REFERENCES sessions(session_id),
			ts              TEXT NOT NULL,
			elapsed_seconds REAL,
			type            TEXT NOT NULL,
			raw_json        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON events (session_id, ts)`,
		`CREATE TABLE IF NOT EXISTS session_meta (
			session_id TEXT PRIMARY KEY REFERENCES sessions(session_id),
			body       TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_notes (
			note_id    TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(session_id),
			author     TEXT NOT NULL,
			body       TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS event_overrides (
			session_id TEXT PRIMARY KEY REFERENCES sessions(session_id),
			body       TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_reports (
			report_id  TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(session_id),
			body       TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// migrateReportKind is the forward migration for report idempotency.
func migrateReportKind(ctx context.Context, tx *sql.Tx, driver string) error {
	if _, err := tx.ExecContext(ctx,
		`ALTER TABLE session_reports ADD COLUMN report_kind TEXT NOT NULL DEFAULT 'POST_ROAST_V1'`); err != nil {
		return err
	}

	// Backfill bodies missing the reportKind field. Done row-by-row in Go
	// to stay dialect-neutral (no JSON functions required of the database).
	rows, err := tx.QueryContext(ctx, `SELECT report_id, body FROM session_reports`)
	if err != nil {
		return err
	}
	type patch struct{ id, body string }
	var patches []patch
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			rows.Close()
			return err
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(body), &obj); err != nil {
			continue // opaque body, leave as-is
		}
		if _, ok := obj["reportKind"]; ok {
			continue
		}
		obj["reportKind"] = "POST_ROAST_V1"
		patched, err := json.Marshal(obj)
		if err != nil {
			continue
		}
		patches = append(patches, patch{id: id, body: string(patched)})
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, p := range patches {
		if _, err := tx.ExecContext(ctx,
			rebind(driver, `UPDATE session_reports SET body = ? WHERE report_id = ?`),
			p.body, p.id); err != nil {
			return err
		}
	}

	// Drop duplicate rows per (session_id, report_kind), keeping the newest.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM session_reports WHERE report_id NOT IN (
			SELECT keep FROM (
				SELECT MAX(report_id) AS keep
				FROM session_reports sr
				WHERE created_at = (
					SELECT MAX(created_at) FROM session_reports
					WHERE session_id = sr.session_id AND report_kind = sr.report_kind
				)
				GROUP BY session_id, report_kind
			) survivors
		)`); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`CREATE UNIQUE INDEX idx_reports_session_kind ON session_reports (session_id, report_kind)`)
	return err
}

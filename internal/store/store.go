// Package store persists session summaries, telemetry and event rows, QC
// metadata, and reports in a relational database. SQLite serves local and
// single-node deployments; Postgres serves shared ones. All writes for a
// single envelope happen inside one transaction via WithTx.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// FieldConflictError reports a second write of a set-once summary field with
// a different value. The first value wins; the caller logs and continues.
type FieldConflictError struct {
	SessionID string
	Field     string
	Have      float64
	Got       float64
}

func (e *FieldConflictError) Error() string {
	return fmt.Sprintf("session %s: %s already %v, refusing overwrite with %v",
		e.SessionID, e.Field, e.Have, e.Got)
}

// Store wraps the database handle. Driver is "sqlite3" or "postgres".
type Store struct {
	db     *sql.DB
	driver string
	logger *log.Logger
}

// Open connects to the database and runs forward migrations.
// databaseURL selects Postgres when non-empty; otherwise dbPath opens (or
// creates) a SQLite file. ":memory:" is valid for tests.
func Open(databaseURL, dbPath string) (*Store, error) {
	var (
		db     *sql.DB
		driver string
		err    error
	)
	if databaseURL != "" {
		driver = "postgres"
		db, err = sql.Open("postgres", databaseURL)
	} else {
		driver = "sqlite3"
		db, err = sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// SQLite serializes writers; a single connection avoids
		// SQLITE_BUSY churn under the sharded pipeline.
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:     db,
		driver: driver,
		logger: log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Tx is a transaction with the store's statement helpers attached.
type Tx struct {
	tx     *sql.Tx
	driver string
	logger *log.Logger
}

// WithTx runs fn inside a transaction; any error rolls the whole unit back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tx: tx, driver: s.driver, logger: s.logger}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// rebind converts ?-placeholders to $n for Postgres. Statements are written
// once in SQLite style and rebound at execution time.
func rebind(driver, query string) string {
	if driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, rebind(s.driver, query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, rebind(s.driver, query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, rebind(s.driver, query), args...)
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, rebind(t.driver, query), args...)
}

func (t *Tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, rebind(t.driver, query), args...)
}

// Timestamps are stored as RFC3339Nano UTC text: portable across both
// drivers and lexically ordered.
func encodeTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

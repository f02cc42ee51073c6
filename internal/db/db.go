// Package db provides SQLite storage for the AirFi voucher portal.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrUnavailable marks storage failures. Requests failing with it left no
// partial state behind and are safe to retry.
var ErrUnavailable = errors.New("store unavailable")

// Unavailable wraps a driver error so callers can match it with errors.Is.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// Querier is the subset of *sql.DB and *sql.Tx used by the stores.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB represents the database connection.
type DB struct {
	conn *sql.DB
}

// Open opens the SQLite database and creates tables if needed.
func Open(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		path = "./data/airfi.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	// _txlock=immediate takes the write lock at BEGIN, so two transactions
	// touching the same voucher or device never both read stale state.
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=1&_txlock=immediate",
		path,
	)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// Single connection: every write is serialized by the pool.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if err := createTables(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database still answers.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return Unavailable("ping", err)
	}
	return nil
}

// ExecContext implements Querier.
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, query, args...)
}

// QueryContext implements Querier.
func (db *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, query, args...)
}

// QueryRowContext implements Querier.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, query, args...)
}

// WithTx runs fn inside a write transaction. The transaction is rolled back
// when fn returns an error and committed otherwise. fn must only use tx;
// touching db from inside fn would wait on the single pooled connection.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Unavailable("begin tx", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return Unavailable("commit tx", err)
	}
	return nil
}

func createTables(ctx context.Context, conn *sql.DB) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vouchers (
			code TEXT PRIMARY KEY,
			redeemed INTEGER NOT NULL DEFAULT 0,
			redeemed_by TEXT,
			redeemed_at_ms INTEGER,
			duration_minutes INTEGER NOT NULL DEFAULT 30,
			created_at_ms INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS access_sessions (
			device_id TEXT PRIMARY KEY,
			network_address TEXT NOT NULL DEFAULT '',
			expires_at_ms INTEGER NOT NULL,
			grants INTEGER NOT NULL DEFAULT 1,
			admitted_at_ms INTEGER,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			CHECK (expires_at_ms >= created_at_ms)
		);

		CREATE TABLE IF NOT EXISTS activity_log (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			voucher_code TEXT NOT NULL,
			subject TEXT NOT NULL,
			device_id TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_vouchers_created ON vouchers(created_at_ms);
		CREATE INDEX IF NOT EXISTS idx_sessions_expires ON access_sessions(expires_at_ms);
		CREATE INDEX IF NOT EXISTS idx_activity_created ON activity_log(created_at_ms);
		CREATE INDEX IF NOT EXISTS idx_activity_subject ON activity_log(subject);
	`)
	return err
}

// Millis converts t to the unix-millisecond form stored in every table.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis, always in UTC.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// NullMillis converts a nullable millisecond column into *time.Time.
func NullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMillis(v.Int64)
	return &t
}

// IsConstraint reports whether err is a SQLite constraint violation, such as
// a duplicate primary key.
func IsConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

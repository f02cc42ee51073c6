// Package session provides WiFi access session management for AirFi: the
// durable session store and the background expiry sweeper.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/airfi/airfi-voucher-portal/internal/db"
)

// ErrNotFound is returned when a device has no session.
var ErrNotFound = errors.New("session not found")

const defaultPageSize = 100

// MaxDurationMinutes bounds a single grant. Larger values would overflow the
// millisecond arithmetic on expiry.
const MaxDurationMinutes = 366 * 24 * 60

// Session represents the access grant of one device.
type Session struct {
	DeviceID       string
	NetworkAddress string
	ExpiresAt      time.Time
	Grants         int
	// AdmittedAt is nil while the firewall has not yet confirmed the device.
	AdmittedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsActive returns true if the session has not expired at now.
func (s *Session) IsActive(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// RemainingTime returns the remaining session time.
func (s *Session) RemainingTime(now time.Time) time.Duration {
	remaining := s.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingTimeFormatted returns a human-readable remaining time string.
func (s *Session) RemainingTimeFormatted(now time.Time) string {
	remaining := s.RemainingTime(now)
	if remaining <= 0 {
		return "0s"
	}

	hours := int(remaining.Hours())
	minutes := int(remaining.Minutes()) % 60
	seconds := int(remaining.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// Grant is the outcome of an Upsert.
type Grant struct {
	ExpiresAt time.Time
	// IsNew is true when the device had no session before this grant.
	IsNew bool
	// Admitted is true once some grant on the session got a confirmed
	// firewall admit. A grant on a pending session must admit on its own.
	Admitted bool
}

// RemoveResult is the outcome of RemoveIfExpired.
type RemoveResult int

const (
	// Removed means the expired session was deleted.
	Removed RemoveResult = iota
	// Extended means the session is still there and no longer expired.
	Extended
	// Absent means the session was already gone.
	Absent
)

func (r RemoveResult) String() string {
	switch r {
	case Removed:
		return "removed"
	case Extended:
		return "extended"
	default:
		return "absent"
	}
}

// Expired identifies a session whose expiry has passed.
type Expired struct {
	DeviceID  string
	ExpiresAt time.Time
}

// Store provides durable session storage keyed by device.
type Store struct {
	q        db.Querier
	pageSize int
}

// NewStore creates a new session store.
func NewStore(q db.Querier) *Store {
	return &Store{q: q, pageSize: defaultPageSize}
}

// WithTx returns a copy of the store that runs its statements inside tx.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	c := *s
	c.q = tx
	return &c
}

// Upsert creates a session for deviceID or extends the existing one.
//
// A new session expires at now+duration. An existing one expires at
// max(now, current expiry)+duration, so minutes bought before expiry are
// banked on top of what is left. The whole read-modify-write is one
// statement and therefore atomic per device.
func (s *Store) Upsert(ctx context.Context, deviceID, networkAddress string, durationMinutes int, now time.Time) (Grant, error) {
	if durationMinutes <= 0 || durationMinutes > MaxDurationMinutes {
		return Grant{}, fmt.Errorf("invalid duration: %d minutes", durationMinutes)
	}

	nowMs := db.Millis(now)
	durMs := minutesToMillis(durationMinutes)

	var expiresAt int64
	var grants int
	var admittedAt sql.NullInt64
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO access_sessions (device_id, network_address, expires_at_ms, grants, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			network_address = CASE
				WHEN excluded.network_address <> '' THEN excluded.network_address
				ELSE access_sessions.network_address
			END,
			expires_at_ms = MAX(excluded.updated_at_ms, access_sessions.expires_at_ms) + ?,
			grants = access_sessions.grants + 1,
			updated_at_ms = excluded.updated_at_ms
		RETURNING expires_at_ms, grants, admitted_at_ms
	`, deviceID, networkAddress, nowMs+durMs, nowMs, nowMs, durMs).Scan(&expiresAt, &grants, &admittedAt)
	if err != nil {
		return Grant{}, db.Unavailable("upsert session", err)
	}

	return Grant{
		ExpiresAt: db.FromMillis(expiresAt),
		IsNew:     grants == 1,
		Admitted:  admittedAt.Valid,
	}, nil
}

// MarkAdmitted records that the firewall admitted deviceID. It is a no-op
// when the session is gone.
func (s *Store) MarkAdmitted(ctx context.Context, deviceID string, now time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE access_sessions SET admitted_at_ms = COALESCE(admitted_at_ms, ?)
		WHERE device_id = ?
	`, db.Millis(now), deviceID)
	if err != nil {
		return db.Unavailable("mark session admitted", err)
	}
	return nil
}

func minutesToMillis(minutes int) int64 {
	return int64(minutes) * int64(time.Minute/time.Millisecond)
}

// Rollback takes back a grant made by Upsert. If the grant is the only one
// on the session the row is deleted; if another grant extended it meanwhile
// only this grant's minutes are removed.
func (s *Store) Rollback(ctx context.Context, deviceID string, durationMinutes int) error {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM access_sessions WHERE device_id = ? AND grants <= 1
	`, deviceID)
	if err != nil {
		return db.Unavailable("rollback session", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	if durationMinutes < 0 || durationMinutes > MaxDurationMinutes {
		return fmt.Errorf("invalid duration: %d minutes", durationMinutes)
	}
	durMs := minutesToMillis(durationMinutes)
	_, err = s.q.ExecContext(ctx, `
		UPDATE access_sessions
		SET expires_at_ms = MAX(created_at_ms, expires_at_ms - ?), grants = grants - 1
		WHERE device_id = ?
	`, durMs, deviceID)
	if err != nil {
		return db.Unavailable("rollback session", err)
	}
	return nil
}

// ListExpired returns a lazy scan over sessions with expiry <= now. Each
// page is a separate snapshot read, so the scan never holds the connection
// while the caller works on a row. Ranging over the result again restarts
// the scan from the beginning.
func (s *Store) ListExpired(ctx context.Context, now time.Time) iter.Seq2[Expired, error] {
	return func(yield func(Expired, error) bool) {
		after := ""
		for {
			page, err := s.expiredPage(ctx, db.Millis(now), after)
			if err != nil {
				yield(Expired{}, err)
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			after = page[len(page)-1].DeviceID
		}
	}
}

func (s *Store) expiredPage(ctx context.Context, nowMs int64, after string) ([]Expired, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT device_id, expires_at_ms FROM access_sessions
		WHERE expires_at_ms <= ? AND device_id > ?
		ORDER BY device_id LIMIT ?
	`, nowMs, after, s.pageSize)
	if err != nil {
		return nil, db.Unavailable("list expired sessions", err)
	}
	defer rows.Close()

	var page []Expired
	for rows.Next() {
		var e Expired
		var expiresAt int64
		if err := rows.Scan(&e.DeviceID, &expiresAt); err != nil {
			return nil, db.Unavailable("scan expired session", err)
		}
		e.ExpiresAt = db.FromMillis(expiresAt)
		page = append(page, e)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Unavailable("list expired sessions", err)
	}
	return page, nil
}

// Remove deletes the session of deviceID. Removing an absent session is not
// an error.
func (s *Store) Remove(ctx context.Context, deviceID string) error {
	if _, err := s.q.ExecContext(ctx, `DELETE FROM access_sessions WHERE device_id = ?`, deviceID); err != nil {
		return db.Unavailable("remove session", err)
	}
	return nil
}

// RemoveIfExpired deletes the session only if it is still expired at now.
// A session that is not deleted was either extended in the meantime or
// removed by someone else; the result tells the two apart.
func (s *Store) RemoveIfExpired(ctx context.Context, deviceID string, now time.Time) (RemoveResult, error) {
	nowMs := db.Millis(now)
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM access_sessions WHERE device_id = ? AND expires_at_ms <= ?
	`, deviceID, nowMs)
	if err != nil {
		return Absent, db.Unavailable("remove expired session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Absent, db.Unavailable("remove expired session", err)
	}
	if n > 0 {
		return Removed, nil
	}

	var expiresAt int64
	err = s.q.QueryRowContext(ctx, `
		SELECT expires_at_ms FROM access_sessions WHERE device_id = ?
	`, deviceID).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Absent, nil
	}
	if err != nil {
		return Absent, db.Unavailable("remove expired session", err)
	}
	if expiresAt > nowMs {
		return Extended, nil
	}
	// Expired again by the time of the read; the next sweep takes it.
	return Absent, nil
}

// Get retrieves the session of deviceID.
func (s *Store) Get(ctx context.Context, deviceID string) (*Session, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT device_id, network_address, expires_at_ms, grants, admitted_at_ms, created_at_ms, updated_at_ms
		FROM access_sessions WHERE device_id = ?
	`, deviceID)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, db.Unavailable("get session", err)
	}
	return sess, nil
}

// ListActive returns all sessions that have not expired at now, soonest
// expiry first.
func (s *Store) ListActive(ctx context.Context, now time.Time) ([]*Session, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT device_id, network_address, expires_at_ms, grants, admitted_at_ms, created_at_ms, updated_at_ms
		FROM access_sessions WHERE expires_at_ms > ? ORDER BY expires_at_ms, device_id
	`, db.Millis(now))
	if err != nil {
		return nil, db.Unavailable("list sessions", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, db.Unavailable("scan session", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Unavailable("list sessions", err)
	}
	return sessions, nil
}

// Count returns the number of stored sessions, expired ones included.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM access_sessions`).Scan(&n); err != nil {
		return 0, db.Unavailable("count sessions", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	sess := &Session{}
	var expiresAt, createdAt, updatedAt int64
	var admittedAt sql.NullInt64
	if err := row.Scan(&sess.DeviceID, &sess.NetworkAddress, &expiresAt, &sess.Grants, &admittedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sess.ExpiresAt = db.FromMillis(expiresAt)
	sess.AdmittedAt = db.NullMillis(admittedAt)
	sess.CreatedAt = db.FromMillis(createdAt)
	sess.UpdatedAt = db.FromMillis(updatedAt)
	return sess, nil
}

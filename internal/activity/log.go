// Package activity keeps the append-only audit trail of redemptions.
package activity

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/airfi/airfi-voucher-portal/internal/db"
)

// Actions recorded by the redemption service.
const (
	ActionRedeem = "redeem"
	ActionExtend = "extend"
)

// Record is one audit entry.
type Record struct {
	ID          string    `json:"id"`
	Action      string    `json:"action"`
	VoucherCode string    `json:"voucher_code"`
	Subject     string    `json:"subject"`
	DeviceID    string    `json:"mac"`
	Timestamp   time.Time `json:"timestamp"`
}

// Entry is one leaderboard row.
type Entry struct {
	Email       string `json:"email"`
	RedeemCount int    `json:"redeem_count"`
}

// Log stores activity records.
type Log struct {
	q db.Querier
}

// NewLog creates an activity log on top of q.
func NewLog(q db.Querier) *Log {
	return &Log{q: q}
}

// WithTx returns a copy of the log that writes inside tx.
func (l *Log) WithTx(tx *sql.Tx) *Log {
	return &Log{q: tx}
}

// Append stores rec, assigning an ID when it has none, and returns the
// stored record.
func (l *Log) Append(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Timestamp = db.FromMillis(db.Millis(rec.Timestamp))

	_, err := l.q.ExecContext(ctx, `
		INSERT INTO activity_log (id, action, voucher_code, subject, device_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Action, rec.VoucherCode, rec.Subject, rec.DeviceID, db.Millis(rec.Timestamp))
	if err != nil {
		return Record{}, db.Unavailable("append activity", err)
	}
	return rec, nil
}

// Delete removes a record written by a redemption that was later undone.
func (l *Log) Delete(ctx context.Context, id string) error {
	if _, err := l.q.ExecContext(ctx, `DELETE FROM activity_log WHERE id = ?`, id); err != nil {
		return db.Unavailable("delete activity", err)
	}
	return nil
}

// List returns the newest records first.
func (l *Log) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.q.QueryContext(ctx, `
		SELECT id, action, voucher_code, subject, device_id, created_at_ms
		FROM activity_log ORDER BY created_at_ms DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, db.Unavailable("list activity", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var ts int64
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.VoucherCode, &rec.Subject, &rec.DeviceID, &ts); err != nil {
			return nil, db.Unavailable("scan activity", err)
		}
		rec.Timestamp = db.FromMillis(ts)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Unavailable("list activity", err)
	}
	return records, nil
}

// Leaderboard ranks claimant emails by redeemed vouchers. Records without
// an email (subject is then the device) are not ranked.
func (l *Log) Leaderboard(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := l.q.QueryContext(ctx, `
		SELECT subject, COUNT(*) AS redeem_count
		FROM activity_log
		WHERE subject LIKE '%@%'
		GROUP BY subject
		ORDER BY redeem_count DESC, subject
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, db.Unavailable("leaderboard", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Email, &e.RedeemCount); err != nil {
			return nil, db.Unavailable("scan leaderboard", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Unavailable("leaderboard", err)
	}
	return entries, nil
}

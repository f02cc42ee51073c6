// Package voucher provides the durable voucher ledger: issuance of unique
// codes and one-time redemption.
package voucher

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/airfi/airfi-voucher-portal/internal/db"
	"github.com/airfi/airfi-voucher-portal/internal/session"
)

var (
	// ErrNotFound is returned when a code is not in the ledger.
	ErrNotFound = errors.New("invalid voucher")
	// ErrAlreadyRedeemed is returned when a code was already claimed.
	ErrAlreadyRedeemed = errors.New("voucher already redeemed")
	// ErrExhaustedRetries is returned when Issue cannot find a free code.
	ErrExhaustedRetries = errors.New("could not generate a unique voucher code")
	// ErrDuplicate is returned by Add when the code already exists.
	ErrDuplicate = errors.New("voucher code already exists")
	// ErrInvalidDuration is returned for a duration outside 1..MaxDurationMinutes.
	ErrInvalidDuration = errors.New("invalid voucher duration")
)

// MaxDurationMinutes is the longest grant a voucher may carry.
const MaxDurationMinutes = session.MaxDurationMinutes

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Voucher is a single-use code granting a bounded duration of access.
type Voucher struct {
	Code            string
	Redeemed        bool
	RedeemedBy      string
	RedeemedAt      *time.Time
	DurationMinutes int
	CreatedAt       time.Time
}

// Config controls code generation.
type Config struct {
	Prefix                 string
	CodeLength             int
	MaxAttempts            int
	DefaultDurationMinutes int
}

// DefaultConfig returns the default ledger configuration.
func DefaultConfig() *Config {
	return &Config{
		CodeLength:             8,
		MaxAttempts:            10,
		DefaultDurationMinutes: 30,
	}
}

// Stats summarises the ledger for the dashboard.
type Stats struct {
	Total    int `json:"total"`
	Redeemed int `json:"redeemed"`
}

// Ledger stores vouchers and their redemption state.
type Ledger struct {
	q        db.Querier
	cfg      *Config
	now      func() time.Time
	generate func() (string, error)
}

// NewLedger creates a ledger on top of q.
func NewLedger(q db.Querier, cfg *Config) *Ledger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	l := &Ledger{
		q:   q,
		cfg: cfg,
		now: time.Now,
	}
	l.generate = l.randomCode
	return l
}

// WithTx returns a copy of the ledger that runs its statements inside tx.
func (l *Ledger) WithTx(tx *sql.Tx) *Ledger {
	c := *l
	c.q = tx
	return &c
}

// Issue creates a new unredeemed voucher. A durationMinutes of zero or less
// uses the configured default; more than MaxDurationMinutes is rejected.
func (l *Ledger) Issue(ctx context.Context, durationMinutes int) (*Voucher, error) {
	durationMinutes, err := l.duration(durationMinutes)
	if err != nil {
		return nil, err
	}

	attempts := l.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	createdAt := l.now().UTC()
	for i := 0; i < attempts; i++ {
		code, err := l.generate()
		if err != nil {
			return nil, fmt.Errorf("failed to generate code: %w", err)
		}

		_, err = l.q.ExecContext(ctx, `
			INSERT INTO vouchers (code, redeemed, duration_minutes, created_at_ms)
			VALUES (?, 0, ?, ?)
		`, code, durationMinutes, db.Millis(createdAt))
		if err == nil {
			return &Voucher{
				Code:            code,
				DurationMinutes: durationMinutes,
				CreatedAt:       db.FromMillis(db.Millis(createdAt)),
			}, nil
		}
		if !db.IsConstraint(err) {
			return nil, db.Unavailable("insert voucher", err)
		}
	}

	return nil, fmt.Errorf("%w after %d attempts", ErrExhaustedRetries, attempts)
}

func (l *Ledger) duration(minutes int) (int, error) {
	if minutes <= 0 {
		minutes = l.cfg.DefaultDurationMinutes
	}
	if minutes <= 0 || minutes > MaxDurationMinutes {
		return 0, fmt.Errorf("%w: %d minutes (max %d)", ErrInvalidDuration, minutes, MaxDurationMinutes)
	}
	return minutes, nil
}

// Add stores a pre-printed code as an unredeemed voucher.
func (l *Ledger) Add(ctx context.Context, code string, durationMinutes int) (*Voucher, error) {
	durationMinutes, err := l.duration(durationMinutes)
	if err != nil {
		return nil, err
	}
	createdAt := db.FromMillis(db.Millis(l.now()))

	_, err = l.q.ExecContext(ctx, `
		INSERT INTO vouchers (code, redeemed, duration_minutes, created_at_ms)
		VALUES (?, 0, ?, ?)
	`, code, durationMinutes, db.Millis(createdAt))
	if db.IsConstraint(err) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, code)
	}
	if err != nil {
		return nil, db.Unavailable("insert voucher", err)
	}

	return &Voucher{Code: code, DurationMinutes: durationMinutes, CreatedAt: createdAt}, nil
}

// TryClaim marks code as redeemed by claimant and returns the voucher's grant
// duration in minutes. The check and the update are a single statement, so of
// two concurrent claims on one code exactly one succeeds.
func (l *Ledger) TryClaim(ctx context.Context, code, claimant string, now time.Time) (int, error) {
	var minutes int
	err := l.q.QueryRowContext(ctx, `
		UPDATE vouchers
		SET redeemed = 1, redeemed_by = ?, redeemed_at_ms = ?
		WHERE code = ? AND redeemed = 0
		RETURNING duration_minutes
	`, claimant, db.Millis(now), code).Scan(&minutes)
	if err == nil {
		return minutes, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, db.Unavailable("claim voucher", err)
	}

	// Nothing updated: either unknown or already taken.
	var redeemed bool
	err = l.q.QueryRowContext(ctx, `SELECT redeemed FROM vouchers WHERE code = ?`, code).Scan(&redeemed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, ErrNotFound
	case err != nil:
		return 0, db.Unavailable("read voucher", err)
	default:
		return 0, ErrAlreadyRedeemed
	}
}

// Release undoes a claim that claimant still holds. It is only used to
// compensate a redemption that failed after the claim was committed.
func (l *Ledger) Release(ctx context.Context, code, claimant string) error {
	_, err := l.q.ExecContext(ctx, `
		UPDATE vouchers
		SET redeemed = 0, redeemed_by = NULL, redeemed_at_ms = NULL
		WHERE code = ? AND redeemed = 1 AND redeemed_by = ?
	`, code, claimant)
	if err != nil {
		return db.Unavailable("release voucher", err)
	}
	return nil
}

// Get retrieves a voucher by code.
func (l *Ledger) Get(ctx context.Context, code string) (*Voucher, error) {
	row := l.q.QueryRowContext(ctx, `
		SELECT code, redeemed, redeemed_by, redeemed_at_ms, duration_minutes, created_at_ms
		FROM vouchers WHERE code = ?
	`, code)

	v, err := scanVoucher(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, db.Unavailable("get voucher", err)
	}
	return v, nil
}

// List returns the newest vouchers first.
func (l *Ledger) List(ctx context.Context, limit int) ([]*Voucher, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := l.q.QueryContext(ctx, `
		SELECT code, redeemed, redeemed_by, redeemed_at_ms, duration_minutes, created_at_ms
		FROM vouchers ORDER BY created_at_ms DESC, code LIMIT ?
	`, limit)
	if err != nil {
		return nil, db.Unavailable("list vouchers", err)
	}
	defer rows.Close()

	var vouchers []*Voucher
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, db.Unavailable("scan voucher", err)
		}
		vouchers = append(vouchers, v)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Unavailable("list vouchers", err)
	}
	return vouchers, nil
}

// Stats returns voucher totals.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := l.q.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(redeemed), 0) FROM vouchers
	`).Scan(&s.Total, &s.Redeemed)
	if err != nil {
		return Stats{}, db.Unavailable("voucher stats", err)
	}
	return s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVoucher(row scanner) (*Voucher, error) {
	v := &Voucher{}
	var redeemedBy sql.NullString
	var redeemedAt sql.NullInt64
	var createdAt int64
	if err := row.Scan(&v.Code, &v.Redeemed, &redeemedBy, &redeemedAt, &v.DurationMinutes, &createdAt); err != nil {
		return nil, err
	}
	if redeemedBy.Valid {
		v.RedeemedBy = redeemedBy.String
	}
	v.RedeemedAt = db.NullMillis(redeemedAt)
	v.CreatedAt = db.FromMillis(createdAt)
	return v, nil
}

func (l *Ledger) randomCode() (string, error) {
	length := l.cfg.CodeLength
	if length <= 0 {
		length = 8
	}

	buf := make([]byte, length)
	alphabetLen := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return l.cfg.Prefix + string(buf), nil
}

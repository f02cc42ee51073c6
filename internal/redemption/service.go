// Package redemption implements the redeem-voucher use case: it claims the
// voucher, grants or extends the device's session and admits the device on
// the firewall, undoing its own writes when the firewall refuses.
package redemption

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/airfi/airfi-voucher-portal/internal/activity"
	"github.com/airfi/airfi-voucher-portal/internal/db"
	"github.com/airfi/airfi-voucher-portal/internal/session"
	"github.com/airfi/airfi-voucher-portal/internal/voucher"
)

// ErrInvalidVoucher is returned for an empty voucher code.
var ErrInvalidVoucher = errors.New("voucher code is required")

// ErrEnforcement is returned when the firewall could not admit the device.
// Nothing is left recorded for the failed redemption.
var ErrEnforcement = errors.New("failed to whitelist MAC address")

// Resolver maps a client IP to a device identifier.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (string, error)
}

// Admitter lets a device onto the network.
type Admitter interface {
	Admit(ctx context.Context, deviceID string) error
}

// Nudger pokes a freshly admitted device so its OS re-runs captive portal
// detection. It must not block.
type Nudger interface {
	Nudge(deviceID, ip string)
}

// Request is one redemption attempt.
type Request struct {
	Code           string
	Email          string
	NetworkAddress string
}

// Result describes a successful redemption.
type Result struct {
	DeviceID        string
	ExpiresAt       time.Time
	DurationMinutes int
	// Extended is true when the device already had a session.
	Extended bool
	Message  string
}

// Service orchestrates a redemption across the ledger, the session store
// and the firewall. It holds no state of its own.
type Service struct {
	db       *db.DB
	vouchers *voucher.Ledger
	sessions *session.Store
	activity *activity.Log
	resolver Resolver
	admitter Admitter
	nudger   Nudger
	logger   *zap.Logger
	now      func() time.Time
}

// NewService creates a new redemption service.
func NewService(
	database *db.DB,
	vouchers *voucher.Ledger,
	sessions *session.Store,
	activityLog *activity.Log,
	resolver Resolver,
	admitter Admitter,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		db:       database,
		vouchers: vouchers,
		sessions: sessions,
		activity: activityLog,
		resolver: resolver,
		admitter: admitter,
		logger:   logger,
		now:      time.Now,
	}
}

// SetNudger installs the post-admission nudge. Without one no nudge is sent.
func (s *Service) SetNudger(n Nudger) {
	s.nudger = n
}

// Redeem runs one redemption.
//
// The device is resolved before anything is written, so a resolution
// failure never burns the voucher. Claim, session upsert and audit record
// then commit together. The firewall is called whenever the session has no
// confirmed admit yet, which covers a first grant and any extension landing
// while the first grant's admit is still in flight. If the admit fails this
// request's three writes are compensated in one transaction.
func (s *Service) Redeem(ctx context.Context, req Request) (*Result, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if code == "" {
		return nil, ErrInvalidVoucher
	}
	email := strings.TrimSpace(req.Email)

	mac, err := s.resolver.Resolve(ctx, req.NetworkAddress)
	if err != nil {
		return nil, err
	}

	now := db.FromMillis(db.Millis(s.now()))

	var (
		minutes int
		grant   session.Grant
		rec     activity.Record
	)
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		minutes, err = s.vouchers.WithTx(tx).TryClaim(ctx, code, mac, now)
		if err != nil {
			return err
		}

		grant, err = s.sessions.WithTx(tx).Upsert(ctx, mac, req.NetworkAddress, minutes, now)
		if err != nil {
			return err
		}

		action := activity.ActionExtend
		if grant.IsNew {
			action = activity.ActionRedeem
		}
		subject := email
		if subject == "" {
			subject = mac
		}
		rec, err = s.activity.WithTx(tx).Append(ctx, activity.Record{
			Action:      action,
			VoucherCode: code,
			Subject:     subject,
			DeviceID:    mac,
			Timestamp:   now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	if grant.IsNew || !grant.Admitted {
		// Past this point the claim is committed; a caller that goes away
		// must not leave it half-enforced.
		admitCtx := context.WithoutCancel(ctx)
		if err := s.admitter.Admit(admitCtx, mac); err != nil {
			s.logger.Error("failed to admit device, undoing redemption",
				zap.String("mac", mac),
				zap.String("voucher", code),
				zap.Error(err),
			)
			s.compensate(admitCtx, code, mac, minutes, rec.ID)
			return nil, fmt.Errorf("%w: %v", ErrEnforcement, err)
		}
		if err := s.sessions.MarkAdmitted(admitCtx, mac, s.now()); err != nil {
			// The next grant on this session admits again.
			s.logger.Warn("failed to record admit",
				zap.String("mac", mac),
				zap.Error(err),
			)
		}

		if s.nudger != nil {
			s.nudger.Nudge(mac, req.NetworkAddress)
		}
	}

	res := &Result{
		DeviceID:        mac,
		ExpiresAt:       grant.ExpiresAt,
		DurationMinutes: minutes,
		Extended:        !grant.IsNew,
	}
	if grant.IsNew {
		res.Message = fmt.Sprintf("Voucher redeemed and MAC %s whitelisted.", mac)
	} else {
		res.Message = fmt.Sprintf("Access extended. Enjoy your extra %d minutes!", minutes)
	}

	s.logger.Info("voucher redeemed",
		zap.String("mac", mac),
		zap.String("voucher", code),
		zap.Bool("extended", res.Extended),
		zap.Time("expires_at", res.ExpiresAt),
	)
	return res, nil
}

func (s *Service) compensate(ctx context.Context, code, mac string, minutes int, recordID string) {
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.sessions.WithTx(tx).Rollback(ctx, mac, minutes); err != nil {
			return err
		}
		if err := s.vouchers.WithTx(tx).Release(ctx, code, mac); err != nil {
			return err
		}
		return s.activity.WithTx(tx).Delete(ctx, recordID)
	})
	if err != nil {
		s.logger.Error("failed to undo redemption, session and voucher need manual repair",
			zap.String("mac", mac),
			zap.String("voucher", code),
			zap.Error(err),
		)
	}
}

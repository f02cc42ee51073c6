package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Enforcer is the part of the firewall the sweeper drives.
type Enforcer interface {
	Admit(ctx context.Context, deviceID string) error
	Revoke(ctx context.Context, deviceID string) error
}

// SweeperConfig holds the parameters for NewSweeper.
type SweeperConfig struct {
	// Interval between sweep cycles. Defaults to 30 seconds.
	Interval time.Duration
}

// SweepStats reports what one sweep cycle did.
type SweepStats struct {
	Expired    int
	Removed    int
	Failed     int
	Readmitted int
}

// Sweeper periodically revokes and removes expired sessions. A session row
// is the durable intent to revoke: it is only deleted after the revoke
// succeeded, so a failed revoke is retried on the next cycle.
type Sweeper struct {
	store    *Store
	enforcer Enforcer
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper but does not start it.
func NewSweeper(store *Store, enforcer Enforcer, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sweeper{
		store:    store,
		enforcer: enforcer,
		interval: cfg.Interval,
		logger:   logger,
		now:      time.Now,
	}
}

// Start runs an immediate sweep and then repeats it every interval until
// ctx is cancelled or Stop is called. Calling Start twice is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)

	s.logger.Info("expiry sweeper started", zap.Duration("interval", s.interval))
}

// Stop signals the sweeper to exit and waits for the running cycle to end.
// It is safe to call more than once, and before Start.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.SweepOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep cycle. Devices are handled independently:
// one failed revoke does not stop the others.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepStats {
	var stats SweepStats

	for exp, err := range s.store.ListExpired(ctx, s.now()) {
		if err != nil {
			s.logger.Error("failed to list expired sessions", zap.Error(err))
			break
		}
		stats.Expired++
		s.expire(ctx, exp, &stats)
	}

	if stats.Expired > 0 {
		s.logger.Info("sweep cycle finished",
			zap.Int("expired", stats.Expired),
			zap.Int("removed", stats.Removed),
			zap.Int("failed", stats.Failed),
			zap.Int("readmitted", stats.Readmitted),
		)
	}
	return stats
}

func (s *Sweeper) expire(ctx context.Context, exp Expired, stats *SweepStats) {
	log := s.logger.With(
		zap.String("mac", exp.DeviceID),
		zap.Time("expires_at", exp.ExpiresAt),
	)

	if err := s.enforcer.Revoke(ctx, exp.DeviceID); err != nil {
		stats.Failed++
		log.Warn("failed to revoke expired session, will retry", zap.Error(err))
		return
	}

	result, err := s.store.RemoveIfExpired(ctx, exp.DeviceID, s.now())
	if err != nil {
		stats.Failed++
		log.Error("failed to remove expired session", zap.Error(err))
		return
	}

	switch result {
	case Removed:
		stats.Removed++
		log.Info("session expired, access revoked")
		return
	case Absent:
		// Another remover got there first. With no row left the device
		// must stay out.
		log.Info("session already removed, access revoked")
		return
	}

	// Extended between the scan and the delete: the grant survives, so the
	// device has to be let back in.
	if err := s.enforcer.Admit(ctx, exp.DeviceID); err != nil {
		stats.Failed++
		log.Error("failed to re-admit extended session", zap.Error(err))
		return
	}
	if err := s.store.MarkAdmitted(ctx, exp.DeviceID, s.now()); err != nil {
		log.Warn("failed to record re-admit", zap.Error(err))
	}
	stats.Readmitted++
	log.Info("session extended during sweep, access restored")
}

// Restore admits every active session again. Firewall state does not
// survive a gateway reboot, the session table does.
func (s *Sweeper) Restore(ctx context.Context) (int, error) {
	sessions, err := s.store.ListActive(ctx, s.now())
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, sess := range sessions {
		if err := s.enforcer.Admit(ctx, sess.DeviceID); err != nil {
			s.logger.Warn("failed to restore session",
				zap.String("mac", sess.DeviceID),
				zap.Error(err),
			)
			continue
		}
		if err := s.store.MarkAdmitted(ctx, sess.DeviceID, s.now()); err != nil {
			s.logger.Warn("failed to record restored session",
				zap.String("mac", sess.DeviceID),
				zap.Error(err),
			)
		}
		restored++
	}

	s.logger.Info("active sessions restored",
		zap.Int("restored", restored),
		zap.Int("active", len(sessions)),
	)
	return restored, nil
}

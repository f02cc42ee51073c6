package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airfi/airfi-voucher-portal/internal/db/dbtest"
)

const mac = "aa:bb:cc:dd:ee:ff"

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(dbtest.Open(t))
}

func TestUpsertNewThenExtend(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	g, err := s.Upsert(ctx, mac, "192.168.1.20", 5, t0)
	require.NoError(t, err)
	assert.True(t, g.IsNew)
	assert.Equal(t, t0.Add(5*time.Minute), g.ExpiresAt)

	// Remaining time is banked: 3 minutes left plus 5 new.
	g, err = s.Upsert(ctx, mac, "192.168.1.20", 5, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, g.IsNew)
	assert.Equal(t, t0.Add(10*time.Minute), g.ExpiresAt)

	sess, err := s.Get(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Minute), sess.ExpiresAt)
	assert.Equal(t, 2, sess.Grants)
	assert.Equal(t, t0, sess.CreatedAt)
	assert.Equal(t, t0.Add(2*time.Minute), sess.UpdatedAt)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsertAfterExpiryStartsFromNow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Upsert(ctx, mac, "", 5, t0)
	require.NoError(t, err)

	later := t0.Add(time.Hour)
	g, err := s.Upsert(ctx, mac, "", 5, later)
	require.NoError(t, err)
	assert.Equal(t, later.Add(5*time.Minute), g.ExpiresAt)
}

func TestUpsertExpiryNeverDecreases(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	prev := time.Time{}
	now := t0
	for i, minutes := range []int{30, 1, 5, 1, 60} {
		g, err := s.Upsert(ctx, mac, "", minutes, now)
		require.NoError(t, err)
		assert.Equal(t, i == 0, g.IsNew)
		assert.True(t, g.ExpiresAt.After(prev), "grant %d went backwards", i)
		prev = g.ExpiresAt
		now = now.Add(7 * time.Minute)
	}
}

func TestUpsertKeepsAddressWhenEmpty(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Upsert(ctx, mac, "10.0.0.5", 5, t0)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, mac, "", 5, t0)
	require.NoError(t, err)

	sess, err := s.Get(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", sess.NetworkAddress)
}

func TestUpsertRejectsInvalidDuration(t *testing.T) {
	s := newTestStore(t)
	for _, minutes := range []int{0, -5, MaxDurationMinutes + 1, 200_000_000} {
		_, err := s.Upsert(context.Background(), mac, "", minutes, t0)
		require.Error(t, err, "minutes=%d", minutes)
	}
	_, err := s.Get(context.Background(), mac)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertMaxDuration(t *testing.T) {
	g, err := newTestStore(t).Upsert(context.Background(), mac, "", MaxDurationMinutes, t0)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(MaxDurationMinutes*time.Minute), g.ExpiresAt)
}

func TestUpsertConcurrentSameDevice(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const workers = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	grants := make(chan Grant, workers)
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			g, err := s.Upsert(ctx, mac, "", 5, t0)
			if err != nil {
				errs <- err
				return
			}
			grants <- g
		}()
	}
	close(start)
	wg.Wait()
	close(grants)
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}

	fresh := 0
	var last time.Time
	for g := range grants {
		if g.IsNew {
			fresh++
		}
		if g.ExpiresAt.After(last) {
			last = g.ExpiresAt
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, t0.Add(workers*5*time.Minute), last)

	sess, err := s.Get(ctx, mac)
	require.NoError(t, err)
	assert.Equal(t, workers, sess.Grants)
	assert.Equal(t, t0.Add(workers*5*time.Minute), sess.ExpiresAt)
}

func TestMarkAdmitted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	g, err := s.Upsert(ctx, mac, "", 5, t0)
	require.NoError(t, err)
	assert.False(t, g.Admitted)

	// A second grant on a pending session still sees it pending.
	g, err = s.Upsert(ctx, mac, "", 5, t0)
	require.NoError(t, err)
	assert.False(t, g.Admitted)

	require.NoError(t, s.MarkAdmitted(ctx, mac, t0.Add(time.Second)))
	require.NoError(t, s.MarkAdmitted(ctx, mac, t0.Add(time.Minute)))

	sess, err := s.Get(ctx, mac)
	require.NoError(t, err)
	require.NotNil(t, sess.AdmittedAt)
	assert.Equal(t, t0.Add(time.Second), *sess.AdmittedAt)

	g, err = s.Upsert(ctx, mac, "", 5, t0)
	require.NoError(t, err)
	assert.True(t, g.Admitted)

	require.NoError(t, s.MarkAdmitted(ctx, "00:11:22:33:44:55", t0))
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Run("only grant deletes the session", func(t *testing.T) {
		_, err := s.Upsert(ctx, mac, "", 5, t0)
		require.NoError(t, err)
		require.NoError(t, s.Rollback(ctx, mac, 5))

		_, err = s.Get(ctx, mac)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("extended session keeps the other grant", func(t *testing.T) {
		_, err := s.Upsert(ctx, mac, "", 5, t0)
		require.NoError(t, err)
		_, err = s.Upsert(ctx, mac, "", 10, t0)
		require.NoError(t, err)

		require.NoError(t, s.Rollback(ctx, mac, 10))

		sess, err := s.Get(ctx, mac)
		require.NoError(t, err)
		assert.Equal(t, t0.Add(5*time.Minute), sess.ExpiresAt)
		assert.Equal(t, 1, sess.Grants)
	})

	t.Run("first grant rolled back after an extension", func(t *testing.T) {
		const other = "aa:00:00:00:00:aa"
		_, err := s.Upsert(ctx, other, "", 5, t0)
		require.NoError(t, err)
		_, err = s.Upsert(ctx, other, "", 10, t0)
		require.NoError(t, err)

		require.NoError(t, s.Rollback(ctx, other, 5))

		sess, err := s.Get(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, t0.Add(10*time.Minute), sess.ExpiresAt)
		assert.Equal(t, 1, sess.Grants)

		// The remaining grant is now the only one.
		require.NoError(t, s.Rollback(ctx, other, 10))
		_, err = s.Get(ctx, other)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("absent session is a no-op", func(t *testing.T) {
		require.NoError(t, s.Rollback(ctx, "00:11:22:33:44:55", 5))
	})
}

func TestListExpiredPages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.pageSize = 2

	for i := 0; i < 5; i++ {
		_, err := s.Upsert(ctx, fmt.Sprintf("aa:00:00:00:00:%02x", i), "", 5, t0)
		require.NoError(t, err)
	}
	_, err := s.Upsert(ctx, "bb:00:00:00:00:00", "", 60, t0)
	require.NoError(t, err)

	collect := func(now time.Time) []string {
		var ids []string
		for e, err := range s.ListExpired(ctx, now) {
			require.NoError(t, err)
			ids = append(ids, e.DeviceID)
		}
		return ids
	}

	assert.Empty(t, collect(t0.Add(4*time.Minute)))

	// Expiry is inclusive.
	expired := collect(t0.Add(5 * time.Minute))
	assert.Equal(t, []string{
		"aa:00:00:00:00:00",
		"aa:00:00:00:00:01",
		"aa:00:00:00:00:02",
		"aa:00:00:00:00:03",
		"aa:00:00:00:00:04",
	}, expired)

	// Restartable and stoppable.
	n := 0
	for range s.ListExpired(ctx, t0.Add(5*time.Minute)) {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
	assert.Len(t, collect(t0.Add(5*time.Minute)), 5)
}

func TestRemoveIfExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Upsert(ctx, mac, "", 5, t0)
	require.NoError(t, err)

	result, err := s.RemoveIfExpired(ctx, mac, t0.Add(4*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Extended, result)
	_, err = s.Get(ctx, mac)
	require.NoError(t, err)

	result, err = s.RemoveIfExpired(ctx, mac, t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Removed, result)
	_, err = s.Get(ctx, mac)
	require.ErrorIs(t, err, ErrNotFound)

	result, err = s.RemoveIfExpired(ctx, mac, t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, Absent, result)
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Upsert(ctx, mac, "", 5, t0)
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, mac))
	require.NoError(t, s.Remove(ctx, mac))
}

func TestListActive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Upsert(ctx, "aa:00:00:00:00:01", "", 10, t0)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "aa:00:00:00:00:02", "", 5, t0)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "aa:00:00:00:00:03", "", 1, t0)
	require.NoError(t, err)

	active, err := s.ListActive(ctx, t0.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "aa:00:00:00:00:02", active[0].DeviceID)
	assert.Equal(t, "aa:00:00:00:00:01", active[1].DeviceID)
}

func TestSessionRemainingTime(t *testing.T) {
	sess := &Session{ExpiresAt: t0.Add(90 * time.Minute)}

	assert.True(t, sess.IsActive(t0))
	assert.Equal(t, "1h 30m", sess.RemainingTimeFormatted(t0))
	assert.Equal(t, "2m 5s", sess.RemainingTimeFormatted(t0.Add(87*time.Minute+55*time.Second)))
	assert.Equal(t, "0s", sess.RemainingTimeFormatted(t0.Add(2*time.Hour)))
	assert.False(t, sess.IsActive(t0.Add(90*time.Minute)))
}

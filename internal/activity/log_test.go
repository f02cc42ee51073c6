package activity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airfi/airfi-voucher-portal/internal/db/dbtest"
)

func TestAppendListDelete(t *testing.T) {
	ctx := context.Background()
	l := NewLog(dbtest.Open(t))
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := l.Append(ctx, Record{Action: ActionRedeem, VoucherCode: "ABCD1234", Subject: "a@example.com", DeviceID: "aa:bb:cc:dd:ee:ff", Timestamp: t0})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	second, err := l.Append(ctx, Record{Action: ActionExtend, VoucherCode: "EFGH5678", Subject: "a@example.com", DeviceID: "aa:bb:cc:dd:ee:ff", Timestamp: t0.Add(time.Minute)})
	require.NoError(t, err)

	records, err := l.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second, records[0])
	assert.Equal(t, first, records[1])

	require.NoError(t, l.Delete(ctx, second.ID))
	records, err = l.List(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []Record{first}, records)
}

func TestLeaderboard(t *testing.T) {
	ctx := context.Background()
	l := NewLog(dbtest.Open(t))

	entries, err := l.Leaderboard(ctx, 10)
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)

	for _, subject := range []string{
		"b@example.com", "a@example.com", "b@example.com",
		"c@example.com", "b@example.com", "a@example.com",
		"aa:bb:cc:dd:ee:ff",
	} {
		_, err := l.Append(ctx, Record{Action: ActionRedeem, VoucherCode: "X", Subject: subject})
		require.NoError(t, err)
	}

	entries, err = l.Leaderboard(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []Entry{
		{Email: "b@example.com", RedeemCount: 3},
		{Email: "a@example.com", RedeemCount: 2},
	}, entries)
}

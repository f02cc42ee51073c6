package db_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airfi/airfi-voucher-portal/internal/db"
	"github.com/airfi/airfi-voucher-portal/internal/db/dbtest"
)

func TestOpenCreatesSchema(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)

	for _, table := range []string{"vouchers", "access_sessions", "activity_log"} {
		var name string
		err := database.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
	require.NoError(t, database.Ping(ctx))
}

func TestWithTx(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)

	insert := func(tx *sql.Tx, code string) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO vouchers (code, created_at_ms) VALUES (?, 0)`, code)
		return err
	}

	require.NoError(t, database.WithTx(ctx, func(tx *sql.Tx) error {
		return insert(tx, "COMMITTD")
	}))

	boom := errors.New("boom")
	err := database.WithTx(ctx, func(tx *sql.Tx) error {
		require.NoError(t, insert(tx, "ROLLEDBK"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, database.QueryRowContext(ctx, `SELECT COUNT(*) FROM vouchers`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestIsConstraint(t *testing.T) {
	ctx := context.Background()
	database := dbtest.Open(t)

	_, err := database.ExecContext(ctx, `INSERT INTO vouchers (code, created_at_ms) VALUES ('DUP', 0)`)
	require.NoError(t, err)
	_, err = database.ExecContext(ctx, `INSERT INTO vouchers (code, created_at_ms) VALUES ('DUP', 0)`)
	require.Error(t, err)
	assert.True(t, db.IsConstraint(err))
	assert.False(t, db.IsConstraint(errors.New("other")))

	wrapped := db.Unavailable("insert", err)
	assert.ErrorIs(t, wrapped, db.ErrUnavailable)
	assert.True(t, db.IsConstraint(wrapped))
}

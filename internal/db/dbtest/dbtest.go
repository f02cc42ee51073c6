// Package dbtest opens throwaway databases for tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/airfi/airfi-voucher-portal/internal/db"
)

// Open returns a fresh SQLite database in a per-test temp directory with the
// production schema. It is closed when the test finishes.
func Open(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "airfi.db"))
	if err != nil {
		t.Fatalf("dbtest.Open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

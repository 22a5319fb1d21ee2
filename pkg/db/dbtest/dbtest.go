// Package dbtest connects integration tests to a migrated PostgreSQL database.
package dbtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/vcmatrix/migrations"
	"github.com/otherjamesbrown/vcmatrix/pkg/db"
)

// EnvURL names the variable holding the test database URL.
const EnvURL = "VCM_TEST_DATABASE_URL"

// Open returns a pool on a migrated database, or skips the test when
// VCM_TEST_DATABASE_URL is unset. The pool is closed on cleanup.
func Open(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv(EnvURL)
	if url == "" {
		t.Skipf("%s not set", EnvURL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := db.DefaultConfig()
	cfg.URL = url
	pool, err := db.Connect(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(pool) })

	_, err = db.NewMigrator(pool, migrations.FS, ".").Run(ctx, db.MigrateOptions{})
	require.NoError(t, err)
	return pool
}

// Truncate empties the named tables.
func Truncate(t *testing.T, pool *pgxpool.Pool, tables ...string) {
	t.Helper()
	for _, table := range tables {
		_, err := pool.Exec(context.Background(), "TRUNCATE "+table+" CASCADE")
		require.NoError(t, err)
	}
}

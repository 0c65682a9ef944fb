// Package testutil provides shared test fixtures, grounded on the
// teacher's internal/testutil.NewPostgresTestPool: tests that need a real
// Postgres skip themselves when one is not configured, rather than failing
// the whole suite in environments without a database.
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresTestPool returns a pool connected to MINSKY_TEST_DATABASE_URL,
// or calls t.Skip if that variable is unset or the database is
// unreachable. The returned cleanup drops any tables the test created
// under a unique schema, then closes the pool.
func NewPostgresTestPool(t *testing.T) (*pgxpool.Pool, string, func()) {
	t.Helper()

	url := os.Getenv("MINSKY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MINSKY_TEST_DATABASE_URL not set; skipping Postgres-backed test")
	}

	ctx := context.Background()
	schema := fmt.Sprintf("minsky_test_%d", os.Getpid())
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		t.Skipf("could not parse test database url: %v", err)
	}
	// search_path is per connection, so every pooled connection sets it.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf(`SET search_path TO %s`, schema))
		return err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Skipf("could not connect to test database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("test database not reachable: %v", err)
	}

	if _, err := pool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema)); err != nil {
		pool.Close()
		t.Fatalf("create test schema: %v", err)
	}

	cleanup := func() {
		_, _ = pool.Exec(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE`, schema))
		pool.Close()
	}
	return pool, schema, cleanup
}

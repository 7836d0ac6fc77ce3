//go:build integration

// Package testdb opens the Postgres database used by integration tests.
// Tests are skipped when no database URL is configured.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    db := testdb.Open(t)
//	    store := postgres.NewOperationStore(db, nil)
//	    ...
//	}
package testdb

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/stretchr/testify/require"

	"github.com/parcelhub/jobcore/internal/platform/logger"
	"github.com/parcelhub/jobcore/internal/platform/postgres"
)

// TestTimeout bounds connection setup and migrations.
const TestTimeout = 30 * time.Second

// DatabaseURL returns JOBCORE_TEST_DATABASE_URL, falling back to
// DATABASE_URL.
func DatabaseURL() string {
	if url := os.Getenv("JOBCORE_TEST_DATABASE_URL"); url != "" {
		return url
	}
	return os.Getenv("DATABASE_URL")
}

// Open connects to the test database, applies migrations and closes the
// pool when the test ends.
func Open(t *testing.T) *sql.DB {
	t.Helper()

	url := DatabaseURL()
	if url == "" {
		t.Skip("JOBCORE_TEST_DATABASE_URL not set - skipping integration test")
	}

	db, err := sql.Open("pgx", url)
	require.NoError(t, err, "Failed to open database connection")
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()
	require.NoError(t, db.PingContext(ctx), "Failed to ping database")
	require.NoError(t, postgres.Migrate(ctx, db, logger.Discard()), "Failed to run migrations")
	return db
}

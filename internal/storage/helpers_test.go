package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/activity-migrator/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// openTestDB connects to the integration database, applies migrations and
// truncates the migrator tables. The test is skipped when Postgres is unreachable.
func openTestDB(t *testing.T) *PostgresDB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.PostgresConfig{
		Host:           envOr("POSTGRES_HOST", "localhost"),
		Port:           envOr("POSTGRES_PORT", "5432"),
		Database:       envOr("POSTGRES_DB", "activity_migrator_test"),
		User:           envOr("POSTGRES_USER", "migrator"),
		Password:       envOr("POSTGRES_PASSWORD", "migrator_dev_password"),
		MaxConnections: 5,
	}

	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.PostgresURL(), "../../migrations/postgres"); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	_, err = db.Pool().Exec(testContext(t), `
		TRUNCATE migration_jobs, migration_progress, migration_reports,
			activities, stream_records, segments, segment_efforts, user_profiles
	`)
	if err != nil {
		t.Fatalf("truncate error = %v", err)
	}
	return db
}

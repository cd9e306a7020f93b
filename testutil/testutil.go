package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestDBURL returns the database URL from AMI_TEST_DATABASE_URL, falling
// back to AMI_DATABASE_URL
func TestDBURL() string {
	if dbURL := os.Getenv("AMI_TEST_DATABASE_URL"); dbURL != "" {
		return dbURL
	}
	return os.Getenv("AMI_DATABASE_URL")
}

// RequireDB returns the test database URL, skipping the test when no
// database is configured or reachable
func RequireDB(t *testing.T) string {
	t.Helper()
	dbURL := TestDBURL()
	if dbURL == "" {
		t.Skip("AMI_TEST_DATABASE_URL not set")
	}
	if err := WaitForDB(dbURL, 2*time.Second); err != nil {
		t.Skipf("database unavailable: %v", err)
	}
	return dbURL
}

// WaitForDB waits for the database to be available
func WaitForDB(dbURL string, timeout time.Duration) error {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		pool, err := pgxpool.NewWithConfig(context.Background(), config)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			err = pool.Ping(ctx)
			cancel()
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("database not available after %v: %w", timeout, err)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// WaitForCondition polls condition every interval until it holds or timeout
// passes, and reports whether it held
func WaitForCondition(condition func() bool, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(interval)
	}
	return condition()
}

package db

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestDB wraps a migrated store backed by a throwaway Postgres container.
type TestDB struct {
	*Store
	container testcontainers.Container
}

func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:15-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	store, err := Open(connStr)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	tdb := &TestDB{Store: store, container: pgContainer}

	_, filename, _, _ := runtime.Caller(0)
	if err := store.Migrate(filepath.Join(filepath.Dir(filename), "..", "..", "migrations")); err != nil {
		tdb.Cleanup(t)
		t.Fatalf("failed to run migrations: %v", err)
	}
	return tdb
}

func (tdb *TestDB) Cleanup(t *testing.T) {
	t.Helper()
	if tdb.Store != nil {
		tdb.Store.Close()
	}
	if tdb.container != nil {
		if err := tdb.container.Terminate(context.Background()); err != nil {
			t.Errorf("failed to terminate container: %v", err)
		}
	}
}

func (tdb *TestDB) TruncateAll(t *testing.T) {
	t.Helper()
	for _, table := range []string{"event_log", "saved_markets", "positions", "markets"} {
		if _, err := tdb.DB.Exec(fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			t.Fatalf("failed to truncate table %s: %v", table, err)
		}
	}
}

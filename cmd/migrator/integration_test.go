//go:build integration

package main

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Run with: go test -tags=integration -timeout 120s ./cmd/migrator/...
func TestMigrationsAgainstRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool, "../../migrations", nil, nil, t.Logf); err != nil {
		t.Fatalf("runMigrations: %v", err)
	}

	var n int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatalf("ledger count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 applied migrations, got %d", n)
	}

	// The audit action column must enforce the 20-byte width.
	var width int
	err = pool.QueryRow(ctx, `
		SELECT character_maximum_length
		FROM information_schema.columns
		WHERE table_name='audit_events' AND column_name='action'
	`).Scan(&width)
	if err != nil {
		t.Fatalf("audit column width: %v", err)
	}
	if width != 20 {
		t.Fatalf("expected action width 20, got %d", width)
	}

	// Re-running is a no-op.
	if err := runMigrations(ctx, pool, "../../migrations", nil, nil, t.Logf); err != nil {
		t.Fatalf("second runMigrations: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatalf("ledger recount: %v", err)
	}
	if n != 3 {
		t.Fatalf("re-run must not re-apply, got %d", n)
	}
}

// Package integration runs the Postgres-backed repository against a real
// database started with testcontainers. Set ELIGIBILITY_TEST_PG_DSN to reuse
// an existing database instead; -short skips the package.
package integration

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/clinicware/eligibility/internal/platform/db"
	"github.com/clinicware/eligibility/migrations"
)

var globalPool *pgxpool.Pool

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		fmt.Println("skipping integration tests in short mode")
		os.Exit(0)
	}

	ctx := context.Background()
	dsn, terminate, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
		os.Exit(1)
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: dsn, MaxConns: 10})
	if err != nil {
		terminate()
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	if _, err := db.NewMigrator(pool, migrations.Files, "").Up(ctx); err != nil {
		pool.Close()
		terminate()
		fmt.Fprintf(os.Stderr, "failed to migrate: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	pool.Close()
	terminate()
	os.Exit(code)
}

func startPostgres(ctx context.Context) (string, func(), error) {
	if dsn := os.Getenv("ELIGIBILITY_TEST_PG_DSN"); dsn != "" {
		return dsn, func() {}, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("eligibility"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return "", nil, err
	}
	terminate := func() { _ = pgC.Terminate(context.Background()) }

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate()
		return "", nil, err
	}
	return dsn, terminate, nil
}

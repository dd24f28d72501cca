package dbx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// newTestPool starts (once per package run) a shared Postgres testcontainer,
// creates a dedicated schema for the calling test, and returns a *Pool
// scoped to it via search_path. The schema is dropped on test cleanup.
func newTestPool(t *testing.T) *Pool {
	t.Helper()
	ctx := context.Background()

	connStr := getOrCreateSharedContainer(t)
	schema := generateSchemaName(t)

	base, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	_, err = base.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema))
	require.NoError(t, err)
	base.Close()

	scoped, err := pgxpool.New(ctx, connStr+"&search_path="+schema)
	require.NoError(t, err)

	_, err = scoped.Exec(ctx, `
		CREATE TABLE keyvalue_state (
			key TEXT PRIMARY KEY,
			value JSONB NOT NULL,
			version INT NOT NULL
		)
	`)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropCtx := context.Background()
		cleaner, err := pgxpool.New(dropCtx, connStr)
		if err == nil {
			_, _ = cleaner.Exec(dropCtx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
			cleaner.Close()
		}
		scoped.Close()
	})

	return &Pool{Pool: scoped}
}

func getOrCreateSharedContainer(t *testing.T) string {
	t.Helper()

	containerOnce.Do(func() {
		ctx := context.Background()
		pgContainer, err := postgres.Run(ctx,
			"postgres:17-alpine",
			postgres.WithDatabase("test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}

		connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("get connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	require.NoError(t, containerErr, "failed to set up shared postgres test container")
	return sharedConnStr
}

func generateSchemaName(t *testing.T) string {
	t.Helper()
	randomBytes := make([]byte, 4)
	_, err := rand.Read(randomBytes)
	require.NoError(t, err)
	return fmt.Sprintf("test_%s", hex.EncodeToString(randomBytes))
}

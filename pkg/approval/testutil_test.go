package approval

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
// creates a dedicated schema for the calling test with the approval tables,
// and returns a *pgxpool.Pool scoped to it via search_path.
func newTestPool(t *testing.T) *pgxpool.Pool {
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
		CREATE TABLE pending_actions (
			id TEXT PRIMARY KEY,
			tool_name TEXT NOT NULL,
			tool_args JSONB NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			requested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			decided_by TEXT,
			decided_at TIMESTAMPTZ,
			execution_result JSONB,
			expires_at TIMESTAMPTZ,
			approval_rule_id TEXT
		);

		CREATE TABLE approval_rules (
			id TEXT PRIMARY KEY,
			tool_name TEXT NOT NULL,
			arg_constraints JSONB NOT NULL DEFAULT '{}',
			description TEXT,
			expires_at TIMESTAMPTZ,
			max_uses INT,
			use_count INT NOT NULL DEFAULT 0,
			created_from TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			active BOOLEAN NOT NULL DEFAULT true
		);

		CREATE TABLE approval_events (
			id SERIAL PRIMARY KEY,
			action_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			actor TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
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

	return scoped
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

func insertPendingAction(t *testing.T, pool *pgxpool.Pool, id, toolName, status string, toolArgs string) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		INSERT INTO pending_actions (id, tool_name, tool_args, status, requested_at)
		VALUES ($1, $2, $3, $4, now())
	`, id, toolName, toolArgs, status)
	require.NoError(t, err)
}

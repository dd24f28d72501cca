package delivery

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
		CREATE TABLE delivery_requests (
			id TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL UNIQUE,
			origin_butler TEXT NOT NULL,
			channel TEXT NOT NULL,
			intent TEXT NOT NULL,
			target_identity TEXT NOT NULL,
			message_content TEXT NOT NULL,
			status TEXT NOT NULL,
			terminal_error_class TEXT,
			terminal_error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			terminal_at TIMESTAMPTZ
		)
	`)
	require.NoError(t, err)

	_, err = scoped.Exec(ctx, `
		CREATE TABLE delivery_attempts (
			id TEXT PRIMARY KEY,
			delivery_request_id TEXT NOT NULL REFERENCES delivery_requests(id),
			attempt_number INT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			latency_ms BIGINT,
			outcome TEXT NOT NULL,
			error_class TEXT,
			error_message TEXT,
			provider_response_json JSONB
		)
	`)
	require.NoError(t, err)

	_, err = scoped.Exec(ctx, `
		CREATE TABLE dead_letter (
			id TEXT PRIMARY KEY,
			delivery_request_id TEXT NOT NULL UNIQUE REFERENCES delivery_requests(id),
			quarantine_reason TEXT NOT NULL,
			error_class TEXT,
			error_summary TEXT,
			total_attempts INT NOT NULL,
			first_attempt_at TIMESTAMPTZ NOT NULL,
			last_attempt_at TIMESTAMPTZ NOT NULL,
			original_envelope_json JSONB,
			all_attempt_outcomes_json JSONB,
			replay_eligible BOOLEAN NOT NULL DEFAULT true,
			replay_count INT NOT NULL DEFAULT 0,
			discarded_at TIMESTAMPTZ,
			discard_reason TEXT
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

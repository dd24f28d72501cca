package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
}

func TestDeliver_SuccessOnFirstAttempt(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	id, _, err := Enqueue(ctx, pool, "deliver-success", "scheduler", "slack", "notify", "U1", "hi")
	require.NoError(t, err)

	calls := 0
	send := func(ctx context.Context, env Envelope) SendResult {
		calls++
		return SendResult{Outcome: OutcomeSuccess, ProviderResponse: map[string]any{"ts": "123"}}
	}

	err = Deliver(ctx, pool, id, Envelope{Channel: "slack", TargetIdentity: "U1", MessageContent: "hi"}, send, fastPolicy())
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	row, err := pool.Query(ctx, "SELECT status FROM delivery_requests WHERE id = $1", id)
	require.NoError(t, err)
	defer row.Close()
	require.True(t, row.Next())
	var status string
	require.NoError(t, row.Scan(&status))
	require.Equal(t, string(StatusDelivered), status)
}

func TestDeliver_RetriesThenSucceeds(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	id, _, err := Enqueue(ctx, pool, "deliver-retry-succeed", "scheduler", "slack", "notify", "U1", "hi")
	require.NoError(t, err)

	calls := 0
	send := func(ctx context.Context, env Envelope) SendResult {
		calls++
		if calls < 3 {
			return SendResult{Outcome: OutcomeRetryableError, ErrorClass: "rate_limited", ErrorMessage: "try later"}
		}
		return SendResult{Outcome: OutcomeSuccess}
	}

	err = Deliver(ctx, pool, id, Envelope{Channel: "slack", TargetIdentity: "U1", MessageContent: "hi"}, send, fastPolicy())
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	rows, err := pool.Query(ctx, "SELECT outcome FROM delivery_attempts WHERE delivery_request_id = $1 ORDER BY attempt_number", id)
	require.NoError(t, err)
	defer rows.Close()
	var outcomes []string
	for rows.Next() {
		var o string
		require.NoError(t, rows.Scan(&o))
		outcomes = append(outcomes, o)
	}
	require.Equal(t, []string{"retryable_error", "retryable_error", "success"}, outcomes)
}

func TestDeliver_NonRetryableErrorDeadLettersImmediately(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	id, _, err := Enqueue(ctx, pool, "deliver-non-retryable", "scheduler", "slack", "notify", "U1", "hi")
	require.NoError(t, err)

	calls := 0
	send := func(ctx context.Context, env Envelope) SendResult {
		calls++
		return SendResult{Outcome: OutcomeNonRetryableError, ErrorClass: "invalid_recipient", ErrorMessage: "no such user"}
	}

	err = Deliver(ctx, pool, id, Envelope{Channel: "slack", TargetIdentity: "U1", MessageContent: "hi"}, send, fastPolicy())
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	entry, elig, err := Inspect(ctx, pool, mustDeadLetterID(ctx, t, pool, id))
	require.NoError(t, err)
	require.NotNil(t, entry)
	require.Equal(t, "non_retryable_error", entry.QuarantineReason)
	require.True(t, elig.Eligible)
}

func TestDeliver_ExhaustsRetryBudgetThenDeadLetters(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	id, _, err := Enqueue(ctx, pool, "deliver-exhausted", "scheduler", "slack", "notify", "U1", "hi")
	require.NoError(t, err)

	calls := 0
	send := func(ctx context.Context, env Envelope) SendResult {
		calls++
		return SendResult{Outcome: OutcomeRetryableError, ErrorClass: "timeout", ErrorMessage: "upstream slow"}
	}

	err = Deliver(ctx, pool, id, Envelope{Channel: "slack", TargetIdentity: "U1", MessageContent: "hi"}, send, fastPolicy())
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	dlID := mustDeadLetterID(ctx, t, pool, id)
	entry, _, err := Inspect(ctx, pool, dlID)
	require.NoError(t, err)
	require.Equal(t, "retry_budget_exhausted", entry.QuarantineReason)
	require.Equal(t, 3, entry.TotalAttempts)
}

func TestDeliver_CancelledDuringBackoffDeadLetters(t *testing.T) {
	pool := newTestPool(t)
	ctx, cancel := context.WithCancel(context.Background())

	id, _, err := Enqueue(context.Background(), pool, "deliver-cancelled", "scheduler", "slack", "notify", "U1", "hi")
	require.NoError(t, err)

	calls := 0
	send := func(ctx context.Context, env Envelope) SendResult {
		calls++
		if calls == 1 {
			cancel()
		}
		return SendResult{Outcome: OutcomeRetryableError, ErrorClass: "timeout"}
	}

	err = Deliver(ctx, pool, id, Envelope{Channel: "slack", TargetIdentity: "U1", MessageContent: "hi"}, send, fastPolicy())
	require.NoError(t, err)

	dlID := mustDeadLetterID(context.Background(), t, pool, id)
	entry, _, err := Inspect(context.Background(), pool, dlID)
	require.NoError(t, err)
	require.Equal(t, "cancelled", entry.QuarantineReason)
}

func mustDeadLetterID(ctx context.Context, t *testing.T, pool *pgxpool.Pool, requestID string) string {
	t.Helper()
	row, err := pool.Query(ctx, "SELECT id FROM dead_letter WHERE delivery_request_id = $1", requestID)
	require.NoError(t, err)
	defer row.Close()
	require.True(t, row.Next())
	var id string
	require.NoError(t, row.Scan(&id))
	return id
}

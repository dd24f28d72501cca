package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/butlerhq/substrate/pkg/dbx"
)

// Deliver drives the attempt/backoff loop for one delivery_requests row:
// send, record the attempt, and either finalize delivered/dead_lettered or
// back off and retry.
func Deliver(ctx context.Context, q dbx.Queryer, requestID string, env Envelope, send SendFunc, policy RetryPolicy) error {
	if _, err := dbx.Execute(ctx, q, `
		UPDATE delivery_requests SET status = $1, updated_at = now() WHERE id = $2 AND status = $3
	`, StatusInProgress, requestID, StatusPending); err != nil {
		return fmt.Errorf("delivery: mark in_progress: %w", err)
	}

	// Ledger writes after a send use a context that ctx's cancellation does
	// not reach, so an attempt already made is still recorded and a delivery
	// cancelled during backoff is still dead-lettered.
	dbCtx := context.WithoutCancel(ctx)

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		start := time.Now()
		result := send(ctx, env)
		latency := time.Since(start).Milliseconds()

		if err := recordAttempt(dbCtx, q, requestID, attempt, result, latency); err != nil {
			return err
		}

		switch result.Outcome {
		case OutcomeSuccess:
			return markDelivered(dbCtx, q, requestID)
		case OutcomeNonRetryableError:
			return quarantine(dbCtx, q, requestID, "non_retryable_error", result.ErrorClass, result.ErrorMessage, attempt)
		case OutcomeRetryableError, OutcomeTimeout:
			if attempt == policy.MaxAttempts {
				return quarantine(dbCtx, q, requestID, "retry_budget_exhausted", result.ErrorClass, result.ErrorMessage, attempt)
			}
			if err := sleepBackoff(ctx, policy, attempt); err != nil {
				return quarantine(dbCtx, q, requestID, "cancelled", result.ErrorClass, "delivery cancelled during backoff", attempt)
			}
		}
	}

	return nil
}

func sleepBackoff(ctx context.Context, policy RetryPolicy, attempt int) error {
	delay := time.Duration(float64(policy.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

func recordAttempt(ctx context.Context, q dbx.Queryer, requestID string, attemptNumber int, result SendResult, latencyMS int64) error {
	response, err := json.Marshal(result.ProviderResponse)
	if err != nil {
		return fmt.Errorf("delivery: encode provider response: %w", err)
	}
	_, err = dbx.Execute(ctx, q, `
		INSERT INTO delivery_attempts
			(id, delivery_request_id, attempt_number, started_at, completed_at, latency_ms, outcome, error_class, error_message, provider_response_json)
		VALUES ($1, $2, $3, now(), now(), $4, $5, $6, $7, $8)
	`, uuid.NewString(), requestID, attemptNumber, latencyMS, result.Outcome, result.ErrorClass, result.ErrorMessage, response)
	if err != nil {
		return fmt.Errorf("delivery: record attempt: %w", err)
	}
	return nil
}

func markDelivered(ctx context.Context, q dbx.Queryer, requestID string) error {
	_, err := dbx.Execute(ctx, q, `
		UPDATE delivery_requests SET status = $1, terminal_at = now(), updated_at = now() WHERE id = $2
	`, StatusDelivered, requestID)
	if err != nil {
		return fmt.Errorf("delivery: mark delivered: %w", err)
	}
	return nil
}

func quarantine(ctx context.Context, q dbx.Queryer, requestID, reason, errorClass, errorMessage string, totalAttempts int) error {
	_, err := dbx.Execute(ctx, q, `
		UPDATE delivery_requests
		SET status = $1, terminal_error_class = $2, terminal_error_message = $3, terminal_at = now(), updated_at = now()
		WHERE id = $4
	`, StatusDeadLettered, errorClass, errorMessage, requestID)
	if err != nil {
		return fmt.Errorf("delivery: mark dead_lettered: %w", err)
	}

	row, err := dbx.FetchRow(ctx, q, `
		SELECT idempotency_key, origin_butler, channel, intent, target_identity, message_content, created_at
		FROM delivery_requests WHERE id = $1
	`, requestID)
	if err != nil {
		return fmt.Errorf("delivery: fetch request for quarantine: %w", err)
	}
	if row == nil {
		return fmt.Errorf("delivery: quarantine: request %s not found", requestID)
	}

	envelope, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("delivery: encode original envelope: %w", err)
	}

	outcomes, err := dbx.Fetch(ctx, q, `
		SELECT outcome FROM delivery_attempts WHERE delivery_request_id = $1 ORDER BY attempt_number
	`, requestID)
	if err != nil {
		return fmt.Errorf("delivery: fetch attempt outcomes: %w", err)
	}
	outcomeList := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		s, _ := o["outcome"].(string)
		outcomeList = append(outcomeList, s)
	}
	outcomesJSON, err := json.Marshal(outcomeList)
	if err != nil {
		return fmt.Errorf("delivery: encode attempt outcomes: %w", err)
	}

	_, err = dbx.Execute(ctx, q, `
		INSERT INTO dead_letter
			(id, delivery_request_id, quarantine_reason, error_class, error_summary, total_attempts,
			 first_attempt_at, last_attempt_at, original_envelope_json, all_attempt_outcomes_json, replay_eligible, replay_count)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now(), $7, $8, true, 0)
		ON CONFLICT (delivery_request_id) DO NOTHING
	`, uuid.NewString(), requestID, reason, errorClass, errorMessage, totalAttempts, envelope, outcomesJSON)
	if err != nil {
		return fmt.Errorf("delivery: insert dead_letter: %w", err)
	}
	return nil
}

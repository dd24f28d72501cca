package delivery

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/butlerhq/substrate/pkg/dbx"
)

// Enqueue inserts a new delivery_requests row in status pending.
// Idempotent by idempotencyKey: a repeated call with the same key is a
// no-op that returns the prior request's id with duplicate=true.
func Enqueue(ctx context.Context, q dbx.Queryer, idempotencyKey, originButler, channel, intent, targetIdentity, messageContent string) (requestID string, duplicate bool, err error) {
	id := uuid.NewString()
	inserted, err := dbx.FetchRow(ctx, q, `
		INSERT INTO delivery_requests
			(id, idempotency_key, origin_butler, channel, intent, target_identity, message_content, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`, id, idempotencyKey, originButler, channel, intent, targetIdentity, messageContent, StatusPending)
	if err != nil {
		return "", false, fmt.Errorf("delivery: insert request: %w", err)
	}
	if inserted != nil {
		return id, false, nil
	}

	existing, err := dbx.FetchRow(ctx, q, `SELECT id FROM delivery_requests WHERE idempotency_key = $1`, idempotencyKey)
	if err != nil {
		return "", false, fmt.Errorf("delivery: resolve duplicate: %w", err)
	}
	if existing == nil {
		return "", false, fmt.Errorf("delivery: conflicting insert resolved to no row for key %s", idempotencyKey)
	}
	existingID, _ := existing["id"].(string)
	return existingID, true, nil
}

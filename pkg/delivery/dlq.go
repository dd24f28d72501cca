package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/butlerhq/substrate/pkg/dbx"
)

// ListFilter narrows List's result set.
type ListFilter struct {
	IncludeDiscarded bool
	Channel          string
	OriginButler     string
	ErrorClass       string
	Since            *time.Time
	Limit            int
}

// List returns dead-letter rows ordered newest-first.
func List(ctx context.Context, q dbx.Queryer, f ListFilter) ([]DeadLetter, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT dl.id, dl.delivery_request_id, dl.quarantine_reason, dl.error_class, dl.error_summary,
		       dl.total_attempts, dl.first_attempt_at, dl.last_attempt_at, dl.original_envelope_json,
		       dl.all_attempt_outcomes_json, dl.replay_eligible, dl.replay_count, dl.discarded_at, dl.discard_reason
		FROM dead_letter dl
		JOIN delivery_requests dr ON dr.id = dl.delivery_request_id
		WHERE 1=1`
	args := []any{}
	add := func(clause string, val any) {
		args = append(args, val)
		query += fmt.Sprintf(" AND %s $%d", clause, len(args))
	}

	if !f.IncludeDiscarded {
		query += " AND dl.discarded_at IS NULL"
	}
	if f.Channel != "" {
		add("dr.channel =", f.Channel)
	}
	if f.OriginButler != "" {
		add("dr.origin_butler =", f.OriginButler)
	}
	if f.ErrorClass != "" {
		add("dl.error_class =", f.ErrorClass)
	}
	if f.Since != nil {
		add("dl.last_attempt_at >=", *f.Since)
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY dl.first_attempt_at DESC LIMIT $%d", len(args))

	rows, err := dbx.Fetch(ctx, q, query, args...)
	if err != nil {
		return nil, fmt.Errorf("delivery: list dead letters: %w", err)
	}

	out := make([]DeadLetter, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToDeadLetter(row))
	}
	return out, nil
}

// Inspect returns the full dead-letter row plus its replay eligibility
// assessment.
func Inspect(ctx context.Context, q dbx.Queryer, id string) (*DeadLetter, ReplayEligibility, error) {
	row, err := dbx.FetchRow(ctx, q, `
		SELECT id, delivery_request_id, quarantine_reason, error_class, error_summary, total_attempts,
		       first_attempt_at, last_attempt_at, original_envelope_json, all_attempt_outcomes_json,
		       replay_eligible, replay_count, discarded_at, discard_reason
		FROM dead_letter WHERE id = $1
	`, id)
	if err != nil {
		return nil, ReplayEligibility{}, fmt.Errorf("delivery: inspect: %w", err)
	}
	if row == nil {
		return nil, ReplayEligibility{}, nil
	}
	entry := rowToDeadLetter(row)
	return &entry, assessEligibility(entry), nil
}

func assessEligibility(entry DeadLetter) ReplayEligibility {
	var reasons []string
	if !entry.ReplayEligible {
		reasons = append(reasons, "replay_eligible is false")
	}
	if entry.DiscardedAt != nil {
		reasons = append(reasons, "entry has been discarded")
	}
	return ReplayEligibility{Eligible: len(reasons) == 0, Reasons: reasons}
}

// Replay derives a new delivery_request from a dead-lettered one and
// atomically increments the dead-letter row's replay_count.
func Replay(ctx context.Context, q dbx.Queryer, id string) (map[string]any, error) {
	entry, eligibility, err := Inspect(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("delivery: replay: dead letter %s not found", id)
	}
	if !eligibility.Eligible {
		return map[string]any{
			"status": "rejected",
			"reason": strings.Join(eligibility.Reasons, "; "),
		}, nil
	}

	original, err := dbx.FetchRow(ctx, q, `
		SELECT idempotency_key, origin_butler, channel, intent, target_identity, message_content
		FROM delivery_requests WHERE id = $1
	`, entry.DeliveryRequestID)
	if err != nil {
		return nil, fmt.Errorf("delivery: replay: fetch original request: %w", err)
	}
	if original == nil {
		return nil, fmt.Errorf("delivery: replay: original request %s not found", entry.DeliveryRequestID)
	}

	originalKey, _ := original["idempotency_key"].(string)
	replayNumber := entry.ReplayCount + 1
	derivedKey := fmt.Sprintf("%s::replay-%d", originalKey, replayNumber)

	newID := uuid.NewString()
	_, err = dbx.Execute(ctx, q, `
		INSERT INTO delivery_requests
			(id, idempotency_key, origin_butler, channel, intent, target_identity, message_content, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
	`, newID, derivedKey, original["origin_butler"], original["channel"], original["intent"],
		original["target_identity"], original["message_content"], StatusPending)
	if err != nil {
		return nil, fmt.Errorf("delivery: replay: insert derived request: %w", err)
	}

	affected, err := dbx.Execute(ctx, q, `UPDATE dead_letter SET replay_count = replay_count + 1 WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("delivery: replay: increment replay_count: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("delivery: replay: dead letter %s vanished mid-replay", id)
	}

	return map[string]any{
		"status":                  "ok",
		"replayed_delivery_id":    newID,
		"replay_number":           replayNumber,
		"original_dead_letter_id": id,
	}, nil
}

// Discard permanently marks a dead-letter row as non-replayable. reason
// must be non-empty after trimming. Already-discarded rows are rejected,
// preserving the original discard reason.
func Discard(ctx context.Context, q dbx.Queryer, id, reason string) error {
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return fmt.Errorf("delivery: discard: reason is required")
	}

	row, err := dbx.FetchRow(ctx, q, `SELECT discarded_at FROM dead_letter WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delivery: discard: %w", err)
	}
	if row == nil {
		return fmt.Errorf("delivery: discard: dead letter %s not found", id)
	}
	if row["discarded_at"] != nil {
		return fmt.Errorf("delivery: discard: %s already discarded", id)
	}

	_, err = dbx.Execute(ctx, q, `
		UPDATE dead_letter SET replay_eligible = false, discarded_at = now(), discard_reason = $2
		WHERE id = $1 AND discarded_at IS NULL
	`, id, trimmed)
	if err != nil {
		return fmt.Errorf("delivery: discard: %w", err)
	}
	return nil
}

func rowToDeadLetter(row dbx.Row) DeadLetter {
	entry := DeadLetter{
		QuarantineReason: stringField(row, "quarantine_reason"),
		ErrorClass:       stringField(row, "error_class"),
		ErrorSummary:     stringField(row, "error_summary"),
		DiscardReason:    stringField(row, "discard_reason"),
	}
	entry.ID = stringField(row, "id")
	entry.DeliveryRequestID = stringField(row, "delivery_request_id")
	if v, ok := row["total_attempts"].(int64); ok {
		entry.TotalAttempts = int(v)
	} else if v, ok := row["total_attempts"].(int32); ok {
		entry.TotalAttempts = int(v)
	}
	if v, ok := row["first_attempt_at"].(time.Time); ok {
		entry.FirstAttemptAt = v
	}
	if v, ok := row["last_attempt_at"].(time.Time); ok {
		entry.LastAttemptAt = v
	}
	if v, ok := row["original_envelope_json"].(map[string]any); ok {
		entry.OriginalEnvelope = v
	}
	if v, ok := row["all_attempt_outcomes_json"].([]any); ok {
		for _, item := range v {
			if s, ok := item.(string); ok {
				entry.AllAttemptOutcomes = append(entry.AllAttemptOutcomes, s)
			}
		}
	}
	if v, ok := row["replay_eligible"].(bool); ok {
		entry.ReplayEligible = v
	}
	if v, ok := row["replay_count"].(int64); ok {
		entry.ReplayCount = int(v)
	} else if v, ok := row["replay_count"].(int32); ok {
		entry.ReplayCount = int(v)
	}
	if v, ok := row["discarded_at"].(time.Time); ok {
		entry.DiscardedAt = &v
	}
	return entry
}

func stringField(row dbx.Row, key string) string {
	v, _ := row[key].(string)
	return v
}

package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/butlerhq/substrate/pkg/dbx"
)

// ToolFn is the approved tool invocation itself: the original tool call
// that was deferred pending human approval.
type ToolFn func(ctx context.Context, args map[string]any) (map[string]any, error)

// actionLocks serializes concurrent execute attempts for the same action
// id so retries execute the tool exactly once, mirroring the
// per-key-mutex-in-a-sync.Map shape used elsewhere in this daemon for
// per-resource serialization.
var actionLocks sync.Map // action id -> *sync.Mutex

func lockFor(actionID string) *sync.Mutex {
	muI, _ := actionLocks.LoadOrStore(actionID, &sync.Mutex{})
	return muI.(*sync.Mutex)
}

// ExecuteApprovedAction runs tool_fn for an approved action and records the
// outcome. Idempotent: a second call against an already-executed action
// returns the stored result without invoking tool_fn again.
func ExecuteApprovedAction(ctx context.Context, pool dbx.Queryer, actionID, toolName string, toolArgs map[string]any, toolFn ToolFn, approvalRuleID string) (ExecutionResult, error) {
	mu := lockFor(actionID)
	mu.Lock()
	defer mu.Unlock()

	action, err := ShowPendingAction(ctx, pool, actionID)
	if err != nil {
		return ExecutionResult{}, err
	}
	if action == nil {
		return ExecutionResult{}, fmt.Errorf("execute approved action: not found: %s", actionID)
	}

	if action.Status == StatusExecuted {
		return resultFromMap(action.ExecutionResult), nil
	}

	result, toolErr := toolFn(ctx, toolArgs)
	outcome := ExecutionResult{ExecutedAt: time.Now().UTC()}
	if toolErr != nil {
		outcome.Success = false
		outcome.Error = toolErr.Error()
	} else {
		outcome.Success = true
		outcome.Result = result
	}

	encoded, err := json.Marshal(outcome)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("execute approved action: encode result: %w", err)
	}
	// Return the result in the JSON-decoded form that is stored, so this call
	// and any later replay of the stored result hand back equal values.
	var stored map[string]any
	if err := json.Unmarshal(encoded, &stored); err == nil {
		outcome.Result, _ = stored["result"].(map[string]any)
	}

	affected, err := dbx.Execute(ctx, pool, `
		UPDATE pending_actions
		SET status = $1, execution_result = $2, decided_at = now()
		WHERE id = $3 AND status = $4
	`, StatusExecuted, encoded, actionID, StatusApproved)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("execute approved action: %w", err)
	}

	if affected == 0 {
		// Another worker won the CAS race; re-read and return its result.
		current, err := ShowPendingAction(ctx, pool, actionID)
		if err != nil {
			return ExecutionResult{}, err
		}
		if current != nil {
			return resultFromMap(current.ExecutionResult), nil
		}
		return outcome, nil
	}

	if approvalRuleID != "" {
		if _, err := dbx.Execute(ctx, pool, `UPDATE approval_rules SET use_count = use_count + 1 WHERE id = $1`, approvalRuleID); err != nil {
			return outcome, fmt.Errorf("execute approved action: increment rule use_count: %w", err)
		}
	}

	eventType := "action_execution_succeeded"
	if !outcome.Success {
		eventType = "action_execution_failed"
	}
	if _, err := dbx.Execute(ctx, pool, `
		INSERT INTO approval_events (action_id, event_type, actor, created_at)
		VALUES ($1, $2, 'system:executor', now())
	`, actionID, eventType); err != nil {
		return outcome, fmt.Errorf("execute approved action: record event: %w", err)
	}

	return outcome, nil
}

func resultFromMap(m map[string]any) ExecutionResult {
	if m == nil {
		return ExecutionResult{}
	}
	success, _ := m["success"].(bool)
	errStr, _ := m["error"].(string)
	result, _ := m["result"].(map[string]any)
	return ExecutionResult{Success: success, Error: errStr, Result: result}
}

package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListPendingActions_FiltersByStatus(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	insertPendingAction(t, pool, "p1", "send_message", "pending", `{}`)
	insertPendingAction(t, pool, "p2", "send_message", "approved", `{}`)

	pending := "pending"
	rows, err := ListPendingActions(ctx, pool, &pending, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "p1", rows[0].ID)
}

func TestListPendingActions_NoFilterReturnsAll(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	insertPendingAction(t, pool, "p1", "send_message", "pending", `{}`)
	insertPendingAction(t, pool, "p2", "send_message", "approved", `{}`)

	rows, err := ListPendingActions(ctx, pool, nil, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestShowPendingAction_NotFound(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	action, err := ShowPendingAction(ctx, pool, "missing")
	require.NoError(t, err)
	assert.Nil(t, action)
}

func TestPendingActionCount(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	insertPendingAction(t, pool, "p1", "send_message", "pending", `{}`)
	insertPendingAction(t, pool, "p2", "send_message", "pending", `{}`)
	insertPendingAction(t, pool, "p3", "send_message", "approved", `{}`)

	counts, err := PendingActionCount(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts["total"])
}

func TestApproveAction_WithoutExecutor(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	insertPendingAction(t, pool, "a1", "send_message", "pending", `{"channel":"C1"}`)

	result, err := ApproveAction(ctx, pool, "a1", false, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, result["status"])

	action, err := ShowPendingAction(ctx, pool, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, action.Status)
}

func TestApproveAction_WithExecutor(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	insertPendingAction(t, pool, "a2", "send_message", "pending", `{"channel":"C1"}`)

	toolFn := func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"ts": "1.0"}, nil
	}

	result, err := ApproveAction(ctx, pool, "a2", false, toolFn)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, result["status"])
}

func TestApproveAction_WithExecutorFailure(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	insertPendingAction(t, pool, "a3", "send_message", "pending", `{}`)

	toolFn := func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return nil, errors.New("boom")
	}

	result, err := ApproveAction(ctx, pool, "a3", false, toolFn)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, result["status"])
	execResult, _ := result["execution_result"].(map[string]any)
	assert.Equal(t, false, execResult["success"])
}

func TestApproveAction_CreatesRule(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	insertPendingAction(t, pool, "a4", "send_message", "pending", `{"channel":"C1"}`)

	result, err := ApproveAction(ctx, pool, "a4", true, nil)
	require.NoError(t, err)
	createdRule, ok := result["created_rule"].(map[string]any)
	require.True(t, ok, "expected created_rule in result")
	assert.Equal(t, "send_message", createdRule["tool_name"])

	rules, err := ListApprovalRules(ctx, pool, nil, true)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestApproveAction_AlreadyRejectedCannotBeApproved(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	insertPendingAction(t, pool, "a5", "send_message", "rejected", `{}`)

	result, err := ApproveAction(ctx, pool, "a5", false, nil)
	require.NoError(t, err)
	assert.Contains(t, result["error"], "Cannot transition")
}

func TestApproveAction_NotFound(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	result, err := ApproveAction(ctx, pool, "missing", false, nil)
	require.NoError(t, err)
	assert.Contains(t, result["error"], "not found")
}

func TestRejectAction(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	insertPendingAction(t, pool, "r1", "send_message", "pending", `{}`)

	result, err := RejectAction(ctx, pool, "r1", "not needed")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, result["status"])
	assert.Contains(t, result["decided_by"], "not needed")
}

func TestRejectAction_InvalidTransition(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	insertPendingAction(t, pool, "r2", "send_message", "executed", `{}`)

	result, err := RejectAction(ctx, pool, "r2", "")
	require.NoError(t, err)
	assert.Contains(t, result["error"], "Cannot transition")
}

func TestExpireStaleActions(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	insertPendingAction(t, pool, "e1", "send_message", "pending", `{}`)

	past := time.Now().Add(-time.Hour)
	_, err := pool.Exec(ctx, `UPDATE pending_actions SET expires_at = $1 WHERE id = $2`, past, "e1")
	require.NoError(t, err)

	affected, err := ExpireStaleActions(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	action, err := ShowPendingAction(ctx, pool, "e1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, action.Status)
}

func TestExpireStaleActions_LeavesFutureExpiryAlone(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	insertPendingAction(t, pool, "e2", "send_message", "pending", `{}`)

	future := time.Now().Add(time.Hour)
	_, err := pool.Exec(ctx, `UPDATE pending_actions SET expires_at = $1 WHERE id = $2`, future, "e2")
	require.NoError(t, err)

	affected, err := ExpireStaleActions(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, int64(0), affected)
}

func TestCreateRuleFromAction(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	insertPendingAction(t, pool, "c1", "send_message", "approved", `{"channel":"C1","message":"secret text"}`)

	ruleID, err := CreateRuleFromAction(ctx, pool, "c1", map[string]any{"extra": "value"})
	require.NoError(t, err)

	rule, err := ShowApprovalRule(ctx, pool, ruleID)
	require.NoError(t, err)
	assert.Equal(t, "send_message", rule.ToolName)
	assert.Equal(t, "C1", rule.ArgConstraints["channel"])
	assert.Equal(t, "value", rule.ArgConstraints["extra"])
	assert.NotContains(t, rule.ArgConstraints, "message")
}

func TestCreateRuleFromAction_NotFound(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	_, err := CreateRuleFromAction(ctx, pool, "missing", nil)
	assert.Error(t, err)
}

func TestSuggestRuleConstraints(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	insertPendingAction(t, pool, "s1", "send_message", "pending", `{"channel":"C1","body":"free text"}`)

	constraints, err := SuggestRuleConstraints(ctx, pool, "s1")
	require.NoError(t, err)
	assert.Equal(t, "C1", constraints["channel"])
	assert.NotContains(t, constraints, "body")

	rules, err := ListApprovalRules(ctx, pool, nil, false)
	require.NoError(t, err)
	assert.Empty(t, rules, "preview must not create a rule")
}

func TestRevokeApprovalRule(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	ruleID, err := CreateApprovalRule(ctx, pool, "send_message", map[string]any{}, "desc", nil, nil)
	require.NoError(t, err)

	err = RevokeApprovalRule(ctx, pool, ruleID)
	require.NoError(t, err)

	rule, err := ShowApprovalRule(ctx, pool, ruleID)
	require.NoError(t, err)
	assert.False(t, rule.Active)
}

func TestListApprovalRules_ActiveOnly(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	id1, err := CreateApprovalRule(ctx, pool, "send_message", map[string]any{}, "active rule", nil, nil)
	require.NoError(t, err)
	id2, err := CreateApprovalRule(ctx, pool, "send_message", map[string]any{}, "revoked rule", nil, nil)
	require.NoError(t, err)
	require.NoError(t, RevokeApprovalRule(ctx, pool, id2))

	rules, err := ListApprovalRules(ctx, pool, nil, true)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, id1, rules[0].ID)
}

func TestListExecutedActions_FiltersAndCaps(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	insertPendingAction(t, pool, "x1", "send_message", "executed", `{}`)
	insertPendingAction(t, pool, "x2", "other_tool", "executed", `{}`)
	insertPendingAction(t, pool, "x3", "send_message", "pending", `{}`)

	toolName := "send_message"
	rows, err := ListExecutedActions(ctx, pool, &toolName, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "x1", rows[0].ID)
}

func TestListExecutedActions_LimitHardCappedAt500(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	insertPendingAction(t, pool, "y1", "send_message", "executed", `{}`)

	huge := 10000
	rows, err := ListExecutedActions(ctx, pool, nil, nil, nil, &huge)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(rows), 500)
}

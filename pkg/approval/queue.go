package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/butlerhq/substrate/pkg/dbx"
)

const defaultListLimit = 50

// ListPendingActions returns pending_actions rows, newest first, optionally
// filtered by status.
func ListPendingActions(ctx context.Context, q dbx.Queryer, status *string, limit *int) ([]PendingAction, error) {
	effectiveLimit := defaultListLimit
	if limit != nil {
		effectiveLimit = *limit
	}

	var rows []dbx.Row
	var err error
	if status != nil {
		rows, err = dbx.Fetch(ctx, q, `
			SELECT * FROM pending_actions WHERE status = $1
			ORDER BY requested_at DESC LIMIT $2`, *status, effectiveLimit)
	} else {
		rows, err = dbx.Fetch(ctx, q, `
			SELECT * FROM pending_actions ORDER BY requested_at DESC LIMIT $1`, effectiveLimit)
	}
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}

	out := make([]PendingAction, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToPendingAction(r))
	}
	return out, nil
}

// ShowPendingAction returns a single row, or nil if not found.
func ShowPendingAction(ctx context.Context, q dbx.Queryer, actionID string) (*PendingAction, error) {
	row, err := dbx.FetchRow(ctx, q, `SELECT * FROM pending_actions WHERE id = $1`, actionID)
	if err != nil {
		return nil, fmt.Errorf("show pending action: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	action := rowToPendingAction(row)
	return &action, nil
}

// PendingActionCount returns {total, by_status}.
func PendingActionCount(ctx context.Context, q dbx.Queryer) (map[string]any, error) {
	rows, err := dbx.Fetch(ctx, q, `SELECT status, COUNT(*) AS count FROM pending_actions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("pending action count: %w", err)
	}

	byStatus := make(map[string]any, len(rows))
	total := int64(0)
	for _, r := range rows {
		status, _ := r["status"].(string)
		count, _ := r["count"].(int64)
		byStatus[status] = count
		total += count
	}
	return map[string]any{"total": total, "by_status": byStatus}, nil
}

// ApproveAction validates pending->approved, invokes toolFn through
// ExecuteApprovedAction (when toolFn is non-nil — a nil executor leaves
// the action approved but unexecuted), and optionally derives a standing
// rule from it.
func ApproveAction(ctx context.Context, q dbx.Queryer, actionID string, createRule bool, toolFn ToolFn) (map[string]any, error) {
	action, err := ShowPendingAction(ctx, q, actionID)
	if err != nil {
		return nil, err
	}
	if action == nil {
		return map[string]any{"error": fmt.Sprintf("Action not found: %s", actionID)}, nil
	}
	if err := ValidateTransition(action.Status, StatusApproved); err != nil {
		return map[string]any{"error": err.Error()}, nil
	}

	now := time.Now().UTC()
	_, err = dbx.Execute(ctx, q, `
		UPDATE pending_actions SET status = $1, decided_by = $2, decided_at = $3 WHERE id = $4
	`, StatusApproved, "user:manual", now, actionID)
	if err != nil {
		return nil, fmt.Errorf("approve action: %w", err)
	}

	if toolFn != nil {
		if _, err := ExecuteApprovedAction(ctx, q, actionID, action.ToolName, action.ToolArgs, toolFn, action.ApprovalRuleID); err != nil {
			return nil, fmt.Errorf("approve action: execute: %w", err)
		}
	}

	var createdRule map[string]any
	if createRule {
		ruleID, err := CreateApprovalRule(ctx, q, action.ToolName, action.ToolArgs,
			fmt.Sprintf("Auto-created from approved action %s", actionID), nil, nil)
		if err != nil {
			return nil, fmt.Errorf("approve action: create rule: %w", err)
		}
		rule, err := ShowApprovalRule(ctx, q, ruleID)
		if err != nil {
			return nil, err
		}
		if rule != nil {
			createdRule = map[string]any{"id": rule.ID, "tool_name": rule.ToolName, "description": rule.Description}
		}
	}

	final, err := ShowPendingAction(ctx, q, actionID)
	if err != nil {
		return nil, err
	}
	result := pendingActionToMap(*final)
	if createdRule != nil {
		result["created_rule"] = createdRule
	}
	return result, nil
}

// CreateRuleFromAction derives constraints for a pending action via
// SuggestConstraints, applies overrides, and inserts the rule.
func CreateRuleFromAction(ctx context.Context, q dbx.Queryer, actionID string, overrides map[string]any) (string, error) {
	action, err := ShowPendingAction(ctx, q, actionID)
	if err != nil {
		return "", err
	}
	if action == nil {
		return "", fmt.Errorf("create rule from action: not found: %s", actionID)
	}

	constraints := SuggestConstraints(action.ToolArgs)
	for k, v := range overrides {
		constraints[k] = v
	}

	return CreateApprovalRule(ctx, q, action.ToolName, constraints,
		fmt.Sprintf("Created from action %s", actionID), nil, nil)
}

// SuggestRuleConstraints previews SuggestConstraints output without
// creating anything.
func SuggestRuleConstraints(ctx context.Context, q dbx.Queryer, actionID string) (map[string]any, error) {
	action, err := ShowPendingAction(ctx, q, actionID)
	if err != nil {
		return nil, err
	}
	if action == nil {
		return map[string]any{"error": fmt.Sprintf("Action not found: %s", actionID)}, nil
	}
	return SuggestConstraints(action.ToolArgs), nil
}

// RejectAction validates pending->rejected and records the decision.
func RejectAction(ctx context.Context, q dbx.Queryer, actionID string, reason string) (map[string]any, error) {
	action, err := ShowPendingAction(ctx, q, actionID)
	if err != nil {
		return nil, err
	}
	if action == nil {
		return map[string]any{"error": fmt.Sprintf("Action not found: %s", actionID)}, nil
	}
	if err := ValidateTransition(action.Status, StatusRejected); err != nil {
		return map[string]any{"error": err.Error()}, nil
	}

	decidedBy := "user:manual"
	if reason != "" {
		decidedBy = fmt.Sprintf("user:manual (reason: %s)", reason)
	}

	now := time.Now().UTC()
	_, err = dbx.Execute(ctx, q, `
		UPDATE pending_actions SET status = $1, decided_by = $2, decided_at = $3 WHERE id = $4
	`, StatusRejected, decidedBy, now, actionID)
	if err != nil {
		return nil, fmt.Errorf("reject action: %w", err)
	}

	updated, err := ShowPendingAction(ctx, q, actionID)
	if err != nil {
		return nil, err
	}
	return pendingActionToMap(*updated), nil
}

// ExpireStaleActions batch-transitions pending rows past expires_at to
// expired. Returns the number of rows transitioned.
func ExpireStaleActions(ctx context.Context, q dbx.Queryer) (int64, error) {
	affected, err := dbx.Execute(ctx, q, `
		UPDATE pending_actions
		SET status = $1, decided_by = 'system:expiry', decided_at = now()
		WHERE status = $2 AND expires_at IS NOT NULL AND expires_at < now()
	`, StatusExpired, StatusPending)
	if err != nil {
		return 0, fmt.Errorf("expire stale actions: %w", err)
	}
	return affected, nil
}

// CreateApprovalRule inserts a new standing rule and returns its id.
func CreateApprovalRule(ctx context.Context, q dbx.Queryer, toolName string, constraints map[string]any, description string, expiresAt *time.Time, maxUses *int) (string, error) {
	id := uuid.NewString()
	encoded, err := json.Marshal(constraints)
	if err != nil {
		return "", fmt.Errorf("create approval rule: encode constraints: %w", err)
	}

	_, err = dbx.Execute(ctx, q, `
		INSERT INTO approval_rules (id, tool_name, arg_constraints, description, expires_at, max_uses, use_count, created_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, 0, now(), true)
	`, id, toolName, encoded, description, expiresAt, maxUses)
	if err != nil {
		return "", fmt.Errorf("create approval rule: %w", err)
	}
	return id, nil
}

// ListApprovalRules filters by tool name and active state.
func ListApprovalRules(ctx context.Context, q dbx.Queryer, toolName *string, activeOnly bool) ([]ApprovalRule, error) {
	query := `SELECT * FROM approval_rules WHERE true`
	args := []any{}
	if toolName != nil {
		args = append(args, *toolName)
		query += fmt.Sprintf(` AND tool_name = $%d`, len(args))
	}
	if activeOnly {
		query += ` AND active = true`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := dbx.Fetch(ctx, q, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approval rules: %w", err)
	}

	out := make([]ApprovalRule, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToApprovalRule(r))
	}
	return out, nil
}

// ShowApprovalRule returns a single rule, or nil if not found.
func ShowApprovalRule(ctx context.Context, q dbx.Queryer, ruleID string) (*ApprovalRule, error) {
	row, err := dbx.FetchRow(ctx, q, `SELECT * FROM approval_rules WHERE id = $1`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("show approval rule: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	rule := rowToApprovalRule(row)
	return &rule, nil
}

// RevokeApprovalRule deactivates a rule. Idempotent.
func RevokeApprovalRule(ctx context.Context, q dbx.Queryer, ruleID string) error {
	_, err := dbx.Execute(ctx, q, `UPDATE approval_rules SET active = false WHERE id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("revoke approval rule: %w", err)
	}
	return nil
}

// ListExecutedActions is the audit query: always status='executed',
// optional tool_name/rule_id/since filters, ordered by decided_at DESC,
// hard-capped at 500 rows.
func ListExecutedActions(ctx context.Context, q dbx.Queryer, toolName, ruleID *string, since *time.Time, limit *int) ([]PendingAction, error) {
	effectiveLimit := defaultListLimit
	if limit != nil {
		effectiveLimit = *limit
	}
	if effectiveLimit > 500 {
		effectiveLimit = 500
	}

	query := `SELECT * FROM pending_actions WHERE status = $1`
	args := []any{StatusExecuted}

	if toolName != nil {
		args = append(args, *toolName)
		query += fmt.Sprintf(` AND tool_name = $%d`, len(args))
	}
	if ruleID != nil {
		args = append(args, *ruleID)
		query += fmt.Sprintf(` AND approval_rule_id = $%d`, len(args))
	}
	if since != nil {
		args = append(args, *since)
		query += fmt.Sprintf(` AND decided_at >= $%d`, len(args))
	}
	args = append(args, effectiveLimit)
	query += fmt.Sprintf(` ORDER BY decided_at DESC LIMIT $%d`, len(args))

	rows, err := dbx.Fetch(ctx, q, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executed actions: %w", err)
	}

	out := make([]PendingAction, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToPendingAction(r))
	}
	return out, nil
}

func rowToPendingAction(r dbx.Row) PendingAction {
	a := PendingAction{
		Status: Status(stringField(r, "status")),
	}
	a.ID = stringField(r, "id")
	a.ToolName = stringField(r, "tool_name")
	if m, ok := r["tool_args"].(map[string]any); ok {
		a.ToolArgs = m
	}
	a.DecidedBy = stringField(r, "decided_by")
	a.ApprovalRuleID = stringField(r, "approval_rule_id")
	if m, ok := r["execution_result"].(map[string]any); ok {
		a.ExecutionResult = m
	}
	return a
}

func rowToApprovalRule(r dbx.Row) ApprovalRule {
	rule := ApprovalRule{}
	rule.ID = stringField(r, "id")
	rule.ToolName = stringField(r, "tool_name")
	if m, ok := r["arg_constraints"].(map[string]any); ok {
		rule.ArgConstraints = m
	}
	rule.Description = stringField(r, "description")
	rule.CreatedFrom = stringField(r, "created_from")
	if active, ok := r["active"].(bool); ok {
		rule.Active = active
	}
	if uc, ok := r["use_count"].(int64); ok {
		rule.UseCount = int(uc)
	}
	return rule
}

func stringField(r dbx.Row, key string) string {
	s, _ := r[key].(string)
	return s
}

func pendingActionToMap(a PendingAction) map[string]any {
	return map[string]any{
		"id":               a.ID,
		"tool_name":        a.ToolName,
		"status":           a.Status,
		"decided_by":       a.DecidedBy,
		"execution_result": a.ExecutionResult,
		"approval_rule_id": a.ApprovalRuleID,
	}
}

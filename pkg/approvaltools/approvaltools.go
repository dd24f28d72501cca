// Package approvaltools exposes pkg/approval as named RPC tools, the same
// way every other pending_actions/approval_rules operation is reached: by
// (butler_name, tool_name, args) rather than a side-channel admin API.
package approvaltools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/butlerhq/substrate/pkg/approval"
	"github.com/butlerhq/substrate/pkg/dbx"
	"github.com/butlerhq/substrate/pkg/rpctool"
)

// Register adds every approval.* tool to reg. Approving an action replays
// it through whatever tool of the same name reg already holds — a tool
// gated behind approval must be registered under its real name before
// approval.approve can execute it.
func Register(reg *rpctool.Registry, pool dbx.Queryer) {
	reg.Register(rpctool.ToolFunc{ToolName: "approval.list_pending", Fn: listPending(pool)})
	reg.Register(rpctool.ToolFunc{ToolName: "approval.show", Fn: show(pool)})
	reg.Register(rpctool.ToolFunc{ToolName: "approval.count_pending", Fn: countPending(pool)})
	reg.Register(rpctool.ToolFunc{ToolName: "approval.approve", Fn: approveAction(pool, reg)})
	reg.Register(rpctool.ToolFunc{ToolName: "approval.reject", Fn: rejectAction(pool)})
	reg.Register(rpctool.ToolFunc{ToolName: "approval.suggest_rule_constraints", Fn: suggestRuleConstraints(pool)})
	reg.Register(rpctool.ToolFunc{ToolName: "approval.create_rule_from_action", Fn: createRuleFromAction(pool)})
	reg.Register(rpctool.ToolFunc{ToolName: "approval.create_rule", Fn: createRule(pool)})
	reg.Register(rpctool.ToolFunc{ToolName: "approval.list_rules", Fn: listRules(pool)})
	reg.Register(rpctool.ToolFunc{ToolName: "approval.show_rule", Fn: showRule(pool)})
	reg.Register(rpctool.ToolFunc{ToolName: "approval.revoke_rule", Fn: revokeRule(pool)})
	reg.Register(rpctool.ToolFunc{ToolName: "approval.expire_stale_actions", Fn: expireStaleActions(pool)})
	reg.Register(rpctool.ToolFunc{ToolName: "approval.list_executed", Fn: listExecuted(pool)})
}

// RunExpirySweep periodically expires pending actions whose expires_at
// has passed, the scheduled-sweep counterpart to the on-demand
// approval.expire_stale_actions tool. Grounded on durablebuffer's
// scanner goroutine: a ticker loop that exits when stop is closed.
func RunExpirySweep(stop <-chan struct{}, pool dbx.Queryer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := approval.ExpireStaleActions(context.Background(), pool)
			if err != nil {
				slog.Error("approval expiry sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("approval expiry sweep", "expired", n)
			}
		}
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArgPtr(args map[string]any, key string) *int {
	switch v := args[key].(type) {
	case float64:
		n := int(v)
		return &n
	case int:
		return &v
	}
	return nil
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func stringArgPtr(args map[string]any, key string) *string {
	if s := stringArg(args, key); s != "" {
		return &s
	}
	return nil
}

func timeArgPtr(args map[string]any, key string) *time.Time {
	s := stringArg(args, key)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}

func listPending(pool dbx.Queryer) func(context.Context, map[string]any) (map[string]any, *rpctool.ToolError) {
	return func(ctx context.Context, args map[string]any) (map[string]any, *rpctool.ToolError) {
		var status *string
		if s := stringArg(args, "status"); s != "" {
			status = &s
		}
		actions, err := approval.ListPendingActions(ctx, pool, status, intArgPtr(args, "limit"))
		if err != nil {
			return nil, rpctool.NewToolError("internal_error", err.Error())
		}
		return map[string]any{"actions": actionsToAny(actions)}, nil
	}
}

func show(pool dbx.Queryer) func(context.Context, map[string]any) (map[string]any, *rpctool.ToolError) {
	return func(ctx context.Context, args map[string]any) (map[string]any, *rpctool.ToolError) {
		actionID := stringArg(args, "action_id")
		action, err := approval.ShowPendingAction(ctx, pool, actionID)
		if err != nil {
			return nil, rpctool.NewToolError("internal_error", err.Error())
		}
		if action == nil {
			return nil, rpctool.NewToolError("not_found", fmt.Sprintf("action %s not found", actionID))
		}
		return actionToAny(*action), nil
	}
}

func countPending(pool dbx.Queryer) func(context.Context, map[string]any) (map[string]any, *rpctool.ToolError) {
	return func(ctx context.Context, args map[string]any) (map[string]any, *rpctool.ToolError) {
		counts, err := approval.PendingActionCount(ctx, pool)
		if err != nil {
			return nil, rpctool.NewToolError("internal_error", err.Error())
		}
		return counts, nil
	}
}

// approveAction resolves the original tool by name from reg so
// ExecuteApprovedAction can replay it exactly once.
func approveAction(pool dbx.Queryer, reg *rpctool.Registry) func(context.Context, map[string]any) (map[string]any, *rpctool.ToolError) {
	return func(ctx context.Context, args map[string]any) (map[string]any, *rpctool.ToolError) {
		actionID := stringArg(args, "action_id")
		action, err := approval.ShowPendingAction(ctx, pool, actionID)
		if err != nil {
			return nil, rpctool.NewToolError("internal_error", err.Error())
		}
		if action == nil {
			return nil, rpctool.NewToolError("not_found", fmt.Sprintf("action %s not found", actionID))
		}

		var toolFn approval.ToolFn
		if original := reg.Lookup(action.ToolName); original != nil {
			toolFn = func(ctx context.Context, toolArgs map[string]any) (map[string]any, error) {
				result, toolErr := original.Invoke(ctx, toolArgs)
				if toolErr != nil {
					return nil, toolErr
				}
				return result, nil
			}
		}

		result, err := approval.ApproveAction(ctx, pool, actionID, boolArg(args, "create_rule"), toolFn)
		if err != nil {
			return nil, rpctool.NewToolError("internal_error", err.Error())
		}
		return result, nil
	}
}

func rejectAction(pool dbx.Queryer) func(context.Context, map[string]any) (map[string]any, *rpctool.ToolError) {
	return func(ctx context.Context, args map[string]any) (map[string]any, *rpctool.ToolError) {
		result, err := approval.RejectAction(ctx, pool, stringArg(args, "action_id"), stringArg(args, "reason"))
		if err != nil {
			return nil, rpctool.NewToolError("internal_error", err.Error())
		}
		return result, nil
	}
}

func suggestRuleConstraints(pool dbx.Queryer) func(context.Context, map[string]any) (map[string]any, *rpctool.ToolError) {
	return func(ctx context.Context, args map[string]any) (map[string]any, *rpctool.ToolError) {
		result, err := approval.SuggestRuleConstraints(ctx, pool, stringArg(args, "action_id"))
		if err != nil {
			return nil, rpctool.NewToolError("internal_error", err.Error())
		}
		return result, nil
	}
}

func createRuleFromAction(pool dbx.Queryer) func(context.Context, map[string]any) (map[string]any, *rpctool.ToolError) {
	return func(ctx context.Context, args map[string]any) (map[string]any, *rpctool.ToolError) {
		overrides, _ := args["overrides"].(map[string]any)
		ruleID, err := approval.CreateRuleFromAction(ctx, pool, stringArg(args, "action_id"), overrides)
		if err != nil {
			return nil, rpctool.NewToolError("internal_error", err.Error())
		}
		return map[string]any{"rule_id": ruleID}, nil
	}
}

func listRules(pool dbx.Queryer) func(context.Context, map[string]any) (map[string]any, *rpctool.ToolError) {
	return func(ctx context.Context, args map[string]any) (map[string]any, *rpctool.ToolError) {
		var toolName *string
		if s := stringArg(args, "tool_name"); s != "" {
			toolName = &s
		}
		rules, err := approval.ListApprovalRules(ctx, pool, toolName, boolArg(args, "active_only"))
		if err != nil {
			return nil, rpctool.NewToolError("internal_error", err.Error())
		}
		return map[string]any{"rules": rulesToAny(rules)}, nil
	}
}

func showRule(pool dbx.Queryer) func(context.Context, map[string]any) (map[string]any, *rpctool.ToolError) {
	return func(ctx context.Context, args map[string]any) (map[string]any, *rpctool.ToolError) {
		ruleID := stringArg(args, "rule_id")
		rule, err := approval.ShowApprovalRule(ctx, pool, ruleID)
		if err != nil {
			return nil, rpctool.NewToolError("internal_error", err.Error())
		}
		if rule == nil {
			return nil, rpctool.NewToolError("not_found", fmt.Sprintf("rule %s not found", ruleID))
		}
		return ruleToAny(*rule), nil
	}
}

func revokeRule(pool dbx.Queryer) func(context.Context, map[string]any) (map[string]any, *rpctool.ToolError) {
	return func(ctx context.Context, args map[string]any) (map[string]any, *rpctool.ToolError) {
		if err := approval.RevokeApprovalRule(ctx, pool, stringArg(args, "rule_id")); err != nil {
			return nil, rpctool.NewToolError("internal_error", err.Error())
		}
		return map[string]any{"status": "revoked"}, nil
	}
}

// createRule creates a standing approval rule directly, rather than
// deriving one from a previously-approved action.
func createRule(pool dbx.Queryer) func(context.Context, map[string]any) (map[string]any, *rpctool.ToolError) {
	return func(ctx context.Context, args map[string]any) (map[string]any, *rpctool.ToolError) {
		constraints, _ := args["constraints"].(map[string]any)
		ruleID, err := approval.CreateApprovalRule(ctx, pool, stringArg(args, "tool_name"), constraints,
			stringArg(args, "description"), timeArgPtr(args, "expires_at"), intArgPtr(args, "max_uses"))
		if err != nil {
			return nil, rpctool.NewToolError("internal_error", err.Error())
		}
		return map[string]any{"rule_id": ruleID}, nil
	}
}

func expireStaleActions(pool dbx.Queryer) func(context.Context, map[string]any) (map[string]any, *rpctool.ToolError) {
	return func(ctx context.Context, args map[string]any) (map[string]any, *rpctool.ToolError) {
		n, err := approval.ExpireStaleActions(ctx, pool)
		if err != nil {
			return nil, rpctool.NewToolError("internal_error", err.Error())
		}
		return map[string]any{"expired_count": n}, nil
	}
}

func listExecuted(pool dbx.Queryer) func(context.Context, map[string]any) (map[string]any, *rpctool.ToolError) {
	return func(ctx context.Context, args map[string]any) (map[string]any, *rpctool.ToolError) {
		actions, err := approval.ListExecutedActions(ctx, pool, stringArgPtr(args, "tool_name"), stringArgPtr(args, "rule_id"),
			timeArgPtr(args, "since"), intArgPtr(args, "limit"))
		if err != nil {
			return nil, rpctool.NewToolError("internal_error", err.Error())
		}
		return map[string]any{"actions": actionsToAny(actions)}, nil
	}
}

func actionsToAny(actions []approval.PendingAction) []map[string]any {
	out := make([]map[string]any, len(actions))
	for i, a := range actions {
		out[i] = actionToAny(a)
	}
	return out
}

func actionToAny(a approval.PendingAction) map[string]any {
	return map[string]any{
		"id":               a.ID,
		"tool_name":        a.ToolName,
		"tool_args":        a.ToolArgs,
		"status":           string(a.Status),
		"requested_at":     a.RequestedAt,
		"decided_by":       a.DecidedBy,
		"decided_at":       a.DecidedAt,
		"execution_result": a.ExecutionResult,
		"expires_at":       a.ExpiresAt,
		"approval_rule_id": a.ApprovalRuleID,
	}
}

func rulesToAny(rules []approval.ApprovalRule) []map[string]any {
	out := make([]map[string]any, len(rules))
	for i, r := range rules {
		out[i] = ruleToAny(r)
	}
	return out
}

func ruleToAny(r approval.ApprovalRule) map[string]any {
	return map[string]any{
		"id":              r.ID,
		"tool_name":       r.ToolName,
		"arg_constraints": r.ArgConstraints,
		"description":     r.Description,
		"expires_at":      r.ExpiresAt,
		"max_uses":        r.MaxUses,
		"use_count":       r.UseCount,
		"created_from":    r.CreatedFrom,
		"created_at":      r.CreatedAt,
		"active":          r.Active,
	}
}

// Package approval implements the human-in-the-loop approval queue: pending
// tool invocations awaiting a decision, standing auto-approval rules, and
// the post-approval executor that runs an approved tool exactly once.
package approval

import "time"

// Status is the pending_actions lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	StatusExecuted Status = "executed"
)

// validTransitions enumerates every allowed source -> target status move.
var validTransitions = map[Status]map[Status]bool{
	StatusPending:  {StatusApproved: true, StatusRejected: true, StatusExpired: true},
	StatusApproved: {StatusExecuted: true},
	StatusRejected: {},
	StatusExpired:  {},
	StatusExecuted: {},
}

// PendingAction mirrors a pending_actions row.
type PendingAction struct {
	ID              string
	ToolName        string
	ToolArgs        map[string]any
	Status          Status
	RequestedAt     time.Time
	DecidedBy       string
	DecidedAt       *time.Time
	ExecutionResult map[string]any
	ExpiresAt       *time.Time
	ApprovalRuleID  string
}

// ApprovalRule mirrors an approval_rules row.
type ApprovalRule struct {
	ID              string
	ToolName        string
	ArgConstraints  map[string]any
	Description     string
	ExpiresAt       *time.Time
	MaxUses         *int
	UseCount        int
	CreatedFrom     string
	CreatedAt       time.Time
	Active          bool
}

// ExecutionResult is the JSONB shape stored on a pending_actions row once
// execute_approved_action runs.
type ExecutionResult struct {
	Success    bool           `json:"success"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	ExecutedAt time.Time      `json:"executed_at"`
}

package model

// Workflow status constants.
const (
	WorkflowDraft    = "draft"
	WorkflowActive   = "active"
	WorkflowPaused   = "paused"
	WorkflowArchived = "archived"
)

// Execution status constants.
const (
	ExecutionQueued    = "queued"
	ExecutionRunning   = "running"
	ExecutionSuccess   = "success"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
)

// Node result status constants.
const (
	NodeSuccess = "success"
	NodeFailed  = "failed"
	NodeSkipped = "skipped"
)

// Billing period status constants.
const (
	PeriodActive = "active"
	PeriodClosed = "closed"
)

// IsTerminalExecutionStatus reports whether no further transitions are possible.
func IsTerminalExecutionStatus(status string) bool {
	switch status {
	case ExecutionSuccess, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

package model

import "time"

// Trigger sources recorded on an execution.
const (
	TriggerSchedule = "schedule"
	TriggerPoll     = "poll"
	TriggerWebhook  = "webhook"
	TriggerManual   = "manual"
)

type Execution struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	UserID          string         `json:"user_id"`
	Status          string         `json:"status"`
	TriggerSource   string         `json:"trigger_source"`
	TriggerPayload  map[string]any `json:"trigger_payload,omitempty"`
	Graph           Graph          `json:"graph"`
	TestMode        bool           `json:"test_mode"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DurationMs      *int64         `json:"duration_ms,omitempty"`
	FinalOutput     any            `json:"final_output,omitempty"`
	Error           *string        `json:"error,omitempty"`
	Summary         *Summary       `json:"summary,omitempty"`
	CancelRequested *time.Time     `json:"cancel_requested_at,omitempty"`
}

// Summary is the user-facing outcome of an execution.
type Summary struct {
	Status       string `json:"status"`
	FailedAtNode string `json:"failed_at_node,omitempty"`
	Message      string `json:"message"`
	NodesRun     int    `json:"nodes_run"`
	NodesFailed  int    `json:"nodes_failed"`
	NodesSkipped int    `json:"nodes_skipped"`
	CreditsUsed  int64  `json:"credits_used,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
}

type NodeResult struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Seq         int            `json:"seq"`
	NodeID      string         `json:"node_id"`
	NodeName    string         `json:"node_name"`
	NodeKind    string         `json:"node_kind"`
	Status      string         `json:"status"`
	OutputData  map[string]any `json:"output_data,omitempty"`
	Error       *string        `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	DurationMs  int64          `json:"duration_ms"`
	Logs        []LogEntry     `json:"logs"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Log levels for node log entries.
const (
	LogDebug = "debug"
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

type LogEntry struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

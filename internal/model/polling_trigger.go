package model

import "time"

type PollingTrigger struct {
	ID                  string         `json:"id"`
	WorkflowID          string         `json:"workflow_id"`
	UserID              string         `json:"user_id"`
	TriggerType         string         `json:"trigger_type"`
	Config              map[string]any `json:"config"`
	Watermark           *string        `json:"watermark,omitempty"`
	PollIntervalSeconds int            `json:"poll_interval_seconds"`
	NextPollAt          time.Time      `json:"next_poll_at"`
	Enabled             bool           `json:"enabled"`
	LastPolledAt        *time.Time     `json:"last_polled_at,omitempty"`
	LastError           *string        `json:"last_error,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// DefaultPollIntervalSeconds is used when a trigger node does not set one.
const DefaultPollIntervalSeconds = 60

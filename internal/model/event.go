package model

import "time"

// TriggerEvent is the resolved event handed to the execution intake. Exactly
// one of the embedded fire kinds is described by Source.
type TriggerEvent struct {
	Source     string            `json:"source"`
	WorkflowID string            `json:"workflow_id"`
	UserID     string            `json:"user_id"`
	Graph      Graph             `json:"graph"`
	Payload    map[string]any    `json:"payload,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	TestMode   bool              `json:"test_mode,omitempty"`
}

type ScheduledFire struct {
	WorkflowID string
	UserID     string
	Graph      Graph
	CronExpr   string
	Timezone   string
	FireAt     time.Time
}

type PollFire struct {
	WorkflowID   string
	UserID       string
	Graph        Graph
	TriggerType  string
	NewData      []map[string]any
	NewWatermark *string
}

type WebhookFire struct {
	WorkflowID string
	UserID     string
	Graph      Graph
	Payload    map[string]any
	Headers    map[string]string
}

type ManualFire struct {
	WorkflowID string
	UserID     string
	Graph      Graph
	TestMode   bool
	Input      map[string]any
}

// Event converts the fire into an intake event.
func (f ScheduledFire) Event() TriggerEvent {
	return TriggerEvent{
		Source:     TriggerSchedule,
		WorkflowID: f.WorkflowID,
		UserID:     f.UserID,
		Graph:      f.Graph,
		Payload: map[string]any{
			"cronExpression": f.CronExpr,
			"timezone":       f.Timezone,
			"scheduledFor":   f.FireAt.UTC().Format(time.RFC3339),
		},
	}
}

// Event converts the fire into an intake event.
func (f PollFire) Event() TriggerEvent {
	items := make([]any, 0, len(f.NewData))
	for _, item := range f.NewData {
		items = append(items, item)
	}
	payload := map[string]any{
		"triggerType": f.TriggerType,
		"items":       items,
		"count":       len(items),
	}
	if len(items) > 0 {
		payload["first"] = items[0]
	}
	return TriggerEvent{
		Source:     TriggerPoll,
		WorkflowID: f.WorkflowID,
		UserID:     f.UserID,
		Graph:      f.Graph,
		Payload:    payload,
	}
}

// Event converts the fire into an intake event.
func (f WebhookFire) Event() TriggerEvent {
	headers := make(map[string]any, len(f.Headers))
	for k, v := range f.Headers {
		headers[k] = v
	}
	return TriggerEvent{
		Source:     TriggerWebhook,
		WorkflowID: f.WorkflowID,
		UserID:     f.UserID,
		Graph:      f.Graph,
		Payload:    map[string]any{"body": f.Payload, "headers": headers},
		Headers:    f.Headers,
	}
}

// Event converts the fire into an intake event.
func (f ManualFire) Event() TriggerEvent {
	payload := map[string]any{}
	for k, v := range f.Input {
		payload[k] = v
	}
	return TriggerEvent{
		Source:     TriggerManual,
		WorkflowID: f.WorkflowID,
		UserID:     f.UserID,
		Graph:      f.Graph,
		Payload:    payload,
		TestMode:   f.TestMode,
	}
}

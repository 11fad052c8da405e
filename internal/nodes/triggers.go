package nodes

import (
	"context"

	"github.com/edvin/autoflow/internal/integration"
	"github.com/edvin/autoflow/internal/model"
)

// Trigger kinds.
const (
	ManualTrigger        = "manual-trigger"
	WebhookTrigger       = "webhook-trigger"
	ScheduledTimeTrigger = "scheduled-time-trigger"
	GmailNewEmailTrigger = integration.GmailNewEmail
	GitHubIssueTrigger   = integration.GitHubNewIssue
	SlackMessageTrigger  = integration.SlackNewMessage
)

// Config keys read outside the node functions.
const (
	ConfigCronExpression      = "cronExpression"
	ConfigTimezone            = "timezone"
	ConfigPollIntervalSeconds = "pollIntervalSeconds"
	ConfigWebhookSecret       = "secret"
)

// passTrigger outputs the trigger payload so downstream nodes can reference
// it through the trigger node's id as well as through "trigger".
func passTrigger(_ context.Context, in *Input) (*Output, error) {
	data := make(map[string]any, len(in.Trigger))
	for k, v := range in.Trigger {
		data[k] = v
	}
	in.Log.Info("trigger fired", map[string]any{"fields": len(data)})
	return &Output{Data: data}, nil
}

func triggerKinds() []*Kind {
	pollDefaults := func() map[string]any {
		return map[string]any{ConfigPollIntervalSeconds: float64(model.DefaultPollIntervalSeconds)}
	}
	return []*Kind{
		{Name: ManualTrigger, Category: CategoryTrigger, Execute: passTrigger},
		{
			Name:     WebhookTrigger,
			Category: CategoryTrigger,
			Schema:   Schema{Fields: map[string]string{ConfigWebhookSecret: "omitempty,min=8"}},
			Execute:  passTrigger,
		},
		{
			Name:     ScheduledTimeTrigger,
			Category: CategoryTrigger,
			Schema: Schema{
				Fields:   map[string]string{ConfigCronExpression: "required", ConfigTimezone: "required"},
				Defaults: map[string]any{ConfigTimezone: "UTC"},
			},
			Execute: passTrigger,
		},
		{
			Name:     GmailNewEmailTrigger,
			Category: CategoryTrigger,
			Polling:  true,
			Schema: Schema{
				Fields:   map[string]string{ConfigPollIntervalSeconds: "gte=60", "from": "omitempty,email"},
				Defaults: pollDefaults(),
			},
			Execute: passTrigger,
		},
		{
			Name:     GitHubIssueTrigger,
			Category: CategoryTrigger,
			Polling:  true,
			Schema: Schema{
				Fields:   map[string]string{"owner": "required", "repo": "required", ConfigPollIntervalSeconds: "gte=60"},
				Defaults: pollDefaults(),
			},
			Execute: passTrigger,
		},
		{
			Name:     SlackMessageTrigger,
			Category: CategoryTrigger,
			Polling:  true,
			Schema: Schema{
				Fields:   map[string]string{"channel": "required", ConfigPollIntervalSeconds: "gte=60"},
				Defaults: pollDefaults(),
			},
			Execute: passTrigger,
		},
	}
}

// PollInterval returns the poll interval of a polling trigger's config,
// never shorter than the default.
func PollInterval(cfg map[string]any) int {
	v, ok := number(cfg, ConfigPollIntervalSeconds)
	if !ok || v < model.DefaultPollIntervalSeconds {
		return model.DefaultPollIntervalSeconds
	}
	return int(v)
}

// Schedule returns the cron expression and timezone of a
// scheduled-time-trigger config. The timezone defaults to UTC.
func Schedule(cfg map[string]any) (expr, timezone string) {
	expr = str(cfg, ConfigCronExpression)
	timezone = str(cfg, ConfigTimezone)
	if timezone == "" {
		timezone = "UTC"
	}
	return expr, timezone
}

package model

import "time"

// Usage metrics tracked per billing period.
const (
	MetricExecutions = "executions"
	MetricCredits    = "credits"
)

type BillingPeriod struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Status      string    `json:"status"`
}

// Contains reports whether t falls inside [PeriodStart, PeriodEnd).
func (p BillingPeriod) Contains(t time.Time) bool {
	return !t.Before(p.PeriodStart) && t.Before(p.PeriodEnd)
}

type UsageCounter struct {
	UserID   string `json:"user_id"`
	PeriodID string `json:"period_id"`
	Metric   string `json:"metric"`
	Value    int64  `json:"value"`
}

// PlanLimits holds the per-period ceilings of a plan. A nil limit is unlimited.
type PlanLimits struct {
	PlanID              string `json:"plan_id" yaml:"-"`
	ExecutionsPerMonth  *int64 `json:"executions_per_month" yaml:"executions_per_month"`
	AICreditsPerMonth   *int64 `json:"ai_credits_per_month" yaml:"ai_credits_per_month"`
	MaxActiveWorkflows  *int64 `json:"max_active_workflows" yaml:"max_active_workflows"`
	MaxStepsPerWorkflow *int64 `json:"max_steps_per_workflow" yaml:"max_steps_per_workflow"`
}

// Limit returns the limit for a usage metric.
func (l PlanLimits) Limit(metric string) *int64 {
	switch metric {
	case MetricExecutions:
		return l.ExecutionsPerMonth
	case MetricCredits:
		return l.AICreditsPerMonth
	}
	return nil
}

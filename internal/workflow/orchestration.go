package workflow

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/edvin/autoflow/internal/engine"
	"github.com/edvin/autoflow/internal/poller"
	"github.com/edvin/autoflow/internal/scheduler"
)

// ScanSchedulesWorkflow runs every minute from a Temporal schedule and fires
// the scheduled workflows that came due since the previous scan.
func ScanSchedulesWorkflow(ctx workflow.Context) (*scheduler.Result, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 50 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 2,
		},
	})

	var res scheduler.Result
	if err := workflow.ExecuteActivity(ctx, "ScanSchedules").Get(ctx, &res); err != nil {
		return nil, fmt.Errorf("scan schedules: %w", err)
	}
	workflow.GetLogger(ctx).Info("schedule scan finished",
		"scanned", res.Scanned, "due", res.Due, "fired", res.Fired, "failed", res.Failed)
	return &res, nil
}

// PollTriggersWorkflow polls every due polling trigger. Each trigger keeps
// its own interval, so the schedule only decides how often due triggers
// are looked for.
func PollTriggersWorkflow(ctx workflow.Context) (*poller.Result, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 2,
		},
	})

	var res poller.Result
	if err := workflow.ExecuteActivity(ctx, "PollTriggers").Get(ctx, &res); err != nil {
		return nil, fmt.Errorf("poll triggers: %w", err)
	}
	workflow.GetLogger(ctx).Info("poll run finished",
		"polled", res.Polled, "fired", res.Fired, "failed", res.Failed)
	return &res, nil
}

// RunExecutionWorkflow runs one queued execution. The activity is attempted
// once; node-level retries happen inside the engine and a second attempt
// would find the execution no longer queued anyway.
func RunExecutionWorkflow(ctx workflow.Context, executionID string) (*engine.Outcome, error) {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	var out engine.Outcome
	if err := workflow.ExecuteActivity(ctx, "RunExecution", executionID).Get(ctx, &out); err != nil {
		return nil, fmt.Errorf("run execution %s: %w", executionID, err)
	}
	workflow.GetLogger(ctx).Info("execution finished", "execution_id", executionID, "status", out.Status)
	return &out, nil
}

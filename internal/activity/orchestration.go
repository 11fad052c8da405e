package activity

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/activity"

	"github.com/edvin/autoflow/internal/engine"
	"github.com/edvin/autoflow/internal/poller"
	"github.com/edvin/autoflow/internal/scheduler"
)

type ScheduleScanner interface {
	Scan(ctx context.Context) (*scheduler.Result, error)
}

type PollRunner interface {
	RunDue(ctx context.Context) (*poller.Result, error)
}

type ExecutionRunner interface {
	Run(ctx context.Context, executionID string) (*engine.Outcome, error)
}

// Orchestration holds the activities behind the scan, poll and run
// workflows.
type Orchestration struct {
	scanner ScheduleScanner
	poller  PollRunner
	engine  ExecutionRunner
	logger  zerolog.Logger
}

func NewOrchestration(scanner ScheduleScanner, poller PollRunner, engine ExecutionRunner, logger zerolog.Logger) *Orchestration {
	return &Orchestration{
		scanner: scanner,
		poller:  poller,
		engine:  engine,
		logger:  logger.With().Str("component", "activity").Logger(),
	}
}

// ScanSchedules runs one schedule scan.
func (a *Orchestration) ScanSchedules(ctx context.Context) (*scheduler.Result, error) {
	res, err := a.scanner.Scan(ctx)
	if err != nil {
		return nil, Classify("ScanSchedules", fmt.Errorf("scan schedules: %w", err))
	}
	return res, nil
}

// PollTriggers polls every due polling trigger once.
func (a *Orchestration) PollTriggers(ctx context.Context) (*poller.Result, error) {
	res, err := a.poller.RunDue(ctx)
	if err != nil {
		return nil, Classify("PollTriggers", fmt.Errorf("poll triggers: %w", err))
	}
	return res, nil
}

// RunExecution drives one queued execution to a terminal status.
func (a *Orchestration) RunExecution(ctx context.Context, executionID string) (*engine.Outcome, error) {
	if activity.IsActivity(ctx) {
		info := activity.GetInfo(ctx)
		a.logger.Debug().Str("execution_id", executionID).Str("workflow_run", info.WorkflowExecution.RunID).Int32("attempt", info.Attempt).Msg("run execution")
	}
	out, err := a.engine.Run(ctx, executionID)
	if err != nil {
		return nil, Classify("RunExecution", fmt.Errorf("run execution %s: %w", executionID, err))
	}
	return out, nil
}

// Package intake turns trigger fires into queued executions and hands them
// to the asynchronous runner.
package intake

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/edvin/autoflow/internal/apperr"
	"github.com/edvin/autoflow/internal/model"
)

// RunExecutionWorkflow is the registered name of the workflow that runs one
// execution.
const RunExecutionWorkflow = "RunExecutionWorkflow"

// Fire is any trigger event the intake accepts.
type Fire interface {
	Event() model.TriggerEvent
}

// ExecutionStore is the subset of the execution record store intake needs.
type ExecutionStore interface {
	Create(ctx context.Context, ev model.TriggerEvent) (*model.Execution, error)
	FailQueued(ctx context.Context, id, reason string, summary *model.Summary) error
}

// Dispatcher starts the asynchronous run of a queued execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, executionID string) error
}

type Service struct {
	executions ExecutionStore
	dispatcher Dispatcher
	logger     zerolog.Logger
}

func New(executions ExecutionStore, dispatcher Dispatcher, logger zerolog.Logger) *Service {
	return &Service{
		executions: executions,
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "intake").Logger(),
	}
}

// Submit records a queued execution for the fire and dispatches it without
// waiting for it to run. The execution is returned even when dispatch fails;
// in that case it has already been marked failed.
func (s *Service) Submit(ctx context.Context, fire Fire) (*model.Execution, error) {
	ev := fire.Event()
	e, err := s.executions.Create(ctx, ev)
	if err != nil {
		return nil, err
	}

	if err := s.dispatcher.Dispatch(ctx, e.ID); err != nil {
		s.logger.Error().Err(err).Str("execution_id", e.ID).Str("workflow_id", e.WorkflowID).Msg("dispatch execution")
		reason := fmt.Sprintf("could not start execution: %v", err)
		summary := &model.Summary{
			Status:    model.ExecutionFailed,
			Message:   "Execution could not be started. Try again later.",
			ErrorKind: string(apperr.KindTransientIntegration),
		}
		if ferr := s.executions.FailQueued(ctx, e.ID, reason, summary); ferr != nil {
			s.logger.Error().Err(ferr).Str("execution_id", e.ID).Msg("mark undispatched execution failed")
		} else {
			e.Status = model.ExecutionFailed
			e.Error = &reason
			e.Summary = summary
		}
		return e, fmt.Errorf("dispatch execution %s: %w", e.ID, err)
	}

	s.logger.Info().Str("execution_id", e.ID).Str("workflow_id", e.WorkflowID).Str("source", e.TriggerSource).Msg("execution queued")
	return e, nil
}

// TemporalDispatcher starts RunExecutionWorkflow for each execution.
type TemporalDispatcher struct {
	client    temporalclient.Client
	taskQueue string
}

func NewTemporalDispatcher(client temporalclient.Client, taskQueue string) *TemporalDispatcher {
	return &TemporalDispatcher{client: client, taskQueue: taskQueue}
}

// WorkflowID returns the Temporal workflow ID of an execution.
func WorkflowID(executionID string) string {
	return "execution-" + executionID
}

func (d *TemporalDispatcher) Dispatch(ctx context.Context, executionID string) error {
	_, err := d.client.ExecuteWorkflow(ctx, temporalclient.StartWorkflowOptions{
		ID:        WorkflowID(executionID),
		TaskQueue: d.taskQueue,
	}, RunExecutionWorkflow, executionID)
	if err != nil {
		return fmt.Errorf("start %s: %w", RunExecutionWorkflow, err)
	}
	return nil
}

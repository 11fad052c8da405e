package handler

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/edvin/autoflow/internal/intake"
	"github.com/edvin/autoflow/internal/ledger"
	"github.com/edvin/autoflow/internal/model"
	"github.com/edvin/autoflow/internal/poller"
	"github.com/edvin/autoflow/internal/scheduler"
)

type mockWorkflows struct{ mock.Mock }

func (m *mockWorkflows) Create(ctx context.Context, w *model.Workflow) error {
	return m.Called(ctx, w).Error(0)
}

func (m *mockWorkflows) Get(ctx context.Context, id string) (*model.Workflow, error) {
	args := m.Called(ctx, id)
	return workflowResult(args)
}

func (m *mockWorkflows) GetForUser(ctx context.Context, userID, id string) (*model.Workflow, error) {
	args := m.Called(ctx, userID, id)
	return workflowResult(args)
}

func (m *mockWorkflows) List(ctx context.Context, userID string, limit int, cursor string) ([]model.Workflow, bool, error) {
	args := m.Called(ctx, userID, limit, cursor)
	return args.Get(0).([]model.Workflow), args.Bool(1), args.Error(2)
}

func (m *mockWorkflows) UpdateGraph(ctx context.Context, userID, id string, g model.Graph) (*model.Workflow, error) {
	args := m.Called(ctx, userID, id, g)
	return workflowResult(args)
}

func (m *mockWorkflows) Activate(ctx context.Context, userID, id string) (*model.Workflow, error) {
	return workflowResult(m.Called(ctx, userID, id))
}

func (m *mockWorkflows) Pause(ctx context.Context, userID, id string) (*model.Workflow, error) {
	return workflowResult(m.Called(ctx, userID, id))
}

func (m *mockWorkflows) Archive(ctx context.Context, userID, id string) (*model.Workflow, error) {
	return workflowResult(m.Called(ctx, userID, id))
}

func workflowResult(args mock.Arguments) (*model.Workflow, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Workflow), args.Error(1)
}

type mockExecutions struct{ mock.Mock }

func (m *mockExecutions) GetForUser(ctx context.Context, userID, id string) (*model.Execution, error) {
	return executionResult(m.Called(ctx, userID, id))
}

func (m *mockExecutions) ListByWorkflow(ctx context.Context, workflowID string, limit int, cursor string) ([]model.Execution, bool, error) {
	args := m.Called(ctx, workflowID, limit, cursor)
	return args.Get(0).([]model.Execution), args.Bool(1), args.Error(2)
}

func (m *mockExecutions) ListNodeResults(ctx context.Context, executionID string) ([]model.NodeResult, error) {
	args := m.Called(ctx, executionID)
	return args.Get(0).([]model.NodeResult), args.Error(1)
}

func (m *mockExecutions) RequestCancel(ctx context.Context, id string) (*model.Execution, error) {
	return executionResult(m.Called(ctx, id))
}

func executionResult(args mock.Arguments) (*model.Execution, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Execution), args.Error(1)
}

type mockIntake struct{ mock.Mock }

func (m *mockIntake) Submit(ctx context.Context, fire intake.Fire) (*model.Execution, error) {
	return executionResult(m.Called(ctx, fire))
}

type mockUsage struct{ mock.Mock }

func (m *mockUsage) Snapshot(ctx context.Context, userID string) (*ledger.Usage, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.Usage), args.Error(1)
}

type mockKeys struct{ mock.Mock }

func (m *mockKeys) Create(ctx context.Context, userID, name string) (*model.APIKey, string, error) {
	args := m.Called(ctx, userID, name)
	if args.Get(0) == nil {
		return nil, "", args.Error(2)
	}
	return args.Get(0).(*model.APIKey), args.String(1), args.Error(2)
}

func (m *mockKeys) List(ctx context.Context, userID string) ([]model.APIKey, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]model.APIKey), args.Error(1)
}

func (m *mockKeys) Revoke(ctx context.Context, userID, id string) error {
	return m.Called(ctx, userID, id).Error(0)
}

type mockScanner struct{ mock.Mock }

func (m *mockScanner) Scan(ctx context.Context) (*scheduler.Result, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*scheduler.Result), args.Error(1)
}

type mockPoller struct{ mock.Mock }

func (m *mockPoller) RunDue(ctx context.Context) (*poller.Result, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*poller.Result), args.Error(1)
}

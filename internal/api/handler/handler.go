package handler

import (
	"context"
	"net/http"

	mw "github.com/edvin/autoflow/internal/api/middleware"
	"github.com/edvin/autoflow/internal/api/response"
	"github.com/edvin/autoflow/internal/intake"
	"github.com/edvin/autoflow/internal/ledger"
	"github.com/edvin/autoflow/internal/model"
	"github.com/edvin/autoflow/internal/poller"
	"github.com/edvin/autoflow/internal/scheduler"
)

// WorkflowStore is the workflow lifecycle service. *core.WorkflowService
// satisfies it.
type WorkflowStore interface {
	Create(ctx context.Context, w *model.Workflow) error
	Get(ctx context.Context, id string) (*model.Workflow, error)
	GetForUser(ctx context.Context, userID, id string) (*model.Workflow, error)
	List(ctx context.Context, userID string, limit int, cursor string) ([]model.Workflow, bool, error)
	UpdateGraph(ctx context.Context, userID, id string, g model.Graph) (*model.Workflow, error)
	Activate(ctx context.Context, userID, id string) (*model.Workflow, error)
	Pause(ctx context.Context, userID, id string) (*model.Workflow, error)
	Archive(ctx context.Context, userID, id string) (*model.Workflow, error)
}

// ExecutionStore is the execution record store. *core.ExecutionService
// satisfies it.
type ExecutionStore interface {
	GetForUser(ctx context.Context, userID, id string) (*model.Execution, error)
	ListByWorkflow(ctx context.Context, workflowID string, limit int, cursor string) ([]model.Execution, bool, error)
	ListNodeResults(ctx context.Context, executionID string) ([]model.NodeResult, error)
	RequestCancel(ctx context.Context, id string) (*model.Execution, error)
}

type Submitter interface {
	Submit(ctx context.Context, fire intake.Fire) (*model.Execution, error)
}

type UsageReader interface {
	Snapshot(ctx context.Context, userID string) (*ledger.Usage, error)
}

type KeyStore interface {
	Create(ctx context.Context, userID, name string) (*model.APIKey, string, error)
	List(ctx context.Context, userID string) ([]model.APIKey, error)
	Revoke(ctx context.Context, userID, id string) error
}

type ScheduleScanner interface {
	Scan(ctx context.Context) (*scheduler.Result, error)
}

type PollRunner interface {
	RunDue(ctx context.Context) (*poller.Result, error)
}

// requireUser returns the authenticated user id or writes 401.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := mw.UserID(r.Context())
	if userID == "" {
		response.WriteError(w, http.StatusUnauthorized, "not authenticated")
		return "", false
	}
	return userID, true
}

// writeSubmitted replies to a trigger that created an execution. A failed
// dispatch still created a record, so its id is returned with the error.
func writeSubmitted(w http.ResponseWriter, e *model.Execution, err error) {
	if err != nil {
		if e == nil {
			response.WriteServiceError(w, err)
			return
		}
		response.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":        "execution could not be started",
			"execution_id": e.ID,
			"status":       e.Status,
		})
		return
	}
	response.WriteJSON(w, http.StatusAccepted, map[string]any{
		"execution_id": e.ID,
		"status":       e.Status,
	})
}

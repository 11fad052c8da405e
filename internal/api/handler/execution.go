package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/autoflow/internal/api/request"
	"github.com/edvin/autoflow/internal/api/response"
	"github.com/edvin/autoflow/internal/model"
)

// Execution exposes execution records. Clients observe progress by
// polling these endpoints.
type Execution struct {
	workflows  WorkflowStore
	executions ExecutionStore
}

func NewExecution(workflows WorkflowStore, executions ExecutionStore) *Execution {
	return &Execution{workflows: workflows, executions: executions}
}

// ListByWorkflow lists executions of a workflow, newest first.
func (h *Execution) ListByWorkflow(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	workflowID, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.workflows.GetForUser(r.Context(), userID, workflowID); err != nil {
		response.WriteServiceError(w, err)
		return
	}
	pg, err := request.ParsePage(r)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, hasMore, err := h.executions.ListByWorkflow(r.Context(), workflowID, pg.Limit, pg.Cursor)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}

	response.WritePage(w, items, hasMore, func(e model.Execution) string { return e.ID })
}

func (h *Execution) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	e, err := h.executions.GetForUser(r.Context(), userID, id)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, e)
}

// Nodes returns the node results of an execution in completion order.
func (h *Execution) Nodes(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.executions.GetForUser(r.Context(), userID, id); err != nil {
		response.WriteServiceError(w, err)
		return
	}

	results, err := h.executions.ListNodeResults(r.Context(), id)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, map[string]any{"items": results})
}

// Cancel cancels a queued execution outright and asks a running one to
// stop before its next node.
func (h *Execution) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.executions.GetForUser(r.Context(), userID, id); err != nil {
		response.WriteServiceError(w, err)
		return
	}

	e, err := h.executions.RequestCancel(r.Context(), id)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusAccepted, e)
}

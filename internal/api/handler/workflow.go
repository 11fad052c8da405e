package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/autoflow/internal/api/request"
	"github.com/edvin/autoflow/internal/api/response"
	"github.com/edvin/autoflow/internal/apperr"
	"github.com/edvin/autoflow/internal/model"
)

// Workflow handles workflow CRUD, lifecycle transitions and manual runs.
type Workflow struct {
	svc    WorkflowStore
	intake Submitter
}

func NewWorkflow(svc WorkflowStore, intake Submitter) *Workflow {
	return &Workflow{svc: svc, intake: intake}
}

// Create stores a new draft workflow.
func (h *Workflow) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req request.CreateWorkflow
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	wf := &model.Workflow{UserID: userID, Name: req.Name, Graph: req.Graph}
	if err := h.svc.Create(r.Context(), wf); err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusCreated, wf)
}

// List lists the caller's workflows with cursor-based pagination.
func (h *Workflow) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	pg, err := request.ParsePage(r)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, hasMore, err := h.svc.List(r.Context(), userID, pg.Limit, pg.Cursor)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}

	response.WritePage(w, items, hasMore, func(wf model.Workflow) string { return wf.ID })
}

func (h *Workflow) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	wf, err := h.svc.GetForUser(r.Context(), userID, id)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, wf)
}

// Update replaces the workflow graph.
func (h *Workflow) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req request.UpdateWorkflow
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	wf, err := h.svc.UpdateGraph(r.Context(), userID, id, req.Graph)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, wf)
}

func (h *Workflow) Activate(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Activate)
}

func (h *Workflow) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Pause)
}

func (h *Workflow) Archive(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Archive)
}

func (h *Workflow) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, userID, id string) (*model.Workflow, error)) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	wf, err := fn(r.Context(), userID, id)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, wf)
}

// Run starts a manual execution of a workflow that is not archived.
func (h *Workflow) Run(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req request.RunWorkflow
	if r.ContentLength != 0 {
		if err := request.Decode(r, &req); err != nil {
			response.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	wf, err := h.svc.GetForUser(r.Context(), userID, id)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	if wf.Status == model.WorkflowArchived {
		response.WriteServiceError(w, apperr.New(apperr.KindInvalidTransition, "workflow %s is archived", id))
		return
	}

	e, err := h.intake.Submit(r.Context(), model.ManualFire{
		WorkflowID: wf.ID,
		UserID:     wf.UserID,
		Graph:      wf.Graph,
		TestMode:   req.TestMode,
		Input:      req.Input,
	})
	writeSubmitted(w, e, err)
}

package handler

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/edvin/autoflow/internal/api/response"
	"github.com/edvin/autoflow/internal/apperr"
	"github.com/edvin/autoflow/internal/model"
	"github.com/edvin/autoflow/internal/nodes"
)

const (
	maxWebhookBody      = 1 << 20
	webhookSecretHeader = "X-Webhook-Secret"
)

// Webhook accepts inbound webhook calls for active workflows whose trigger
// is a webhook-trigger.
type Webhook struct {
	workflows WorkflowStore
	intake    Submitter
}

func NewWebhook(workflows WorkflowStore, intake Submitter) *Webhook {
	return &Webhook{workflows: workflows, intake: intake}
}

func (h *Webhook) Receive(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "workflowID")
	if workflowID == "" {
		response.WriteError(w, http.StatusBadRequest, "missing workflow ID")
		return
	}

	wf, err := h.workflows.Get(r.Context(), workflowID)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	trigger, ok := webhookTrigger(wf)
	if !ok || wf.Status != model.WorkflowActive {
		response.WriteServiceError(w, apperr.NotFound("no active webhook for workflow %s", workflowID))
		return
	}
	if secret, _ := trigger.Config[nodes.ConfigWebhookSecret].(string); secret != "" {
		got := r.Header.Get(webhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			response.WriteError(w, http.StatusUnauthorized, "invalid webhook secret")
			return
		}
	}

	payload, err := readPayload(r)
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	e, err := h.intake.Submit(r.Context(), model.WebhookFire{
		WorkflowID: wf.ID,
		UserID:     wf.UserID,
		Graph:      wf.Graph,
		Payload:    payload,
		Headers:    forwardedHeaders(r.Header),
	})
	writeSubmitted(w, e, err)
}

func webhookTrigger(wf *model.Workflow) (model.Node, bool) {
	for _, n := range wf.Graph.Nodes {
		if n.Kind == nodes.WebhookTrigger {
			return n, true
		}
	}
	return model.Node{}, false
}

// readPayload decodes the body as a JSON object. An empty body is an empty
// payload.
func readPayload(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		return nil, errors.New("could not read body")
	}
	if len(body) > maxWebhookBody {
		return nil, errors.New("body too large")
	}
	payload := map[string]any{}
	if len(strings.TrimSpace(string(body))) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.New("body must be a JSON object")
	}
	return payload, nil
}

// forwardedHeaders keeps the first value of each header, minus credentials.
func forwardedHeaders(h http.Header) map[string]string {
	out := map[string]string{}
	for k, v := range h {
		switch k {
		case "Authorization", "Cookie", webhookSecretHeader:
			continue
		}
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/autoflow/internal/apperr"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	payload := map[string]string{"hello": "world"}

	WriteJSON(w, http.StatusOK, payload)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &body)
	require.NoError(t, err)
	assert.Equal(t, "world", body["hello"])
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteError(w, http.StatusBadRequest, "something went wrong")

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]string
	err := json.Unmarshal(w.Body.Bytes(), &body)
	require.NoError(t, err)
	assert.Equal(t, "something went wrong", body["error"])
	_, hasKind := body["kind"]
	assert.False(t, hasKind)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", apperr.NotFound("workflow %s not found", "wf-1"), http.StatusNotFound},
		{"plan limit", fmt.Errorf("activate: %w", &apperr.PlanLimitError{Metric: "active_workflows", Used: 3, Limit: 3}), http.StatusPaymentRequired},
		{"cycle", apperr.New(apperr.KindGraphCycle, "cycle"), http.StatusUnprocessableEntity},
		{"invalid graph", apperr.New(apperr.KindInvalidGraph, "two triggers"), http.StatusUnprocessableEntity},
		{"transition", apperr.New(apperr.KindInvalidTransition, "archived"), http.StatusConflict},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}

func TestWriteServiceError_HidesInternalErrors(t *testing.T) {
	w := httptest.NewRecorder()
	WriteServiceError(w, errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "internal error", body.Error)
}

func TestWriteServiceError_PlanLimitMessage(t *testing.T) {
	w := httptest.NewRecorder()
	WriteServiceError(w, &apperr.PlanLimitError{Metric: "executions", Used: 100, Limit: 100})

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body.Error, "100 of 100")
	assert.Equal(t, string(apperr.KindPlanLimitExceeded), body.Kind)
}

func TestWritePage(t *testing.T) {
	type item struct {
		ID string `json:"id"`
	}
	w := httptest.NewRecorder()

	WritePage(w, []item{{ID: "a"}, {ID: "b"}}, true, func(i item) string { return i.ID })

	var body Page[item]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Items, 2)
	assert.Equal(t, "b", body.NextCursor)
	assert.True(t, body.HasMore)
}

func TestWritePage_LastPageHasNoCursor(t *testing.T) {
	w := httptest.NewRecorder()

	WritePage(w, []string{"x"}, false, func(s string) string { return s })

	assert.Equal(t, `{"items":["x"],"has_more":false}`, strings.TrimSpace(w.Body.String()))
}

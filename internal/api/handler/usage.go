package handler

import (
	"net/http"

	"github.com/edvin/autoflow/internal/api/response"
)

type Usage struct {
	ledger UsageReader
}

func NewUsage(ledger UsageReader) *Usage {
	return &Usage{ledger: ledger}
}

// Get returns the caller's plan, limits and usage in the active period.
func (h *Usage) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	u, err := h.ledger.Snapshot(r.Context(), userID)
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, u)
}

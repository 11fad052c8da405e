package handler

import (
	"net/http"

	"github.com/edvin/autoflow/internal/api/response"
)

// Internal serves the bearer-guarded entry points an external timer calls
// when Temporal schedules are not used.
type Internal struct {
	scanner ScheduleScanner
	poller  PollRunner
}

func NewInternal(scanner ScheduleScanner, poller PollRunner) *Internal {
	return &Internal{scanner: scanner, poller: poller}
}

// Scan runs one schedule scan.
func (h *Internal) Scan(w http.ResponseWriter, r *http.Request) {
	res, err := h.scanner.Scan(r.Context())
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, res)
}

// Poll polls every due polling trigger.
func (h *Internal) Poll(w http.ResponseWriter, r *http.Request) {
	res, err := h.poller.RunDue(r.Context())
	if err != nil {
		response.WriteServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, res)
}

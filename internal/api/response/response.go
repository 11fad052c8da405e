package response

import (
	"errors"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/edvin/autoflow/internal/apperr"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Error: message})
}

// WriteServiceError maps a service error to a status code by its kind.
func WriteServiceError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := StatusFor(err)
	msg := err.Error()
	var planErr *apperr.PlanLimitError
	if errors.As(err, &planErr) || kind == apperr.KindNotConnected || kind == apperr.KindCredentialExpired {
		msg = apperr.UserMessage(err)
	}
	if status == http.StatusInternalServerError && kind == apperr.KindUnknown {
		msg = "internal error"
	}
	WriteJSON(w, status, ErrorResponse{Error: msg, Kind: string(kind)})
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindPlanLimitExceeded:
		return http.StatusPaymentRequired
	case apperr.KindGraphCycle, apperr.KindInvalidGraph, apperr.KindInvalidCron, apperr.KindConfiguration:
		return http.StatusUnprocessableEntity
	case apperr.KindInvalidTransition:
		return http.StatusConflict
	case apperr.KindNotConnected, apperr.KindCredentialExpired:
		return http.StatusFailedDependency
	default:
		return http.StatusInternalServerError
	}
}

// Page wraps one page of a cursor-paginated list.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}

// WritePage writes items as a page. The next cursor is the ID of the last
// item when more items follow.
func WritePage[T any](w http.ResponseWriter, items []T, hasMore bool, id func(T) string) {
	if items == nil {
		items = []T{}
	}
	p := Page[T]{Items: items, HasMore: hasMore}
	if hasMore && len(items) > 0 {
		p.NextCursor = id(items[len(items)-1])
	}
	WriteJSON(w, http.StatusOK, p)
}

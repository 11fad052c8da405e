package request

import (
	"fmt"
	"net/http"
	"strconv"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Page is a cursor page request. Cursor is the ID of the last item of the
// previous page.
type Page struct {
	Limit  int    `json:"limit" validate:"min=1"`
	Cursor string `json:"cursor" validate:"omitempty,max=64,printascii"`
}

// ParsePage reads limit and cursor from the query string. A limit above
// MaxLimit is clamped; a non-numeric or non-positive one is rejected.
func ParsePage(r *http.Request) (Page, error) {
	q := r.URL.Query()
	p := Page{Limit: DefaultLimit, Cursor: q.Get("cursor")}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Page{}, fmt.Errorf("limit must be an integer")
		}
		p.Limit = min(n, MaxLimit)
	}

	if err := validate.Struct(p); err != nil {
		return Page{}, fmt.Errorf("invalid page: %s", describe(err))
	}
	return p, nil
}

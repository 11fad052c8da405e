package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/edvin/autoflow/internal/api/response"
	"github.com/edvin/autoflow/internal/apperr"
	"github.com/edvin/autoflow/internal/model"
)

type contextKey string

const identityKey contextKey = "api_key_identity"

// Identity is the authenticated caller of a user API request.
type Identity struct {
	KeyID  string
	UserID string
}

// KeyResolver looks up an active API key by its raw value.
type KeyResolver interface {
	Resolve(ctx context.Context, rawKey string) (*model.APIKey, error)
}

// Auth validates the X-API-Key header and attaches the key owner to the
// request context.
func Auth(keys KeyResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				response.WriteError(w, http.StatusUnauthorized, "missing API key")
				return
			}

			k, err := keys.Resolve(r.Context(), key)
			if err != nil {
				if !apperr.Is(err, apperr.KindNotFound) {
					zerolog.Ctx(r.Context()).Error().Err(err).Msg("resolve api key")
				}
				response.WriteError(w, http.StatusUnauthorized, "invalid API key")
				return
			}

			ctx := WithIdentity(r.Context(), &Identity{KeyID: k.ID, UserID: k.UserID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Bearer guards internal endpoints with a static bearer token. An empty
// token rejects every request.
func Bearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := extractBearer(r)
			if token == "" || got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				response.WriteError(w, http.StatusUnauthorized, "invalid bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity returns the caller identity, or nil outside Auth.
func GetIdentity(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey).(*Identity)
	return id
}

// UserID returns the authenticated user's id, or "".
func UserID(ctx context.Context) string {
	if id := GetIdentity(ctx); id != nil {
		return id.UserID
	}
	return ""
}

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/user"
)

// ctxKey is the private type for request context keys.
type ctxKey int

const userIDKey ctxKey = iota

// UserID returns the authenticated user ID stored by the auth guard.
func UserID(ctx context.Context) int {
	id, _ := ctx.Value(userIDKey).(int)
	return id
}

// apiFunc is a handler that reports failures as errors. The error mapper at
// the end of the chain translates them into status+code JSON responses.
type apiFunc func(w http.ResponseWriter, r *http.Request) error

// ValidationError marks malformed input. It is surfaced directly to the
// caller and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Field + " " + e.Reason
}

// ErrRateLimited is returned when a mutation exceeds its rate limit rule.
var ErrRateLimited = errors.New("rate limited")

// errorBody is the JSON shape of every error response. Code is the machine
// contract: clients key their refresh-and-retry protocol off it.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// mapErrors is the tail of the middleware chain: it runs the handler and
// translates the error taxonomy into transport responses.
func mapErrors(fn apiFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		var ve *ValidationError
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			writeError(w, http.StatusUnauthorized, "token_expired", "access token expired")
		case errors.Is(err, auth.ErrTokenInvalid):
			writeError(w, http.StatusUnauthorized, "token_invalid", "access token invalid")
		case errors.Is(err, auth.ErrRefreshNotFound):
			writeError(w, http.StatusUnauthorized, "refresh_not_found", "refresh token not found")
		case errors.As(err, &ve):
			writeError(w, http.StatusBadRequest, "validation", ve.Error())
		case errors.Is(err, user.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "user not found")
		case errors.Is(err, ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "rate_limited", "slow down")
		default:
			log.Printf("api: %s %s: %v", r.Method, r.URL.Path, err)
			writeError(w, http.StatusInternalServerError, "internal", "internal error")
		}
	})
}

// withAuth is the authentication guard: it verifies the bearer token and
// stores the user ID in the request context. Composed ahead of every
// authenticated handler: auth check -> handler -> error mapping.
func (a *API) withAuth(fn apiFunc) apiFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return auth.ErrTokenInvalid
		}

		userID, err := a.issuer.Verify(token)
		if err != nil {
			return err
		}

		r = r.WithContext(context.WithValue(r.Context(), userIDKey, userID))
		return fn(w, r)
	}
}

// authed composes the full chain for an authenticated endpoint.
func (a *API) authed(fn apiFunc) http.Handler {
	return mapErrors(a.withAuth(fn))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

package httpapi

import (
	"errors"
	"net/http"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/ratelimit"
)

// refreshBody is the success response for the refresh endpoint.
type refreshBody struct {
	AccessToken string `json:"accessToken"`
}

// handleRefresh exchanges the refresh cookie for a new access token. A
// missing or unknown cookie is fatal for the session: the client clears its
// state and re-authenticates; there is no retry path through here.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) error {
	cookie, err := r.Cookie(auth.RefreshCookie)
	if err != nil || cookie.Value == "" {
		metrics.RefreshTotal.WithLabelValues("not_found").Inc()
		return auth.ErrRefreshNotFound
	}

	if a.limiter != nil {
		ok, _ := a.limiter.Allow(r.Context(), cookie.Value, ratelimit.RuleRefresh)
		if !ok {
			return ErrRateLimited
		}
	}

	userID, err := a.refresh.Lookup(r.Context(), cookie.Value)
	if err != nil {
		if errors.Is(err, auth.ErrRefreshNotFound) {
			metrics.RefreshTotal.WithLabelValues("not_found").Inc()
		} else {
			metrics.RefreshTotal.WithLabelValues("error").Inc()
		}
		return err
	}

	token, err := a.issuer.Mint(userID)
	if err != nil {
		metrics.RefreshTotal.WithLabelValues("error").Inc()
		return err
	}

	metrics.RefreshTotal.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, refreshBody{AccessToken: token})
	return nil
}

// handleLogout revokes the refresh credential and clears the cookie.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) error {
	if cookie, err := r.Cookie(auth.RefreshCookie); err == nil && cookie.Value != "" {
		if err := a.refresh.Revoke(r.Context(), cookie.Value); err != nil {
			return err
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.RefreshCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, okBody{OK: true})
	return nil
}

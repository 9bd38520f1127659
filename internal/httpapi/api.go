// Package httpapi serves the request/response side of the live chat service:
// chatroom mutations (enter, leave, typing, messages) and the token refresh
// endpoint. Every authenticated route runs through an explicit middleware
// chain — auth guard, handler, error mapper — composed as ordinary functions.
//
// All mutations are idempotent set-membership or state-transition operations,
// so a client that retries after an authentication edge (response lost, effect
// already applied) never double-applies.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/broker"
	"github.com/parley/chat-app/internal/chatroom"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/presence"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/typing"
	"github.com/parley/chat-app/internal/user"
)

// Publisher is the broker-facing side of the API. Satisfied by
// *broker.Broker and *broker.Relay.
type Publisher interface {
	Publish(broker.Event)
}

// ProfileUpdater persists profile changes. Satisfied by *user.Store.
type ProfileUpdater interface {
	UpdateProfile(ctx context.Context, id int, fullname, avatarURL string) (user.Summary, error)
}

// API holds the dependencies of the request/response endpoint.
type API struct {
	users    user.Directory
	profiles ProfileUpdater
	messages *chatroom.Store
	presence *presence.Registry
	typing   *typing.Coordinator
	pub      Publisher
	issuer   *auth.TokenIssuer
	refresh  *auth.RefreshStore
	limiter  *ratelimit.Limiter
	started  time.Time
}

// Config collects the collaborators an API needs. Messages, Refresh, and
// Limiter may be nil in tests; the corresponding routes then fail or no-op.
type Config struct {
	Users    user.Directory
	Profiles ProfileUpdater
	Messages *chatroom.Store
	Presence *presence.Registry
	Typing   *typing.Coordinator
	Pub      Publisher
	Issuer   *auth.TokenIssuer
	Refresh  *auth.RefreshStore
	Limiter  *ratelimit.Limiter
}

// New creates the API.
func New(config Config) *API {
	return &API{
		users:    config.Users,
		profiles: config.Profiles,
		messages: config.Messages,
		presence: config.Presence,
		typing:   config.Typing,
		pub:      config.Pub,
		issuer:   config.Issuer,
		refresh:  config.Refresh,
		limiter:  config.Limiter,
		started:  time.Now(),
	}
}

// Routes returns the HTTP handler for all request/response endpoints.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/chatrooms/{id}/enter", a.authed(a.handleEnter))
	mux.Handle("POST /api/chatrooms/{id}/leave", a.authed(a.handleLeave))
	mux.Handle("POST /api/chatrooms/{id}/typing/start", a.authed(a.handleTypingStart))
	mux.Handle("POST /api/chatrooms/{id}/typing/stop", a.authed(a.handleTypingStop))
	mux.Handle("POST /api/chatrooms/{id}/messages", a.authed(a.handleSendMessage))
	mux.Handle("GET /api/chatrooms/{id}/messages", a.authed(a.handleRecentMessages))
	mux.Handle("GET /api/chatrooms/{id}/live-users", a.authed(a.handleLiveUsers))

	mux.Handle("GET /api/me", a.authed(a.handleMe))
	mux.Handle("PUT /api/me/profile", a.authed(a.handleUpdateProfile))

	mux.Handle("POST /auth/refresh", mapErrors(a.handleRefresh))
	mux.Handle("POST /auth/logout", mapErrors(a.handleLogout))

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// Package client is a Go client for the live chat service. It wraps the
// request/response endpoints with automatic session handling: every call
// carries the current access token, and a call rejected with an expired token
// is transparently refreshed and retried. The retry budget is scoped to the
// individual operation, so one long-lived client never starves later calls by
// exhausting a shared counter.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"
)

// Error codes returned by the server that the client reacts to.
const (
	CodeTokenExpired    = "token_expired"
	CodeTokenInvalid    = "token_invalid"
	CodeRefreshNotFound = "refresh_not_found"
)

// refreshCookie is the name of the HTTP cookie carrying the refresh token.
const refreshCookie = "refresh_token"

// APIError is a structured error response from the server.
type APIError struct {
	Status  int    `json:"-"`       // HTTP status code
	Code    string `json:"code"`    // machine-readable error code
	Message string `json:"message"` // human-readable description
}

func (e *APIError) Error() string {
	return fmt.Sprintf("client: %s (code=%s, http=%d)", e.Message, e.Code, e.Status)
}

// ---------------------------------------------------------------------------
// Wire types (local equivalents of the server's response shapes)
// ---------------------------------------------------------------------------

// UserSummary is the public projection of a user.
type UserSummary struct {
	ID        int    `json:"id"`
	Fullname  string `json:"fullname"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Email     string `json:"email"`
}

// Snapshot is the full list of users currently present in a chatroom.
type Snapshot struct {
	ChatroomID int           `json:"chatroomId"`
	LiveUsers  []UserSummary `json:"liveUsers"`
}

// Message is one persisted chatroom message.
type Message struct {
	ID         int         `json:"id"`
	ChatroomID int         `json:"chatroomId"`
	Sender     UserSummary `json:"sender"`
	Content    string      `json:"content"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Config holds the parameters for a Client.
type Config struct {
	// BaseURL is the server's root URL, e.g. "http://localhost:8080".
	BaseURL string

	// AccessToken is the initial bearer token. May be empty if the caller
	// holds a refresh token and lets the first call mint one.
	AccessToken string

	// RefreshToken, when set, is installed as the refresh cookie so the
	// client can mint new access tokens on its own.
	RefreshToken string

	// HTTPClient, when nil, gets a default client with a cookie jar and a
	// 10 second timeout.
	HTTPClient *http.Client
}

// Client talks to the live chat server. It is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client

	mu          sync.Mutex
	accessToken string
}

// New creates a Client from config.
func New(config Config) (*Client, error) {
	base, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}

	hc := config.HTTPClient
	if hc == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("client: cookie jar: %w", err)
		}
		hc = &http.Client{Jar: jar, Timeout: 10 * time.Second}
	}

	if config.RefreshToken != "" && hc.Jar != nil {
		hc.Jar.SetCookies(base, []*http.Cookie{{
			Name:  refreshCookie,
			Value: config.RefreshToken,
			Path:  "/",
		}})
	}

	return &Client{
		baseURL:     base.String(),
		http:        hc,
		accessToken: config.AccessToken,
	}, nil
}

// AccessToken returns the current access token. Empty after the session has
// been cleared.
func (c *Client) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// setAccessToken replaces the current access token.
func (c *Client) setAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

// clearSession drops the access token. The server-side refresh credential is
// already gone when this is called, so there is nothing to revoke.
func (c *Client) clearSession() {
	c.setAccessToken("")
}

// ---------------------------------------------------------------------------
// Chatroom operations
// ---------------------------------------------------------------------------

// EnterChatroom marks the user present in the chatroom. Entering a room the
// user is already in converges to the same state.
func (c *Client) EnterChatroom(ctx context.Context, chatroomID int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/chatrooms/%d/enter", chatroomID), nil, nil)
}

// LeaveChatroom removes the user from the chatroom's live set.
func (c *Client) LeaveChatroom(ctx context.Context, chatroomID int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/chatrooms/%d/leave", chatroomID), nil, nil)
}

// StartTyping signals that the user began composing a message.
func (c *Client) StartTyping(ctx context.Context, chatroomID int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/chatrooms/%d/typing/start", chatroomID), nil, nil)
}

// StopTyping signals that the user stopped composing.
func (c *Client) StopTyping(ctx context.Context, chatroomID int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/chatrooms/%d/typing/stop", chatroomID), nil, nil)
}

// SendMessage posts a message to the chatroom and returns the persisted
// record.
func (c *Client) SendMessage(ctx context.Context, chatroomID int, content string) (Message, error) {
	var msg Message
	body := map[string]string{"content": content}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/chatrooms/%d/messages", chatroomID), body, &msg)
	return msg, err
}

// RecentMessages returns up to limit recent messages, oldest first. A limit
// of zero uses the server default.
func (c *Client) RecentMessages(ctx context.Context, chatroomID int, limit int) ([]Message, error) {
	path := fmt.Sprintf("/api/chatrooms/%d/messages", chatroomID)
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	var msgs []Message
	err := c.do(ctx, http.MethodGet, path, nil, &msgs)
	return msgs, err
}

// LiveUsers returns the current presence snapshot of the chatroom.
func (c *Client) LiveUsers(ctx context.Context, chatroomID int) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/chatrooms/%d/live-users", chatroomID), nil, &snap)
	return snap, err
}

// Me returns the authenticated user's profile.
func (c *Client) Me(ctx context.Context) (UserSummary, error) {
	var u UserSummary
	err := c.do(ctx, http.MethodGet, "/api/me", nil, &u)
	return u, err
}

// UpdateProfile changes the user's display name and, when non-empty, avatar.
func (c *Client) UpdateProfile(ctx context.Context, fullname, avatarURL string) (UserSummary, error) {
	var u UserSummary
	body := map[string]string{"fullname": fullname, "avatarUrl": avatarURL}
	err := c.do(ctx, http.MethodPut, "/api/me/profile", body, &u)
	return u, err
}

// Logout revokes the refresh credential on the server and clears the local
// session.
func (c *Client) Logout(ctx context.Context) error {
	err := c.doOnce(ctx, http.MethodPost, "/auth/logout", nil, nil)
	c.clearSession()
	return err
}

// ---------------------------------------------------------------------------
// Transport with refresh-and-retry
// ---------------------------------------------------------------------------

// do performs an authenticated request. When the server rejects the access
// token as expired, the client refreshes it and retries the request exactly
// once; the budget belongs to this call alone. Any failed refresh, whether the
// credential is unknown, the network drops, or the server errors, ends the
// session: local state is cleared and the original authentication error is
// returned so the caller sees what actually failed.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	retried := false
	for {
		err := c.doOnce(ctx, method, path, body, out)

		var apiErr *APIError
		if !retried && errors.As(err, &apiErr) &&
			apiErr.Status == http.StatusUnauthorized && apiErr.Code == CodeTokenExpired {
			retried = true
			if rerr := c.refresh(ctx); rerr != nil {
				c.clearSession()
				return err
			}
			continue
		}
		return err
	}
}

// doOnce performs a single HTTP round trip with the current access token.
func (c *Client) doOnce(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("client: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("client: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("client: decode response: %w", err)
		}
	}
	return nil
}

// refresh exchanges the refresh cookie for a new access token. Failure in any
// form is terminal for the session; the caller clears local state.
func (c *Client) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/refresh", nil)
	if err != nil {
		return fmt.Errorf("client: build refresh request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("client: refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	var body struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("client: decode refresh response: %w", err)
	}
	if body.AccessToken == "" {
		return fmt.Errorf("client: refresh response missing access token")
	}

	c.setAccessToken(body.AccessToken)
	return nil
}

// decodeError turns a non-2xx response into an *APIError. Bodies that are not
// the structured error shape still produce a usable error.
func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

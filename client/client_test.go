package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// fakeServer simulates the live chat server's auth behavior: protected routes
// accept only the token it currently considers fresh, and the refresh
// endpoint mints a new one when the refresh cookie is known.
type fakeServer struct {
	*httptest.Server

	freshToken    string
	refreshOK     bool  // whether /auth/refresh knows the credential
	refreshBroken bool  // /auth/refresh answers 500 instead
	alwaysExpire  bool  // reject protected calls regardless of token
	attempts      int64 // protected-route attempts
	refreshes     int64 // refresh calls
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{freshToken: "fresh-token", refreshOK: true}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/chatrooms/{id}/enter", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fs.attempts, 1)
		if fs.alwaysExpire || r.Header.Get("Authorization") != "Bearer "+fs.freshToken {
			writeErr(w, http.StatusUnauthorized, CodeTokenExpired, "access token expired")
			return
		}
		writeOK(w, map[string]bool{"ok": true})
	})
	mux.HandleFunc("POST /api/chatrooms/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fs.attempts, 1)
		if r.Header.Get("Authorization") != "Bearer "+fs.freshToken {
			writeErr(w, http.StatusUnauthorized, CodeTokenInvalid, "invalid access token")
			return
		}
		var body struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeOK(w, Message{
			ID: 41, ChatroomID: 7, Content: body.Content,
			Sender:    UserSummary{ID: 1, Fullname: "alice"},
			CreatedAt: time.Now().UTC(),
		})
	})
	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&fs.refreshes, 1)
		if fs.refreshBroken {
			writeErr(w, http.StatusInternalServerError, "internal", "internal error")
			return
		}
		cookie, err := r.Cookie(refreshCookie)
		if err != nil || cookie.Value == "" || !fs.refreshOK {
			writeErr(w, http.StatusUnauthorized, CodeRefreshNotFound, "refresh token not found")
			return
		}
		writeOK(w, map[string]string{"accessToken": fs.freshToken})
	})

	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func writeOK(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}

func newTestClient(t *testing.T, fs *fakeServer, accessToken string) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:      fs.URL,
		AccessToken:  accessToken,
		RefreshToken: "good-refresh",
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestExpiredTokenIsRefreshedAndRetriedOnce(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs, "stale-token")

	if err := c.EnterChatroom(context.Background(), 7); err != nil {
		t.Fatalf("expected enter to succeed after refresh, got %v", err)
	}
	if got := atomic.LoadInt64(&fs.attempts); got != 2 {
		t.Errorf("expected 2 attempts (original + retry), got %d", got)
	}
	if got := atomic.LoadInt64(&fs.refreshes); got != 1 {
		t.Errorf("expected 1 refresh, got %d", got)
	}
	if c.AccessToken() != "fresh-token" {
		t.Errorf("expected client to hold the refreshed token, got %q", c.AccessToken())
	}
}

func TestRetryBudgetIsScopedToEachOperation(t *testing.T) {
	fs := newFakeServer(t)
	fs.alwaysExpire = true
	c := newTestClient(t, fs, "stale-token")

	assertExpired := func(err error) {
		t.Helper()
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Code != CodeTokenExpired {
			t.Fatalf("expected token_expired error, got %v", err)
		}
	}

	assertExpired(c.EnterChatroom(context.Background(), 7))
	if got := atomic.LoadInt64(&fs.attempts); got != 2 {
		t.Fatalf("expected first operation to stop after one retry, got %d attempts", got)
	}

	// A later operation gets its own budget instead of inheriting a spent one.
	assertExpired(c.EnterChatroom(context.Background(), 7))
	if got := atomic.LoadInt64(&fs.attempts); got != 4 {
		t.Fatalf("expected second operation to retry again, got %d total attempts", got)
	}
}

func TestRefreshNotFoundClearsSessionAndSurfacesOriginalError(t *testing.T) {
	fs := newFakeServer(t)
	fs.refreshOK = false
	c := newTestClient(t, fs, "stale-token")

	err := c.EnterChatroom(context.Background(), 7)

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != CodeTokenExpired {
		t.Fatalf("expected the original token_expired error, got %v", err)
	}
	if c.AccessToken() != "" {
		t.Errorf("expected session to be cleared, still holds %q", c.AccessToken())
	}
	if got := atomic.LoadInt64(&fs.attempts); got != 1 {
		t.Errorf("expected no retry after failed refresh, got %d attempts", got)
	}
}

func TestFailedRefreshClearsSessionAndSurfacesOriginalError(t *testing.T) {
	fs := newFakeServer(t)
	fs.refreshBroken = true
	c := newTestClient(t, fs, "stale-token")

	err := c.EnterChatroom(context.Background(), 7)

	// The caller sees the auth failure that triggered the refresh, not the
	// refresh endpoint's own error.
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != CodeTokenExpired {
		t.Fatalf("expected the original token_expired error, got %v", err)
	}
	if c.AccessToken() != "" {
		t.Errorf("expected session cleared after failed refresh, still holds %q", c.AccessToken())
	}
	if got := atomic.LoadInt64(&fs.attempts); got != 1 {
		t.Errorf("expected no retry after failed refresh, got %d attempts", got)
	}
	if got := atomic.LoadInt64(&fs.refreshes); got != 1 {
		t.Errorf("expected a single refresh attempt, got %d", got)
	}
}

func TestInvalidTokenIsNotRetried(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs, "stale-token")

	_, err := c.SendMessage(context.Background(), 7, "hello")

	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != CodeTokenInvalid {
		t.Fatalf("expected token_invalid error, got %v", err)
	}
	if got := atomic.LoadInt64(&fs.attempts); got != 1 {
		t.Errorf("expected exactly 1 attempt for a non-expiry auth failure, got %d", got)
	}
}

func TestSendMessageDecodesResponse(t *testing.T) {
	fs := newFakeServer(t)
	c := newTestClient(t, fs, "fresh-token")

	msg, err := c.SendMessage(context.Background(), 7, "hello world")
	if err != nil {
		t.Fatalf("send message: %v", err)
	}
	if msg.ID != 41 || msg.ChatroomID != 7 || msg.Content != "hello world" {
		t.Errorf("unexpected message decoded: %+v", msg)
	}
	if msg.Sender.Fullname != "alice" {
		t.Errorf("expected sender alice, got %q", msg.Sender.Fullname)
	}
}

func TestStreamURLAttachesToken(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws?access_token=tok"},
		{"https://chat.example.com", "wss://chat.example.com/ws?access_token=tok"},
		{"http://localhost:8080/", "ws://localhost:8080/ws?access_token=tok"},
	}
	for _, tt := range tests {
		got, err := streamURL(tt.base, "tok")
		if err != nil {
			t.Fatalf("streamURL(%q): %v", tt.base, err)
		}
		if got != tt.want {
			t.Errorf("streamURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

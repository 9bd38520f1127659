package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/broker"
	"github.com/parley/chat-app/internal/presence"
	"github.com/parley/chat-app/internal/typing"
	"github.com/parley/chat-app/internal/user"
)

// fakeDirectory serves canned user summaries.
type fakeDirectory map[int]user.Summary

func (d fakeDirectory) GetUser(_ context.Context, id int) (user.Summary, error) {
	u, ok := d[id]
	if !ok {
		return user.Summary{}, user.ErrNotFound
	}
	return u, nil
}

func (d fakeDirectory) UpdateProfile(_ context.Context, id int, fullname, avatarURL string) (user.Summary, error) {
	u, ok := d[id]
	if !ok {
		return user.Summary{}, user.ErrNotFound
	}
	u.Fullname = fullname
	if avatarURL != "" {
		u.AvatarURL = avatarURL
	}
	d[id] = u
	return u, nil
}

// capture records published events.
type capture struct {
	mu     sync.Mutex
	events []broker.Event
}

func (c *capture) Publish(ev broker.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *capture) snapshot() []broker.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.Event(nil), c.events...)
}

type testAPI struct {
	api    *API
	server *httptest.Server
	issuer *auth.TokenIssuer
	pub    *capture
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	pub := &capture{}
	issuer := auth.NewTokenIssuer([]byte("test-secret"), time.Minute)
	dir := fakeDirectory{
		1: {ID: 1, Fullname: "alice", Email: "alice@example.com"},
		2: {ID: 2, Fullname: "bob", Email: "bob@example.com"},
	}
	api := New(Config{
		Users:    dir,
		Profiles: dir,
		Presence: presence.NewRegistry(),
		Typing:   typing.NewCoordinator(pub, 100*time.Millisecond),
		Pub:      pub,
		Issuer:   issuer,
	})

	server := httptest.NewServer(api.Routes())
	t.Cleanup(server.Close)

	return &testAPI{api: api, server: server, issuer: issuer, pub: pub}
}

func (ta *testAPI) do(t *testing.T, method, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ta.server.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ta *testAPI) doJSON(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(method, ta.server.URL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ta *testAPI) token(t *testing.T, userID int) string {
	t.Helper()
	token, err := ta.issuer.Mint(userID)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func decodeError(t *testing.T, resp *http.Response) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

func TestEnterPublishesSnapshot(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.do(t, "POST", "/api/chatrooms/7/enter", ta.token(t, 1))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	evs := ta.pub.snapshot()
	if len(evs) != 1 || evs[0].Kind != broker.KindPresence || evs[0].Chatroom != 7 {
		t.Fatalf("expected one presence event for room 7, got %+v", evs)
	}
	snap, ok := evs[0].Payload.(presence.Snapshot)
	if !ok {
		t.Fatalf("expected Snapshot payload, got %T", evs[0].Payload)
	}
	if len(snap.LiveUsers) != 1 || snap.LiveUsers[0].ID != 1 {
		t.Errorf("expected [alice], got %+v", snap.LiveUsers)
	}
}

func TestEnterLeaveScenario(t *testing.T) {
	ta := newTestAPI(t)
	alice, bob := ta.token(t, 1), ta.token(t, 2)

	ta.do(t, "POST", "/api/chatrooms/7/enter", alice)
	ta.do(t, "POST", "/api/chatrooms/7/enter", bob)
	ta.do(t, "POST", "/api/chatrooms/7/leave", alice)

	evs := ta.pub.snapshot()
	if len(evs) != 3 {
		t.Fatalf("expected 3 presence events, got %d", len(evs))
	}
	want := [][]int{{1}, {1, 2}, {2}}
	for i, ev := range evs {
		snap := ev.Payload.(presence.Snapshot)
		ids := make([]int, 0, len(snap.LiveUsers))
		for _, u := range snap.LiveUsers {
			ids = append(ids, u.ID)
		}
		if len(ids) != len(want[i]) {
			t.Fatalf("event %d: expected %v, got %v", i, want[i], ids)
		}
		for j := range ids {
			if ids[j] != want[i][j] {
				t.Fatalf("event %d: expected %v, got %v", i, want[i], ids)
			}
		}
	}
}

func TestEnterIsIdempotent(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.token(t, 1)

	ta.do(t, "POST", "/api/chatrooms/7/enter", token)
	ta.do(t, "POST", "/api/chatrooms/7/enter", token)

	evs := ta.pub.snapshot()
	if len(evs) != 2 {
		t.Fatalf("expected 2 published snapshots, got %d", len(evs))
	}
	// Both snapshots show a single membership entry: the retry converged.
	for i, ev := range evs {
		snap := ev.Payload.(presence.Snapshot)
		if len(snap.LiveUsers) != 1 {
			t.Errorf("snapshot %d: expected 1 live user, got %d", i, len(snap.LiveUsers))
		}
	}
}

func TestTypingStartPublishes(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.do(t, "POST", "/api/chatrooms/7/typing/start", ta.token(t, 1))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	evs := ta.pub.snapshot()
	if len(evs) != 1 || evs[0].Kind != broker.KindTypingStarted {
		t.Fatalf("expected typing-started event, got %+v", evs)
	}
	if u := evs[0].Payload.(user.Summary); u.ID != 1 {
		t.Errorf("expected alice, got %+v", u)
	}
}

func TestAuthGuard(t *testing.T) {
	ta := newTestAPI(t)

	t.Run("missing token", func(t *testing.T) {
		resp := ta.do(t, "POST", "/api/chatrooms/7/enter", "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
		if body := decodeError(t, resp); body.Code != "token_invalid" {
			t.Errorf("expected code token_invalid, got %q", body.Code)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		shortLived := auth.NewTokenIssuer([]byte("test-secret"), time.Nanosecond)
		token, err := shortLived.Mint(1)
		if err != nil {
			t.Fatalf("mint token: %v", err)
		}
		time.Sleep(10 * time.Millisecond)

		resp := ta.do(t, "POST", "/api/chatrooms/7/enter", token)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
		if body := decodeError(t, resp); body.Code != "token_expired" {
			t.Errorf("expected code token_expired, got %q", body.Code)
		}
	})
}

func TestChatroomIDValidation(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.token(t, 1)

	for _, path := range []string{
		"/api/chatrooms/abc/enter",
		"/api/chatrooms/-1/enter",
		"/api/chatrooms/0/enter",
	} {
		resp := ta.do(t, "POST", path, token)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, resp.StatusCode)
			continue
		}
		if body := decodeError(t, resp); body.Code != "validation" {
			t.Errorf("%s: expected code validation, got %q", path, body.Code)
		}
	}

	if evs := ta.pub.snapshot(); len(evs) != 0 {
		t.Errorf("validation failures must not publish, got %+v", evs)
	}
}

func TestUpdateProfile(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.token(t, 1)

	resp := ta.doJSON(t, "PUT", "/api/me/profile", token, map[string]string{
		"fullname":  "alice cooper",
		"avatarUrl": "https://cdn.example.com/a.png",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var updated user.Summary
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		t.Fatalf("decode profile: %v", err)
	}
	if updated.Fullname != "alice cooper" || updated.AvatarURL != "https://cdn.example.com/a.png" {
		t.Errorf("unexpected profile: %+v", updated)
	}

	// The directory reflects the change on subsequent reads.
	resp = ta.do(t, "GET", "/api/me", token)
	var me user.Summary
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.Fullname != "alice cooper" {
		t.Errorf("expected updated fullname, got %q", me.Fullname)
	}
}

func TestUpdateProfileValidation(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.doJSON(t, "PUT", "/api/me/profile", ta.token(t, 1), map[string]string{
		"fullname": "",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.Code != "validation" {
		t.Errorf("expected code validation, got %q", body.Code)
	}
}

func TestRefreshWithoutCookie(t *testing.T) {
	ta := newTestAPI(t)

	resp := ta.do(t, "POST", "/auth/refresh", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if body := decodeError(t, resp); body.Code != "refresh_not_found" {
		t.Errorf("expected code refresh_not_found, got %q", body.Code)
	}
}

package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/parley/chat-app/internal/broker"
	"github.com/parley/chat-app/internal/chatroom"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/ratelimit"
	"github.com/parley/chat-app/internal/user"
)

// maxMessageLength caps message content, matching the messages table contract.
const maxMessageLength = 2000

// okBody is the response for boolean mutations.
type okBody struct {
	OK bool `json:"ok"`
}

// chatroomID extracts and validates the {id} path segment.
func chatroomID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id <= 0 {
		return 0, &ValidationError{Field: "chatroom id", Reason: "must be a positive integer"}
	}
	return id, nil
}

// currentUser resolves the authenticated request to a full user summary.
func (a *API) currentUser(r *http.Request) (user.Summary, error) {
	return a.users.GetUser(r.Context(), UserID(r.Context()))
}

// allow applies a rate limit rule for the authenticated user. Fail-open when
// no limiter is configured.
func (a *API) allow(r *http.Request, rule ratelimit.Rule) error {
	if a.limiter == nil {
		return nil
	}
	ok, _ := a.limiter.Allow(r.Context(), strconv.Itoa(UserID(r.Context())), rule)
	if !ok {
		return ErrRateLimited
	}
	return nil
}

// handleEnter adds the user to the chatroom's live set and publishes the
// updated presence snapshot. Re-entering is a no-op on membership but still
// re-publishes the snapshot, so a retried enter converges instead of
// double-applying.
func (a *API) handleEnter(w http.ResponseWriter, r *http.Request) error {
	id, err := chatroomID(r)
	if err != nil {
		return err
	}
	u, err := a.currentUser(r)
	if err != nil {
		return err
	}

	a.presence.Add(id, u)
	a.pub.Publish(broker.Event{
		Kind:     broker.KindPresence,
		Chatroom: id,
		Payload:  a.presence.SnapshotOf(id),
	})

	writeJSON(w, http.StatusOK, okBody{OK: true})
	return nil
}

// handleLeave removes the user from the chatroom's live set and publishes the
// updated presence snapshot.
func (a *API) handleLeave(w http.ResponseWriter, r *http.Request) error {
	id, err := chatroomID(r)
	if err != nil {
		return err
	}
	u, err := a.currentUser(r)
	if err != nil {
		return err
	}

	a.presence.Remove(id, u)
	a.pub.Publish(broker.Event{
		Kind:     broker.KindPresence,
		Chatroom: id,
		Payload:  a.presence.SnapshotOf(id),
	})

	writeJSON(w, http.StatusOK, okBody{OK: true})
	return nil
}

// handleTypingStart forwards a typing start signal to the coordinator, which
// publishes typing-started on the idle->typing transition.
func (a *API) handleTypingStart(w http.ResponseWriter, r *http.Request) error {
	id, err := chatroomID(r)
	if err != nil {
		return err
	}
	if err := a.allow(r, ratelimit.RuleTyping); err != nil {
		return err
	}
	u, err := a.currentUser(r)
	if err != nil {
		return err
	}

	a.typing.Started(id, u)
	writeJSON(w, http.StatusOK, okBody{OK: true})
	return nil
}

// handleTypingStop forwards an explicit stop signal to the coordinator.
func (a *API) handleTypingStop(w http.ResponseWriter, r *http.Request) error {
	id, err := chatroomID(r)
	if err != nil {
		return err
	}
	if err := a.allow(r, ratelimit.RuleTyping); err != nil {
		return err
	}
	u, err := a.currentUser(r)
	if err != nil {
		return err
	}

	a.typing.Stopped(id, u)
	writeJSON(w, http.StatusOK, okBody{OK: true})
	return nil
}

// handleSendMessage persists a message and publishes it to the chatroom's
// message stream.
func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) error {
	id, err := chatroomID(r)
	if err != nil {
		return err
	}
	if err := a.allow(r, ratelimit.RuleMessage); err != nil {
		return err
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return &ValidationError{Field: "body", Reason: "must be valid JSON"}
	}
	if body.Content == "" {
		return &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if len(body.Content) > maxMessageLength {
		return &ValidationError{Field: "content", Reason: "too long"}
	}

	u, err := a.currentUser(r)
	if err != nil {
		return err
	}

	msg, err := a.messages.SaveMessage(r.Context(), id, u, body.Content)
	if err != nil {
		return err
	}

	metrics.MessagesTotal.Inc()
	a.pub.Publish(broker.Event{
		Kind:     broker.KindMessage,
		Chatroom: id,
		Payload:  msg,
	})

	writeJSON(w, http.StatusOK, msg)
	return nil
}

// handleRecentMessages returns up to 100 recent messages, oldest first.
func (a *API) handleRecentMessages(w http.ResponseWriter, r *http.Request) error {
	id, err := chatroomID(r)
	if err != nil {
		return err
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return &ValidationError{Field: "limit", Reason: "must be a positive integer"}
		}
		if n > 100 {
			n = 100
		}
		limit = n
	}

	msgs, err := a.messages.RecentMessages(r.Context(), id, limit)
	if err != nil {
		return err
	}
	if msgs == nil {
		msgs = []chatroom.Message{} // empty JSON array, not null
	}
	writeJSON(w, http.StatusOK, msgs)
	return nil
}

// handleLiveUsers returns the point-in-time presence snapshot for callers
// that want the current list without opening a stream.
func (a *API) handleLiveUsers(w http.ResponseWriter, r *http.Request) error {
	id, err := chatroomID(r)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, a.presence.SnapshotOf(id))
	return nil
}

// handleMe returns the authenticated user's profile.
func (a *API) handleMe(w http.ResponseWriter, r *http.Request) error {
	u, err := a.currentUser(r)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, u)
	return nil
}

// handleUpdateProfile updates the authenticated user's display name and
// avatar and returns the updated profile.
func (a *API) handleUpdateProfile(w http.ResponseWriter, r *http.Request) error {
	var body struct {
		Fullname  string `json:"fullname"`
		AvatarURL string `json:"avatarUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return &ValidationError{Field: "body", Reason: "must be valid JSON"}
	}
	if body.Fullname == "" {
		return &ValidationError{Field: "fullname", Reason: "must not be empty"}
	}

	u, err := a.profiles.UpdateProfile(r.Context(), UserID(r.Context()), body.Fullname, body.AvatarURL)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, u)
	return nil
}

// handleHealth responds with the server's health status as JSON.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
	}{
		Status: "ok",
		Uptime: time.Since(a.started).Round(time.Second).String(),
	})
}

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Stream names accepted by Subscribe and Unsubscribe.
const (
	StreamLiveUsers = "live_users"
	StreamTyping    = "typing"
	StreamMessages  = "messages"
)

// Server frame types delivered to stream handlers.
const (
	FrameSubscribed    = "subscribed"
	FrameUnsubscribed  = "unsubscribed"
	FrameLiveUsers     = "live_users"
	FrameTypingStarted = "typing_started"
	FrameTypingStopped = "typing_stopped"
	FrameMessage       = "message"
	FrameError         = "error"
	FramePong          = "pong"
)

// Stream is a WebSocket connection to the server's streaming endpoint. The
// access token is attached at connect time; the server never re-checks it,
// so a token refresh requires reconnecting.
type Stream struct {
	conn      net.Conn
	mu        sync.Mutex // serializes writes
	hmu       sync.Mutex // guards handlers against the read loop
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
}

// DialStream opens a streaming connection using the client's current access
// token. Handlers must be registered with On before events for their type
// arrive; frames without a handler are dropped.
func (c *Client) DialStream(ctx context.Context) (*Stream, error) {
	token := c.AccessToken()
	if token == "" {
		return nil, fmt.Errorf("client: no access token for stream dial")
	}

	wsURL, err := streamURL(c.baseURL, token)
	if err != nil {
		return nil, err
	}

	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("client: dial stream: %w", err)
	}

	s := &Stream{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// streamURL converts the HTTP base URL into the ws:// endpoint with the
// access token as a query parameter.
func streamURL(baseURL, token string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("client: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// On registers a handler for a server frame type. The handler receives the
// full raw JSON of the frame and runs on the read loop goroutine, so it must
// not block. Registering a second handler for the same type replaces the
// first. Safe to call while the stream is live, though frames arriving before
// registration are dropped.
func (s *Stream) On(frameType string, handler func(json.RawMessage)) {
	s.hmu.Lock()
	s.handlers[frameType] = handler
	s.hmu.Unlock()
}

// handler returns the registered handler for a frame type, if any.
func (s *Stream) handler(frameType string) (func(json.RawMessage), bool) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	h, ok := s.handlers[frameType]
	return h, ok
}

// Subscribe attaches this connection to one event stream of a chatroom.
func (s *Stream) Subscribe(stream string, chatroomID int) error {
	return s.send(map[string]interface{}{
		"type":        "subscribe",
		"stream":      stream,
		"chatroom_id": chatroomID,
	})
}

// Unsubscribe detaches this connection from one event stream of a chatroom.
func (s *Stream) Unsubscribe(stream string, chatroomID int) error {
	return s.send(map[string]interface{}{
		"type":        "unsubscribe",
		"stream":      stream,
		"chatroom_id": chatroomID,
	})
}

// Ping sends an application-level keepalive; the server answers with a pong
// frame.
func (s *Stream) Ping() error {
	return s.send(map[string]string{"type": "ping"})
}

// Close shuts the stream down. Safe to call multiple times.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// send writes one JSON frame under the write mutex.
func (s *Stream) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal frame: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return wsutil.WriteClientMessage(s.conn, ws.OpText, data)
}

// readLoop reads server frames and dispatches them by type until the
// connection closes.
func (s *Stream) readLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(s.conn)
		if err != nil {
			s.Close()
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		if h, ok := s.handler(envelope.Type); ok {
			h(json.RawMessage(data))
		}
	}
}

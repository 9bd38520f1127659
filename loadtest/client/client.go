// Package client provides a reusable load test client for the Parley live
// chat server. It mints its own access tokens (the load tester shares the
// server's JWT secret), drives the request/response endpoints over HTTP, and
// consumes event streams over a gobwas/ws WebSocket connection, tracking
// per-client performance metrics.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/golang-jwt/jwt/v5"
)

// Server frame types delivered to handlers.
const (
	TypeSubscribed    = "subscribed"
	TypeLiveUsers     = "live_users"
	TypeTypingStarted = "typing_started"
	TypeTypingStopped = "typing_stopped"
	TypeMessage       = "message"
	TypeError         = "error"
	TypePong          = "pong"
)

// Stream names accepted by Subscribe.
const (
	StreamLiveUsers = "live_users"
	StreamTyping    = "typing"
	StreamMessages  = "messages"
)

// MintToken creates an access token for the given user, signed with the same
// HS256 secret the server verifies against.
func MintToken(secret string, userID int, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.Itoa(userID),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Metrics tracks per-client performance data.
type Metrics struct {
	ConnectLatency time.Duration
	EventsReceived int
	MessagesSent   int
	Errors         int
}

// Client simulates one authenticated user: HTTP mutations plus a WebSocket
// event stream.
type Client struct {
	UserID int

	baseURL string
	token   string
	http    *http.Client

	conn      net.Conn
	mu        sync.Mutex // serializes WebSocket writes
	handlers  map[string]func(json.RawMessage)
	metrics   Metrics
	done      chan struct{}
	closeOnce sync.Once
}

// New connects a load test client. baseURL is the server's HTTP root, e.g.
// "http://localhost:8080"; the WebSocket endpoint is derived from it. The
// stream connection is established immediately and a background goroutine
// begins reading frames.
func New(ctx context.Context, baseURL string, userID int, token string) (*Client, error) {
	c := &Client{
		UserID:   userID,
		baseURL:  baseURL,
		token:    token,
		http:     &http.Client{Timeout: 10 * time.Second},
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}

	wsURL := "ws" + baseURL[len("http"):] + "/ws?access_token=" + token

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c.conn = conn
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// On registers a handler for a server frame type. The handler receives the
// full raw JSON of the frame and runs on the read loop goroutine, so it must
// not block. Registering a second handler for the same type replaces the
// first.
func (c *Client) On(frameType string, handler func(json.RawMessage)) {
	c.handlers[frameType] = handler
}

// Subscribe attaches the stream connection to a chatroom event stream.
func (c *Client) Subscribe(stream string, chatroomID int) error {
	return c.sendFrame(map[string]interface{}{
		"type":        "subscribe",
		"stream":      stream,
		"chatroom_id": chatroomID,
	})
}

// Enter marks the user present in the chatroom.
func (c *Client) Enter(ctx context.Context, chatroomID int) error {
	return c.post(ctx, fmt.Sprintf("/api/chatrooms/%d/enter", chatroomID), nil)
}

// Leave removes the user from the chatroom's live set.
func (c *Client) Leave(ctx context.Context, chatroomID int) error {
	return c.post(ctx, fmt.Sprintf("/api/chatrooms/%d/leave", chatroomID), nil)
}

// StartTyping signals that the user began composing.
func (c *Client) StartTyping(ctx context.Context, chatroomID int) error {
	return c.post(ctx, fmt.Sprintf("/api/chatrooms/%d/typing/start", chatroomID), nil)
}

// StopTyping signals that the user stopped composing.
func (c *Client) StopTyping(ctx context.Context, chatroomID int) error {
	return c.post(ctx, fmt.Sprintf("/api/chatrooms/%d/typing/stop", chatroomID), nil)
}

// SendMessage posts a message to the chatroom.
func (c *Client) SendMessage(ctx context.Context, chatroomID int, content string) error {
	err := c.post(ctx, fmt.Sprintf("/api/chatrooms/%d/messages", chatroomID),
		map[string]string{"content": content})
	if err == nil {
		c.mu.Lock()
		c.metrics.MessagesSent++
		c.mu.Unlock()
	}
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Close closes the stream connection and stops the read loop. Safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// post performs an authenticated JSON POST and treats any non-2xx status as
// an error.
func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.addError()
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		c.addError()
		return fmt.Errorf("POST %s: http %d", path, resp.StatusCode)
	}
	return nil
}

// sendFrame writes one JSON frame on the stream connection.
func (c *Client) sendFrame(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

func (c *Client) addError() {
	c.mu.Lock()
	c.metrics.Errors++
	c.mu.Unlock()
}

// readLoop continuously reads frames from the server and dispatches them to
// registered handlers until the connection is closed.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; not an error.
				return
			default:
			}
			c.addError()
			return
		}

		c.mu.Lock()
		c.metrics.EventsReceived++
		c.mu.Unlock()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}

// Package ws serves the streaming endpoint: it upgrades HTTP connections to
// WebSocket, authenticates them with a connect-time access token, and
// multiplexes chatroom event subscriptions over each connection. Credentials
// are evaluated only at connect time; a token that expires mid-stream stays
// valid until the transport reconnects with a fresh one.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/parley/chat-app/internal/broker"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/user"
)

// TokenVerifier validates a connect-time access token and returns the user
// ID it was minted for. Satisfied by *auth.TokenIssuer.
type TokenVerifier interface {
	Verify(token string) (int, error)
}

// ServerConfig holds tunable parameters for the streaming endpoint.
type ServerConfig struct {
	MaxConnections int           // hard cap on total connections
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections: 100000,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket server built on gobwas/ws. Each connection gets a
// dedicated read goroutine; subscription fan-out runs on per-channel pump
// goroutines owned by the connection's context.
type Server struct {
	config     ServerConfig
	verifier   TokenVerifier
	users      user.Directory
	broker     *broker.Broker
	conns      *ConnectionManager
	dispatcher *dispatcher
	done       chan struct{}
}

// NewServer creates a Server. Events reach clients through b; tokens are
// checked against verifier and resolved to profiles through users.
func NewServer(config ServerConfig, verifier TokenVerifier, users user.Directory, b *broker.Broker) *Server {
	s := &Server{
		config:   config,
		verifier: verifier,
		users:    users,
		broker:   b,
		conns:    NewConnectionManager(),
		done:     make(chan struct{}),
	}
	s.dispatcher = newDispatcher(s)

	StartHeartbeat(s, DefaultHeartbeatConfig())
	return s
}

// Handler returns the HTTP handler that upgrades requests to WebSocket. It
// is mounted on the shared mux next to the request/response endpoints.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// handleUpgrade authenticates and upgrades an HTTP request. The access token
// travels as a query parameter because browsers cannot set headers on
// WebSocket connects.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("access_token")
	if token == "" {
		http.Error(w, "missing access token", http.StatusUnauthorized)
		return
	}
	userID, err := s.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid access token", http.StatusUnauthorized)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	u, err := s.users.GetUser(ctx, userID)
	cancel()
	if err != nil {
		log.Printf("ws: resolve user %d: %v", userID, err)
		http.Error(w, "unknown user", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), u, conn)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	log.Printf("ws: new connection id=%s user=%d (total=%d)", c.ID, u.ID, s.conns.Count())

	go s.readLoop(c)
}

// readLoop reads frames from the connection until it drops. Control frames
// are handled inline; data frames go to the dispatcher.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	for {
		select {
		case <-s.done:
			return
		case <-c.ctx.Done():
			return
		default:
		}

		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("ws: read error id=%s: %v", c.ID, err)
			}
			return
		}

		// Any frame proves the connection is alive.
		c.LastPing = time.Now()

		if header.OpCode.IsControl() {
			if header.OpCode == ws.OpClose {
				return
			}
			if header.OpCode == ws.OpPing {
				s.writeControl(c, ws.NewPongFrame(nil))
			}
			// Pong: nothing else to do.
			if _, err := io.Copy(io.Discard, reader); err != nil {
				return
			}
			continue
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		s.dispatcher.Dispatch(c, data)
	}
}

// writeControl sends a control frame under the connection's write mutex.
func (s *Server) writeControl(c *Connection, frame ws.Frame) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteFrame(c.Conn, frame); err != nil {
		log.Printf("ws: write control frame id=%s: %v", c.ID, err)
	}
}

// RemoveConnection tears down a connection: its context is cancelled (which
// releases every subscription channel it owns) and it is dropped from the
// manager. No other shared state is touched — presence entries in particular
// survive until an explicit leave arrives.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()
	log.Printf("ws: connection closed id=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Connections returns the ConnectionManager for external access (heartbeat,
// shutdown).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown closes all active connections and stops background goroutines.
func (s *Server) Shutdown() {
	close(s.done)
	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}
	log.Printf("ws: server stopped, all connections closed")
}

package ws

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/parley/chat-app/internal/user"
)

// Connection represents a single authenticated WebSocket client with its
// subscription set and a write mutex for serializing outbound frames.
type Connection struct {
	ID        string       // connection ID (UUID)
	User      user.Summary // authenticated user, resolved at upgrade time
	Conn      net.Conn     // underlying TCP connection
	CreatedAt time.Time    // when the connection was established
	LastPing  time.Time    // last activity observed from the client

	writeMu sync.Mutex // serializes writes to this connection

	// ctx is cancelled when the connection is removed; every subscription
	// channel opened for this client descends from it, so teardown releases
	// exactly this connection's broker attachments and nothing else.
	ctx    context.Context
	cancel context.CancelFunc

	subMu sync.Mutex
	subs  map[string]*streamSub // stream key -> active subscription
}

func newConnection(id string, u user.Summary, conn net.Conn) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &Connection{
		ID:        id,
		User:      u,
		Conn:      conn,
		CreatedAt: now,
		LastPing:  now,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]*streamSub),
	}
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close cancels the connection context (tearing down all subscriptions) and
// closes the underlying network connection.
func (c *Connection) Close() error {
	c.cancel()
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of active connections.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes it. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

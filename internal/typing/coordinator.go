// Package typing owns the per-(chatroom, user) typing state machine. Each key
// cycles between idle and typing for the lifetime of the user's session: a
// start signal publishes typing-started and arms an inactivity timeout,
// repeated starts only reschedule the timeout, and either the timeout firing
// or an explicit stop publishes typing-stopped and clears the entry.
package typing

import (
	"sync"
	"time"

	"github.com/parley/chat-app/internal/broker"
	"github.com/parley/chat-app/internal/user"
)

// DefaultTimeout is the inactivity window after which a typing user is
// considered to have stopped.
const DefaultTimeout = 5 * time.Second

// Publisher is the broker-facing side of the coordinator. Satisfied by
// *broker.Broker and *broker.Relay. Publish is called with the coordinator
// mutex held, so it must not block or call back into the coordinator.
type Publisher interface {
	Publish(broker.Event)
}

// key addresses typing state by the full composite key. Keying by user alone
// would let a timeout in one chatroom clear the user's typing state in
// another.
type key struct {
	chatroomID int
	userID     int
}

// entry is one active typing state. gen guards against a stale AfterFunc
// firing after the timer has been rescheduled or stopped.
type entry struct {
	timer *time.Timer
	gen   uint64
	user  user.Summary
}

// Coordinator runs the typing state machines for all chatrooms. All state is
// owned by the coordinator instance and synchronized by its mutex; entries
// are created on the first start signal and destroyed on stop or timeout.
type Coordinator struct {
	mu      sync.Mutex
	entries map[key]*entry
	timeout time.Duration
	pub     Publisher
}

// NewCoordinator creates a Coordinator publishing through pub. A timeout of 0
// selects DefaultTimeout.
func NewCoordinator(pub Publisher, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		entries: make(map[key]*entry),
		timeout: timeout,
		pub:     pub,
	}
}

// Started handles a typing start signal. On the idle -> typing transition it
// publishes typing-started and arms the inactivity timeout. While already
// typing it only reschedules the timeout: clients debounce keystrokes, but
// repeated signals must not leak timers or re-publish.
func (c *Coordinator) Started(chatroomID int, u user.Summary) {
	k := key{chatroomID: chatroomID, userID: u.ID}

	c.mu.Lock()
	if e, ok := c.entries[k]; ok {
		e.gen++
		e.timer.Stop()
		e.timer = c.armTimeout(k, e.gen)
		c.mu.Unlock()
		return
	}

	e := &entry{user: u}
	c.entries[k] = e
	e.timer = c.armTimeout(k, e.gen)

	// Published under the mutex: a concurrent stop for the same key must not
	// get its typing-stopped out ahead of this typing-started. Publishing is
	// non-blocking, so holding the lock here is cheap.
	c.pub.Publish(broker.Event{
		Kind:     broker.KindTypingStarted,
		Chatroom: chatroomID,
		Payload:  u,
	})
	c.mu.Unlock()
}

// Stopped handles an explicit stop signal: it cancels the pending timeout,
// clears the entry, and publishes typing-stopped. A stop while idle is a
// no-op, which makes retried stop mutations safe.
func (c *Coordinator) Stopped(chatroomID int, u user.Summary) {
	k := key{chatroomID: chatroomID, userID: u.ID}

	c.mu.Lock()
	e, ok := c.entries[k]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.gen++
	e.timer.Stop()
	delete(c.entries, k)

	c.pub.Publish(broker.Event{
		Kind:     broker.KindTypingStopped,
		Chatroom: chatroomID,
		Payload:  u,
	})
	c.mu.Unlock()
}

// Typing reports whether the key is currently in the typing state.
func (c *Coordinator) Typing(chatroomID, userID int) bool {
	c.mu.Lock()
	_, ok := c.entries[key{chatroomID: chatroomID, userID: userID}]
	c.mu.Unlock()
	return ok
}

// armTimeout schedules the inactivity expiry for a key at a given generation.
// Callers must hold the mutex.
func (c *Coordinator) armTimeout(k key, gen uint64) *time.Timer {
	return time.AfterFunc(c.timeout, func() {
		c.expire(k, gen)
	})
}

// expire fires the timeout transition. The generation check drops fires that
// lost a race with a reschedule or an explicit stop.
func (c *Coordinator) expire(k key, gen uint64) {
	c.mu.Lock()
	e, ok := c.entries[k]
	if !ok || e.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.entries, k)

	c.pub.Publish(broker.Event{
		Kind:     broker.KindTypingStopped,
		Chatroom: k.chatroomID,
		Payload:  e.user,
	})
	c.mu.Unlock()
}

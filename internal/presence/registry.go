// Package presence tracks which users are currently live in each chatroom.
// The registry is process-wide in-memory state: running multiple server
// instances against it without the NATS relay produces divergent presence
// views, and a client that drops without an explicit leave keeps its entry
// until one arrives (there is no TTL or heartbeat reconciliation).
package presence

import (
	"sync"

	"github.com/parley/chat-app/internal/user"
)

// Snapshot is the full live-user list for a chatroom, materialized and
// published after every membership change. It is always the complete list,
// never a delta.
type Snapshot struct {
	ChatroomID int            `json:"chatroomId"`
	LiveUsers  []user.Summary `json:"liveUsers"`
}

// room holds one chatroom's membership. Insertion order is preserved so
// snapshots list users in the order they entered.
type room struct {
	order   []int
	members map[int]user.Summary
}

// Registry owns the live-membership set per chatroom. Mutations are
// serialized by the registry mutex, so concurrent enters and leaves on the
// same chatroom never lose updates. Publishing snapshots is the caller's
// responsibility.
type Registry struct {
	mu    sync.RWMutex
	rooms map[int]*room
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[int]*room)}
}

// Add inserts the user into the chatroom's live set. It is idempotent: adding
// a user already present is a no-op and reports false.
func (r *Registry) Add(chatroomID int, u user.Summary) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[chatroomID]
	if !ok {
		rm = &room{members: make(map[int]user.Summary)}
		r.rooms[chatroomID] = rm
	}
	if _, present := rm.members[u.ID]; present {
		return false
	}
	rm.members[u.ID] = u
	rm.order = append(rm.order, u.ID)
	return true
}

// Remove deletes the user from the chatroom's live set. It is idempotent:
// removing an absent user is a no-op and reports false. Empty rooms are
// dropped from the map.
func (r *Registry) Remove(chatroomID int, u user.Summary) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[chatroomID]
	if !ok {
		return false
	}
	if _, present := rm.members[u.ID]; !present {
		return false
	}
	delete(rm.members, u.ID)
	for i, id := range rm.order {
		if id == u.ID {
			rm.order = append(rm.order[:i], rm.order[i+1:]...)
			break
		}
	}
	if len(rm.members) == 0 {
		delete(r.rooms, chatroomID)
	}
	return true
}

// List returns the chatroom's live users in entry order, reflecting the
// latest completed mutation. The returned slice is a copy.
func (r *Registry) List(chatroomID int) []user.Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[chatroomID]
	if !ok {
		return []user.Summary{}
	}
	users := make([]user.Summary, 0, len(rm.order))
	for _, id := range rm.order {
		users = append(users, rm.members[id])
	}
	return users
}

// SnapshotOf materializes the publishable snapshot for a chatroom.
func (r *Registry) SnapshotOf(chatroomID int) Snapshot {
	return Snapshot{ChatroomID: chatroomID, LiveUsers: r.List(chatroomID)}
}

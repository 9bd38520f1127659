package presence

import (
	"sync"
	"testing"

	"github.com/parley/chat-app/internal/user"
)

func u(id int, name string) user.Summary {
	return user.Summary{ID: id, Fullname: name, Email: name + "@example.com"}
}

func TestAddIsIdempotent(t *testing.T) {
	r := NewRegistry()
	alice := u(1, "alice")

	if !r.Add(7, alice) {
		t.Error("first Add should report true")
	}
	if r.Add(7, alice) {
		t.Error("second Add of the same user should report false")
	}

	users := r.List(7)
	if len(users) != 1 {
		t.Fatalf("expected 1 live user, got %d", len(users))
	}
	if users[0].ID != 1 {
		t.Errorf("expected user 1, got %d", users[0].ID)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	alice := u(1, "alice")

	if r.Remove(7, alice) {
		t.Error("Remove of an absent user should report false")
	}

	r.Add(7, alice)
	if !r.Remove(7, alice) {
		t.Error("Remove of a present user should report true")
	}
	if r.Remove(7, alice) {
		t.Error("second Remove should report false")
	}
	if n := len(r.List(7)); n != 0 {
		t.Errorf("expected empty room, got %d users", n)
	}
}

func TestEnterLeaveScenario(t *testing.T) {
	r := NewRegistry()
	u1, u2 := u(1, "u1"), u(2, "u2")

	r.Add(7, u1)
	snap := r.SnapshotOf(7)
	if snap.ChatroomID != 7 || len(snap.LiveUsers) != 1 || snap.LiveUsers[0].ID != 1 {
		t.Fatalf("after U1 enters: %+v", snap)
	}

	r.Add(7, u2)
	snap = r.SnapshotOf(7)
	if len(snap.LiveUsers) != 2 || snap.LiveUsers[0].ID != 1 || snap.LiveUsers[1].ID != 2 {
		t.Fatalf("after U2 enters, expected [U1 U2]: %+v", snap.LiveUsers)
	}

	r.Remove(7, u1)
	snap = r.SnapshotOf(7)
	if len(snap.LiveUsers) != 1 || snap.LiveUsers[0].ID != 2 {
		t.Fatalf("after U1 leaves, expected [U2]: %+v", snap.LiveUsers)
	}
}

func TestRoomsAreIndependent(t *testing.T) {
	r := NewRegistry()
	alice := u(1, "alice")

	r.Add(1, alice)
	r.Add(2, alice)
	r.Remove(1, alice)

	if n := len(r.List(1)); n != 0 {
		t.Errorf("room 1 should be empty, got %d users", n)
	}
	if n := len(r.List(2)); n != 1 {
		t.Errorf("room 2 should still have alice, got %d users", n)
	}
}

func TestConcurrentInterleaving(t *testing.T) {
	r := NewRegistry()

	// Users 0..49 are added and removed; users 50..99 are only added. The
	// final membership must be exactly the net-positive set regardless of
	// interleaving.
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			usr := u(i, "user")
			r.Add(42, usr)
			if i < 50 {
				r.Remove(42, usr)
			}
		}()
	}
	wg.Wait()

	users := r.List(42)
	if len(users) != 50 {
		t.Fatalf("expected 50 live users, got %d", len(users))
	}
	for _, usr := range users {
		if usr.ID < 50 {
			t.Errorf("user %d should have been removed", usr.ID)
		}
	}
}

func TestListReturnsCopy(t *testing.T) {
	r := NewRegistry()
	r.Add(7, u(1, "alice"))

	users := r.List(7)
	users[0].Fullname = "mutated"

	if got := r.List(7)[0].Fullname; got != "alice" {
		t.Errorf("registry state mutated through List result: %q", got)
	}
}

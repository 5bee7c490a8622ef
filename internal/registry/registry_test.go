package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/SteamVC/SteamVC_Relay/internal/models"
)

type nopSink struct{}

func (nopSink) Send(models.Event) error { return nil }

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func TestJoinAddsMembership(t *testing.T) {
	r := New()
	r.Register("a", nopSink{})
	r.Register("b", nopSink{})

	if _, _, err := r.Join("a", "alice", "general"); err != nil {
		t.Fatalf("Join(a) error: %v", err)
	}
	if _, _, err := r.Join("b", "bob", "general"); err != nil {
		t.Fatalf("Join(b) error: %v", err)
	}

	members := r.MembersOf("general")
	if len(members) != 2 || !contains(members, "a") || !contains(members, "b") {
		t.Fatalf("MembersOf(general) = %v, want [a b]", members)
	}

	id, ok := r.IdentityOf("a")
	if !ok || id.Username != "alice" || id.Room != "general" {
		t.Fatalf("IdentityOf(a) = %+v, %v", id, ok)
	}
}

func TestJoinValidation(t *testing.T) {
	tests := []struct {
		name     string
		connID   string
		username string
		room     string
		want     error
	}{
		{"empty username", "a", "", "general", ErrEmptyUsername},
		{"blank username", "a", "   ", "general", ErrEmptyUsername},
		{"empty room", "a", "alice", "", ErrEmptyRoom},
		{"unknown connection", "ghost", "alice", "general", ErrUnknownConnection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			r.Register("a", nopSink{})
			_, _, err := r.Join(tt.connID, tt.username, tt.room)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Join error = %v, want %v", err, tt.want)
			}
			if _, ok := r.IdentityOf("a"); ok {
				t.Fatal("identity set after failed join")
			}
			if got := r.MembersOf(tt.room); len(got) != 0 {
				t.Fatalf("MembersOf(%q) = %v after failed join", tt.room, got)
			}
		})
	}
}

func TestRejoinMovesRoom(t *testing.T) {
	r := New()
	r.Register("a", nopSink{})
	r.Join("a", "alice", "general")

	prev, hadPrev, err := r.Join("a", "alice", "random")
	if err != nil {
		t.Fatalf("rejoin error: %v", err)
	}
	if !hadPrev || prev.Room != "general" {
		t.Fatalf("rejoin previous = %+v, %v; want room general", prev, hadPrev)
	}
	if got := r.MembersOf("general"); len(got) != 0 {
		t.Fatalf("old room still has members: %v", got)
	}
	if got := r.MembersOf("random"); len(got) != 1 || got[0] != "a" {
		t.Fatalf("MembersOf(random) = %v", got)
	}
}

func TestRejoinSameRoomHasNoDuplicates(t *testing.T) {
	r := New()
	r.Register("a", nopSink{})
	r.Join("a", "alice", "general")
	r.Join("a", "alice2", "general")

	if got := r.MembersOf("general"); len(got) != 1 {
		t.Fatalf("MembersOf(general) = %v, want exactly one entry", got)
	}
	if id, _ := r.IdentityOf("a"); id.Username != "alice2" {
		t.Fatalf("username = %q, want alice2", id.Username)
	}
}

func TestIdentityOfBeforeJoin(t *testing.T) {
	r := New()
	r.Register("a", nopSink{})
	if _, ok := r.IdentityOf("a"); ok {
		t.Fatal("IdentityOf returned identity before join")
	}
	if _, ok := r.Lookup("a"); !ok {
		t.Fatal("Lookup failed for registered connection")
	}
}

func TestDeregisterRemovesMembership(t *testing.T) {
	r := New()
	r.Register("a", nopSink{})
	r.Register("b", nopSink{})
	r.Join("a", "alice", "general")
	r.Join("b", "bob", "general")

	id, ok := r.Deregister("a")
	if !ok || id.Username != "alice" {
		t.Fatalf("Deregister(a) = %+v, %v", id, ok)
	}
	if contains(r.MembersOf("general"), "a") {
		t.Fatal("deregistered connection still a member")
	}
	if _, ok := r.Lookup("a"); ok {
		t.Fatal("deregistered connection still resolvable")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}

	if _, ok := r.Deregister("a"); ok {
		t.Fatal("second Deregister reported an identity")
	}
}

func TestDeregisterUnjoined(t *testing.T) {
	r := New()
	r.Register("a", nopSink{})
	if _, ok := r.Deregister("a"); ok {
		t.Fatal("Deregister of unjoined connection returned identity")
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}

func TestOnlineUsersSorted(t *testing.T) {
	r := New()
	for _, id := range []string{"c", "a", "b"} {
		r.Register(id, nopSink{})
		r.Join(id, "user-"+id, "general")
	}
	users := r.OnlineUsers("general")
	if len(users) != 3 {
		t.Fatalf("OnlineUsers = %v", users)
	}
	for i, want := range []string{"a", "b", "c"} {
		if users[i].ID != want || users[i].Username != "user-"+want {
			t.Fatalf("users[%d] = %+v, want id %s", i, users[i], want)
		}
	}
}

func TestConcurrentJoinAndDeregister(t *testing.T) {
	r := New()
	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := string(rune('A' + i))
		r.Register(id, nopSink{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Join(id, "user", "general")
			_ = r.Members("general")
			r.Deregister(id)
		}()
	}
	wg.Wait()

	if got := r.MembersOf("general"); len(got) != 0 {
		t.Fatalf("MembersOf(general) = %v after all deregistered", got)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}

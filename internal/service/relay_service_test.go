package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/SteamVC/SteamVC_Relay/internal/broadcast"
	"github.com/SteamVC/SteamVC_Relay/internal/call"
	"github.com/SteamVC/SteamVC_Relay/internal/models"
	"github.com/SteamVC/SteamVC_Relay/internal/registry"
	"github.com/SteamVC/SteamVC_Relay/internal/repo"
)

type sink struct {
	mu  sync.Mutex
	evs []models.Event
}

func (s *sink) Send(ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
	return nil
}

func (s *sink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.evs))
	for i, ev := range s.evs {
		out[i] = ev.Type
	}
	return out
}

func (s *sink) last() models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evs[len(s.evs)-1]
}

type dispatched struct {
	room, sender string
	msg          models.ChatMessage
}

type fakeBot struct{ got []dispatched }

func (b *fakeBot) Dispatch(_ context.Context, room, sender string, msg models.ChatMessage) {
	b.got = append(b.got, dispatched{room: room, sender: sender, msg: msg})
}

func newService(t *testing.T, presence repo.PresenceRepo) (*RelayService, *fakeBot) {
	t.Helper()
	reg := registry.New()
	bc := broadcast.New(reg, nil)
	dir := NewDirectory(reg, presence, nil)
	calls := call.NewCoordinator(call.NewMemoryStore(), bc, dir, nil)
	bot := &fakeBot{}
	return NewRelayService(reg, bc, dir, calls, bot, nil), bot
}

func connect(s *RelayService, ids ...string) map[string]*sink {
	out := make(map[string]*sink, len(ids))
	for _, id := range ids {
		out[id] = &sink{}
		s.Connect(context.Background(), id, out[id])
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestJoinAnnouncesToOthers(t *testing.T) {
	s, _ := newService(t, nil)
	ctx := context.Background()
	sinks := connect(s, "A", "B")

	if err := s.Join(ctx, "A", models.JoinPayload{Username: "alice", Room: "general"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Join(ctx, "B", models.JoinPayload{Username: " bob ", Room: "general"}); err != nil {
		t.Fatal(err)
	}

	if got := sinks["A"].types(); !equal(got, []string{models.EventUserJoined}) {
		t.Fatalf("A received %v", got)
	}
	if got := sinks["B"].types(); len(got) != 0 {
		t.Fatalf("joiner received own announcement: %v", got)
	}
	var p models.UserJoinedPayload
	if err := sinks["A"].last().Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Username != "bob" || p.UserID != "B" {
		t.Fatalf("user joined payload = %+v", p)
	}
}

func TestJoinRejectsEmptyUsername(t *testing.T) {
	s, _ := newService(t, nil)
	sinks := connect(s, "A", "B")
	ctx := context.Background()
	_ = s.Join(ctx, "A", models.JoinPayload{Username: "alice", Room: "general"})

	err := s.Join(ctx, "B", models.JoinPayload{Username: "  ", Room: "general"})
	if !errors.Is(err, registry.ErrEmptyUsername) {
		t.Fatalf("Join err = %v, want ErrEmptyUsername", err)
	}
	if len(sinks["A"].types()) != 0 {
		t.Fatal("invalid join was announced")
	}
}

func TestRejoinAnnouncesLeaveToOldRoom(t *testing.T) {
	s, _ := newService(t, nil)
	ctx := context.Background()
	sinks := connect(s, "A", "B", "C")
	_ = s.Join(ctx, "A", models.JoinPayload{Username: "alice", Room: "general"})
	_ = s.Join(ctx, "B", models.JoinPayload{Username: "bob", Room: "random"})
	_ = s.Join(ctx, "C", models.JoinPayload{Username: "carol", Room: "general"})

	if err := s.Join(ctx, "C", models.JoinPayload{Username: "carol", Room: "random"}); err != nil {
		t.Fatal(err)
	}

	if got := sinks["A"].types(); !equal(got, []string{models.EventUserJoined, models.EventUserLeft}) {
		t.Fatalf("old room received %v", got)
	}
	if got := sinks["B"].types(); !equal(got, []string{models.EventUserJoined}) {
		t.Fatalf("new room received %v", got)
	}
}

func TestChatExcludesSenderAndDispatchesBot(t *testing.T) {
	s, bot := newService(t, nil)
	ctx := context.Background()
	sinks := connect(s, "A", "B", "C")
	_ = s.Join(ctx, "A", models.JoinPayload{Username: "alice", Room: "general"})
	_ = s.Join(ctx, "B", models.JoinPayload{Username: "bob", Room: "general"})
	_ = s.Join(ctx, "C", models.JoinPayload{Username: "carol", Room: "other"})

	msg := models.ChatMessage{Content: "hi", Sender: "alice", Timestamp: json.RawMessage(`1700000000000`)}
	if err := s.Chat(ctx, "A", msg); err != nil {
		t.Fatal(err)
	}

	var got models.ChatMessage
	if err := sinks["B"].last().Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Content != msg.Content || got.Sender != msg.Sender || string(got.Timestamp) != "1700000000000" || got.Encrypted {
		t.Fatalf("B received %+v, want %+v", got, msg)
	}
	for _, typ := range sinks["A"].types() {
		if typ == models.EventChatMessage {
			t.Fatal("sender received own chat message")
		}
	}
	if n := len(sinks["C"].types()); n != 0 {
		t.Fatalf("other room received %d events", n)
	}
	if len(bot.got) != 1 || bot.got[0].room != "general" || bot.got[0].sender != "A" {
		t.Fatalf("bot dispatch = %+v", bot.got)
	}
}

func TestChatBeforeJoinDropped(t *testing.T) {
	s, bot := newService(t, nil)
	connect(s, "A")
	if err := s.Chat(context.Background(), "A", models.ChatMessage{Content: "@bot 幫助"}); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("Chat err = %v, want ErrNotJoined", err)
	}
	if len(bot.got) != 0 {
		t.Fatal("unjoined chat reached the bot")
	}
}

func TestOnlineUsersDefaultsToOwnRoom(t *testing.T) {
	s, _ := newService(t, nil)
	ctx := context.Background()
	sinks := connect(s, "A", "B")
	_ = s.Join(ctx, "A", models.JoinPayload{Username: "alice", Room: "general"})
	_ = s.Join(ctx, "B", models.JoinPayload{Username: "bob", Room: "general"})

	if err := s.OnlineUsers(ctx, "A", ""); err != nil {
		t.Fatal(err)
	}
	ev := sinks["A"].last()
	if ev.Type != models.EventOnlineUsers {
		t.Fatalf("A last event = %s", ev.Type)
	}
	var p models.OnlineUsersPayload
	if err := ev.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if len(p.Users) != 2 || p.Users[0].Username != "alice" || p.Users[1].ID != "B" {
		t.Fatalf("users = %+v", p.Users)
	}
	for _, typ := range sinks["B"].types() {
		if typ == models.EventOnlineUsers {
			t.Fatal("online users leaked to another connection")
		}
	}
}

func TestDisconnectEndsCallAndAnnouncesLeave(t *testing.T) {
	s, _ := newService(t, nil)
	ctx := context.Background()
	sinks := connect(s, "A", "B")
	_ = s.Join(ctx, "A", models.JoinPayload{Username: "alice", Room: "general"})
	_ = s.Join(ctx, "B", models.JoinPayload{Username: "bob", Room: "general"})

	if err := s.CallUser(ctx, "A", models.CallUserPayload{UserToCall: "B", SignalData: []byte(`{}`), Name: "alice"}); err != nil {
		t.Fatal(err)
	}
	s.Disconnect(ctx, "A")

	got := sinks["B"].types()
	want := []string{models.EventIncomingCall, models.EventUserLeft, models.EventCallEnded}
	if !equal(got, want) {
		t.Fatalf("B received %v, want %v", got, want)
	}
	if s.Connections() != 1 {
		t.Fatalf("Connections = %d", s.Connections())
	}
}

func TestPresenceBackedDirectory(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	presence := repo.NewRedisPresenceRepo(rdb, 60, nil)
	ctx := context.Background()

	// 別インスタンスの接続
	if err := presence.AddUser(ctx, "general", models.OnlineUser{ID: "Z", Username: "zed"}); err != nil {
		t.Fatal(err)
	}

	s, _ := newService(t, presence)
	connect(s, "A")
	_ = s.Join(ctx, "A", models.JoinPayload{Username: "alice", Room: "general"})

	users, err := s.OnlineUsersIn(ctx, "general")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 2 || users[0].ID != "A" || users[1].ID != "Z" {
		t.Fatalf("users = %+v", users)
	}
	if !s.dir.Resolve(ctx, "Z") {
		t.Fatal("remote connection not resolvable")
	}

	s.Disconnect(ctx, "A")
	users, _ = s.OnlineUsersIn(ctx, "general")
	if len(users) != 1 || users[0].ID != "Z" {
		t.Fatalf("after disconnect users = %+v", users)
	}
}

func TestHeartbeatKeepsPresenceAlive(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	presence := repo.NewRedisPresenceRepo(rdb, 10, nil)
	ctx := context.Background()

	s, _ := newService(t, presence)
	connect(s, "A", "B")
	_ = s.Join(ctx, "A", models.JoinPayload{Username: "alice", Room: "general"})

	// B は参加前でも通話相手として引ける
	if !s.dir.Resolve(ctx, "B") {
		t.Fatal("connected but unjoined connection not resolvable")
	}

	for i := 0; i < 3; i++ {
		mr.FastForward(8 * time.Second)
		s.Heartbeat(ctx, "A")
		s.Heartbeat(ctx, "B")
	}
	users, err := s.OnlineUsersIn(ctx, "general")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].ID != "A" {
		t.Fatalf("users after heartbeats = %+v", users)
	}
	if ok, _ := presence.HasConnection(ctx, "B"); !ok {
		t.Fatal("unjoined connection expired despite heartbeats")
	}

	s.Disconnect(ctx, "B")
	if ok, _ := presence.HasConnection(ctx, "B"); ok {
		t.Fatal("disconnected connection still resolvable")
	}
	// 切断済みの接続は延長しない
	s.Heartbeat(ctx, "B")
	if ok, _ := presence.HasConnection(ctx, "B"); ok {
		t.Fatal("heartbeat revived a disconnected connection")
	}
}

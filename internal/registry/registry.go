// Package registry は生存中の接続とそのルーム所属・表示名を管理します
// 複数の接続のgoroutineから同時に呼ばれるため、すべての操作はロックで直列化されます
package registry

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/SteamVC/SteamVC_Relay/internal/models"
)

var (
	ErrEmptyUsername     = errors.New("username required")
	ErrEmptyRoom         = errors.New("room required")
	ErrUnknownConnection = errors.New("connection not registered")
)

// Sink は1つの接続への送信口です
type Sink interface {
	Send(ev models.Event) error
}

// Member はルーム所属接続のスナップショットです
type Member struct {
	ID       string
	Identity models.Identity
	Sink     Sink
}

type entry struct {
	sink     Sink
	identity *models.Identity // join 前は nil
}

// Registry は接続IDをキーにした接続表と、ルーム名をキーにした所属インデックスを保持します
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry
	rooms map[string]map[string]struct{}
}

// New は空のRegistryを作成します
func New() *Registry {
	return &Registry{
		conns: make(map[string]*entry),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Register は接続を登録します。この時点では表示名もルームも持ちません
// 同じIDで2回呼ばれた場合は送信口だけを差し替えます
func (r *Registry) Register(connID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[connID]; ok {
		e.sink = sink
		return
	}
	r.conns[connID] = &entry{sink: sink}
}

// Join は接続に表示名とルームを設定します
// 既に別のルームに居る場合はそのルームから外し、以前のIdentityを返します
func (r *Registry) Join(connID, username, room string) (models.Identity, bool, error) {
	username = strings.TrimSpace(username)
	room = strings.TrimSpace(room)
	if username == "" {
		return models.Identity{}, false, ErrEmptyUsername
	}
	if room == "" {
		return models.Identity{}, false, ErrEmptyRoom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return models.Identity{}, false, ErrUnknownConnection
	}

	var prev models.Identity
	hadPrev := e.identity != nil
	if hadPrev {
		prev = *e.identity
		r.removeFromRoomLocked(prev.Room, connID)
	}

	e.identity = &models.Identity{Username: username, Room: room}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[room] = members
	}
	members[connID] = struct{}{}
	return prev, hadPrev, nil
}

// MembersOf はルームに所属する接続IDの一覧を返します（順序は不定、重複なし）
func (r *Registry) MembersOf(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

// Members はルームに所属する接続のスナップショットを返します
// 送信はロックの外で行うため、呼び出し側はこの戻り値を使って配信します
func (r *Registry) Members(room string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]Member, 0, len(members))
	for id := range members {
		e := r.conns[id]
		out = append(out, Member{ID: id, Identity: *e.identity, Sink: e.sink})
	}
	return out
}

// OnlineUsers はルームのユーザー一覧をID順で返します
func (r *Registry) OnlineUsers(room string) []models.OnlineUser {
	members := r.Members(room)
	users := make([]models.OnlineUser, 0, len(members))
	for _, m := range members {
		users = append(users, models.OnlineUser{ID: m.ID, Username: m.Identity.Username})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// IdentityOf は接続のIdentityを返します。join 前なら false です
func (r *Registry) IdentityOf(connID string) (models.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok || e.identity == nil {
		return models.Identity{}, false
	}
	return *e.identity, true
}

// Lookup は接続の送信口を返します
func (r *Registry) Lookup(connID string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	return e.sink, true
}

// Deregister は接続を削除し、所属していたルームからも外します
// 戻り値は削除前のIdentityで、退出通知に使います
func (r *Registry) Deregister(connID string) (models.Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return models.Identity{}, false
	}
	delete(r.conns, connID)
	if e.identity == nil {
		return models.Identity{}, false
	}
	r.removeFromRoomLocked(e.identity.Room, connID)
	return *e.identity, true
}

// Len は登録中の接続数を返します
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// removeFromRoomLocked はルームから接続を外し、空になったルームを削除します
func (r *Registry) removeFromRoomLocked(room, connID string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

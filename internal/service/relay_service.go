// Package service はリレーのビジネスロジックを担当します
// 参加・チャット・オンライン一覧・通話シグナル・切断の処理を提供します
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/SteamVC/SteamVC_Relay/internal/call"
	"github.com/SteamVC/SteamVC_Relay/internal/models"
	"github.com/SteamVC/SteamVC_Relay/internal/registry"
)

// Broadcaster はイベントの配信を担当します（broadcast.Broadcaster が満たします）
type Broadcaster interface {
	BroadcastToRoomExcept(ctx context.Context, room, excludedConnID string, ev models.Event)
	BroadcastToRoom(ctx context.Context, room string, ev models.Event)
	SendTo(ctx context.Context, connID string, ev models.Event) error
}

// BotDispatcher はチャットメッセージをボットに渡します（bot.Router が満たします）
type BotDispatcher interface {
	Dispatch(ctx context.Context, room, senderConnID string, msg models.ChatMessage)
}

// RelayService は接続ごとのイベントを各コンポーネントへ振り分けます
type RelayService struct {
	reg   *registry.Registry
	bc    Broadcaster
	dir   *Directory
	calls *call.Coordinator
	bot   BotDispatcher // nil ならボット無効
	log   *slog.Logger
}

// NewRelayService は新しいRelayServiceを作成します
func NewRelayService(reg *registry.Registry, bc Broadcaster, dir *Directory, calls *call.Coordinator, bot BotDispatcher, logger *slog.Logger) *RelayService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayService{reg: reg, bc: bc, dir: dir, calls: calls, bot: bot, log: logger}
}

// Connect は接続を登録します。join するまではどのルームにも属しません
func (s *RelayService) Connect(ctx context.Context, connID string, sink registry.Sink) {
	s.reg.Register(connID, sink)
	s.dir.connect(ctx, connID)
	s.log.Info("connected", "conn", connID)
}

// Join は接続に表示名とルームを設定し、ルームの他のメンバーに user joined を通知します
// 別のルームから移動した場合は元のルームに user left を通知します
func (s *RelayService) Join(ctx context.Context, connID string, p models.JoinPayload) error {
	prev, hadPrev, err := s.reg.Join(connID, p.Username, p.Room)
	if err != nil {
		s.log.Warn("join rejected", "conn", connID, "username", p.Username, "room", p.Room, "error", err)
		return err
	}
	username := strings.TrimSpace(p.Username)
	room := strings.TrimSpace(p.Room)

	if hadPrev && prev.Room != room {
		s.announce(ctx, prev.Room, connID, models.EventUserLeft, prev.Username)
		s.dir.remove(ctx, prev.Room, connID)
	}
	s.dir.add(ctx, room, models.OnlineUser{ID: connID, Username: username})
	s.announce(ctx, room, connID, models.EventUserJoined, username)

	s.log.Info("joined", "conn", connID, "username", username, "room", room)
	return nil
}

// OnlineUsers は room のオンラインユーザー一覧を要求元にだけ返します
// room が空なら要求元が参加しているルームを使います
func (s *RelayService) OnlineUsers(ctx context.Context, connID, room string) error {
	room = strings.TrimSpace(room)
	if room == "" {
		id, ok := s.reg.IdentityOf(connID)
		if !ok {
			s.log.Warn("online users without room", "conn", connID)
			return ErrNotJoined
		}
		room = id.Room
	}

	users, err := s.dir.OnlineUsers(ctx, room)
	if err != nil {
		return fmt.Errorf("list online users: %w", err)
	}
	ev, err := models.NewEvent(models.EventOnlineUsers, models.OnlineUsersPayload{Users: users})
	if err != nil {
		return err
	}
	return s.bc.SendTo(ctx, connID, ev)
}

// Chat はメッセージを送信者のルームの他のメンバーに中継し、ボット指令なら応答を予約します
// ルームはクライアントの申告ではなくRegistryから決めます
func (s *RelayService) Chat(ctx context.Context, connID string, msg models.ChatMessage) error {
	id, ok := s.reg.IdentityOf(connID)
	if !ok {
		s.log.Warn("chat message before join dropped", "conn", connID)
		return ErrNotJoined
	}

	ev, err := models.NewEvent(models.EventChatMessage, msg)
	if err != nil {
		return err
	}
	s.bc.BroadcastToRoomExcept(ctx, id.Room, connID, ev)

	if s.bot != nil {
		s.bot.Dispatch(ctx, id.Room, connID, msg)
	}
	return nil
}

// CallUser などの通話シグナルはCoordinatorにそのまま渡します
// ルームへの参加は要求しません

func (s *RelayService) CallUser(ctx context.Context, connID string, p models.CallUserPayload) error {
	return s.calls.CallUser(ctx, connID, p)
}

func (s *RelayService) AnswerCall(ctx context.Context, connID string, p models.AnswerCallPayload) error {
	return s.calls.AnswerCall(ctx, connID, p)
}

func (s *RelayService) RejectCall(ctx context.Context, connID string, p models.CallRejectedPayload) error {
	return s.calls.RejectCall(ctx, connID, p)
}

func (s *RelayService) EndCall(ctx context.Context, connID string, p models.EndCallPayload) error {
	return s.calls.EndCall(ctx, connID, p)
}

// Heartbeat は接続が生きている間、プレゼンスTTLを延長します
// pong の受信とアプリの ping イベントの両方から呼ばれます
func (s *RelayService) Heartbeat(ctx context.Context, connID string) {
	if _, ok := s.reg.Lookup(connID); !ok {
		return
	}
	id, _ := s.reg.IdentityOf(connID)
	s.dir.touch(ctx, id.Room, connID)
}

// Disconnect は接続を削除し、ルームに user left を通知し、進行中の通話を終了させます
func (s *RelayService) Disconnect(ctx context.Context, connID string) {
	id, joined := s.reg.Deregister(connID)
	if joined {
		s.announce(ctx, id.Room, connID, models.EventUserLeft, id.Username)
		s.dir.remove(ctx, id.Room, connID)
	}
	s.dir.disconnect(ctx, connID)
	ended := s.calls.Disconnect(ctx, connID)
	s.log.Info("disconnected", "conn", connID, "room", id.Room, "calls_ended", ended)
}

// Connections はこのインスタンスで接続中の数を返します
func (s *RelayService) Connections() int {
	return s.reg.Len()
}

// OnlineUsersIn はRESTから使う一覧取得です
func (s *RelayService) OnlineUsersIn(ctx context.Context, room string) ([]models.OnlineUser, error) {
	return s.dir.OnlineUsers(ctx, room)
}

func (s *RelayService) announce(ctx context.Context, room, connID, typ, username string) {
	ev, err := models.NewEvent(typ, models.UserJoinedPayload{Username: username, UserID: connID})
	if err != nil {
		s.log.Error("build presence event", "event", typ, "error", err)
		return
	}
	s.bc.BroadcastToRoomExcept(ctx, room, connID, ev)
}

// Package broadcast はルーム単位のファンアウトと接続への直接配信を担当します
//
// バックプレーンが設定されている場合、ルーム宛てのイベントはすべてバックプレーンに
// 発行され、各インスタンス（発行元を含む）は購読経由で受け取ったものを自分の
// ローカル接続へ配信します。設定されていない場合は同期的にローカル配信します。
package broadcast

import (
	"context"
	"errors"
	"log/slog"

	"github.com/SteamVC/SteamVC_Relay/internal/models"
	"github.com/SteamVC/SteamVC_Relay/internal/registry"
)

var (
	ErrEmptyRoom      = errors.New("room required")
	ErrNotDeliverable = errors.New("connection not reachable")
)

// Envelope はバックプレーン上を流れる配信指示です
// Target が空でなければ接続宛て、空なら Room 宛て（Except を除く）です
type Envelope struct {
	Origin string       `msgpack:"origin"`
	Room   string       `msgpack:"room,omitempty"`
	Except string       `msgpack:"except,omitempty"`
	Target string       `msgpack:"target,omitempty"`
	Event  models.Event `msgpack:"event"`
}

// Backplane は複数インスタンス間でEnvelopeを配るPub/Subです
type Backplane interface {
	Publish(ctx context.Context, env Envelope) error
}

// Broadcaster はRegistryを使ってイベントを配信します
type Broadcaster struct {
	reg    *registry.Registry
	bp     Backplane
	origin string
	log    *slog.Logger
}

// Option はBroadcasterの設定を変更します
type Option func(*Broadcaster)

// WithBackplane はバックプレーン経由の配信を有効にします
// origin は発行元インスタンスの識別子です
func WithBackplane(bp Backplane, origin string) Option {
	return func(b *Broadcaster) {
		b.bp = bp
		b.origin = origin
	}
}

// New は新しいBroadcasterを作成します
func New(reg *registry.Registry, logger *slog.Logger, opts ...Option) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{reg: reg, log: logger}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BroadcastToRoomExcept はルーム内の excludedConnID 以外の全員にイベントを送ります
// チャットメッセージ（送信者は自分で表示済み）や参加・退出通知に使います
func (b *Broadcaster) BroadcastToRoomExcept(ctx context.Context, room, excludedConnID string, ev models.Event) {
	if room == "" {
		b.log.Warn("broadcast dropped: room unresolved", "event", ev.Type, "except", excludedConnID)
		return
	}
	if b.bp != nil {
		env := Envelope{Origin: b.origin, Room: room, Except: excludedConnID, Event: ev}
		err := b.bp.Publish(ctx, env)
		if err == nil {
			return
		}
		b.log.Error("backplane publish failed, delivering locally", "room", room, "event", ev.Type, "error", err)
	}
	b.deliverRoom(room, excludedConnID, ev)
}

// BroadcastToRoom はルーム内の全員にイベントを送ります
// ボット応答のように発言者自身にも見せたいものに使います
func (b *Broadcaster) BroadcastToRoom(ctx context.Context, room string, ev models.Event) {
	b.BroadcastToRoomExcept(ctx, room, "", ev)
}

// SendTo は1つの接続にイベントを送ります
// ローカルに居なければバックプレーン経由で他インスタンスに任せます
func (b *Broadcaster) SendTo(ctx context.Context, connID string, ev models.Event) error {
	if sink, ok := b.reg.Lookup(connID); ok {
		return sink.Send(ev)
	}
	if b.bp == nil {
		return ErrNotDeliverable
	}
	return b.bp.Publish(ctx, Envelope{Origin: b.origin, Target: connID, Event: ev})
}

// Deliver はバックプレーンから受け取ったEnvelopeをローカル接続へ配信します
func (b *Broadcaster) Deliver(env Envelope) {
	if env.Target != "" {
		sink, ok := b.reg.Lookup(env.Target)
		if !ok {
			return
		}
		if err := sink.Send(env.Event); err != nil {
			b.log.Warn("direct delivery failed", "conn", env.Target, "event", env.Event.Type, "error", err)
		}
		return
	}
	if env.Room == "" {
		b.log.Warn("backplane envelope without room or target", "origin", env.Origin, "event", env.Event.Type)
		return
	}
	b.deliverRoom(env.Room, env.Except, env.Event)
}

// deliverRoom はスナップショットを1回だけ取り、ロックの外で送信します
// 個別の送信失敗はログに残すだけで、残りのメンバーへの配信は続けます
func (b *Broadcaster) deliverRoom(room, except string, ev models.Event) int {
	sent := 0
	for _, m := range b.reg.Members(room) {
		if m.ID == except {
			continue
		}
		if err := m.Sink.Send(ev); err != nil {
			b.log.Warn("delivery failed", "conn", m.ID, "room", room, "event", ev.Type, "error", err)
			continue
		}
		sent++
	}
	b.log.Debug("broadcast", "room", room, "event", ev.Type, "except", except, "sent", sent)
	return sent
}

// Package models はリレーで送受信するイベントとデータ構造を定義します
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// クライアントからサーバーへ送られるイベント名
const (
	EventJoin         = "join"
	EventGetOnline    = "get online users"
	EventChatMessage  = "chat message"
	EventCallUser     = "call user"
	EventAnswerCall   = "answer call"
	EventCallRejected = "call rejected"
	EventEndCall      = "end call"
	EventPing         = "ping"
)

// サーバーからクライアントへ送られるイベント名
// chat message と call rejected は双方向で同じ名前を使います
const (
	EventUserJoined   = "user joined"
	EventUserLeft     = "user left"
	EventOnlineUsers  = "online users"
	EventIncomingCall = "incoming call"
	EventCallAccepted = "call accepted"
	EventCallEnded    = "call ended"
	EventPong         = "pong"
	EventError        = "error"
)

// BotSender はボット応答の送信者名です
const BotSender = "ChatBot"

// Event はWebSocketで送受信する1フレームです
// Payload はイベントごとに形が異なるため生のJSONのまま保持します
type Event struct {
	Type    string          `json:"type" msgpack:"type"`
	Payload json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
}

// NewEvent はペイロードをJSONにエンコードしてイベントを作成します
func NewEvent(typ string, payload any) (Event, error) {
	if payload == nil {
		return Event{Type: typ}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %q payload: %w", typ, err)
	}
	return Event{Type: typ, Payload: b}, nil
}

// Decode はペイロードを dst にデコードします
func (e Event) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%q: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("%q: decode payload: %w", e.Type, err)
	}
	return nil
}

// Identity は join によって接続に結び付けられる表示名とルームです
type Identity struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

// OnlineUser はオンラインユーザー一覧の1要素です
type OnlineUser struct {
	ID       string `json:"id"`       // 接続ID
	Username string `json:"username"` // 表示名
}

// ChatMessage はルーム内でやり取りされるチャットメッセージです
// Encrypted が true の場合 Content は暗号文で、リレーは中身を読みません
// Timestamp の形式はクライアント次第（ISO文字列やエポックミリ秒）なので解釈せずそのまま中継します
type ChatMessage struct {
	Content   string          `json:"content"`
	Sender    string          `json:"sender"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Encrypted bool            `json:"encrypted"`
}

// NewTimestamp はサーバー側で作るメッセージ用のタイムスタンプ（RFC 3339文字列）です
func NewTimestamp(t time.Time) json.RawMessage {
	b, _ := t.UTC().MarshalJSON()
	return b
}

// ParseTimestamp は Timestamp を時刻として読みます
// RFC 3339文字列とエポックミリ秒を受け付け、それ以外は false を返します
func ParseTimestamp(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 {
		return time.Time{}, false
	}
	var t time.Time
	if json.Unmarshal(raw, &t) == nil {
		return t, true
	}
	var ms int64
	if json.Unmarshal(raw, &ms) == nil {
		return time.UnixMilli(ms), true
	}
	return time.Time{}, false
}

// JoinPayload は join イベントのペイロード
type JoinPayload struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

// GetOnlineUsersPayload は get online users イベントのペイロード
type GetOnlineUsersPayload struct {
	Room string `json:"room"`
}

// OnlineUsersPayload は online users イベントのペイロード
type OnlineUsersPayload struct {
	Users []OnlineUser `json:"users"`
}

// UserJoinedPayload は user joined / user left イベントのペイロード
type UserJoinedPayload struct {
	Username string `json:"username"`
	UserID   string `json:"userId"`
}

// CallUserPayload は call user イベントのペイロード
// SignalData はWebRTCのシグナリングデータで、リレーは解釈しません
type CallUserPayload struct {
	UserToCall string          `json:"userToCall"`
	SignalData json.RawMessage `json:"signalData"`
	From       string          `json:"from,omitempty"`
	Name       string          `json:"name"`
}

// IncomingCallPayload は incoming call イベントのペイロード
type IncomingCallPayload struct {
	Signal json.RawMessage `json:"signal"`
	From   string          `json:"from"`
	Name   string          `json:"name"`
}

// AnswerCallPayload は answer call イベントのペイロード
type AnswerCallPayload struct {
	Signal json.RawMessage `json:"signal"`
	To     string          `json:"to"`
}

// CallAcceptedPayload は call accepted イベントのペイロード
type CallAcceptedPayload struct {
	Signal json.RawMessage `json:"signal"`
}

// CallRejectedPayload は call rejected イベントのペイロード
// クライアントからの送信時のみ To を使います
type CallRejectedPayload struct {
	To     string `json:"to,omitempty"`
	Reason string `json:"reason"`
}

// EndCallPayload は end call イベントのペイロード
type EndCallPayload struct {
	To string `json:"to"`
}

// ErrorPayload は error イベントのペイロード
type ErrorPayload struct {
	Message string `json:"message"`
}

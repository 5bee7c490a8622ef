// Package bot は "@bot" で始まる平文メッセージを意図分類器に渡し、応答をルームへ流します
//
// 暗号化されたメッセージは一切読みません。リレーは鍵を持たないため、
// 暗号化されたボット指令には応答しません。
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/SteamVC/SteamVC_Relay/internal/models"
)

const (
	// Prefix はボット指令の接頭辞です（大文字小文字を区別します）
	Prefix = "@bot"

	// MinScore 未満の確信度は「わからない」として扱います
	MinScore = 0.5

	GreetingReply = `您好，我是聊天機器人。請輸入 "@bot 幫助" 獲取可用指令。`
	UnknownReply  = `抱歉，我不明白您的意思。試試輸入 "@bot 幫助" 獲取可用指令。`
)

// Publisher はルーム全員にイベントを配信します
type Publisher interface {
	BroadcastToRoom(ctx context.Context, room string, ev models.Event)
}

// Router はボット指令を検出して応答を配信します
type Router struct {
	classifier Classifier
	pub        Publisher
	timeout    time.Duration // 0 なら無制限
	now        func() time.Time
	log        *slog.Logger
}

// Option はRouterの設定を変更します
type Option func(*Router)

// WithTimeout は分類器呼び出しの上限時間を設定します
func WithTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// NewRouter は新しいRouterを作成します
func NewRouter(c Classifier, pub Publisher, logger *slog.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{classifier: c, pub: pub, now: time.Now, log: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Query はメッセージがボット指令なら接頭辞を除いた問い合わせ文を返します
func Query(msg models.ChatMessage) (string, bool) {
	if msg.Encrypted {
		return "", false
	}
	content := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(content, Prefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(content, Prefix)), true
}

// MaybeHandle はボット指令であれば応答を作成してルーム全員に配信します
// 対象外、または分類器が失敗した場合は false を返します
// 呼び出し側は元のチャットメッセージを配信し終えてから呼びます
func (r *Router) MaybeHandle(ctx context.Context, room, senderConnID string, msg models.ChatMessage) (reply models.ChatMessage, ok bool) {
	query, eligible := Query(msg)
	if !eligible {
		return models.ChatMessage{}, false
	}

	answer, err := r.answer(ctx, query)
	if err != nil {
		r.log.Error("bot command failed", "room", room, "conn", senderConnID, "error", err)
		return models.ChatMessage{}, false
	}
	if answer == "" {
		return models.ChatMessage{}, false
	}

	reply = models.ChatMessage{
		Content:   answer,
		Sender:    models.BotSender,
		Timestamp: models.NewTimestamp(r.now()),
		Encrypted: false,
	}
	ev, err := models.NewEvent(models.EventChatMessage, reply)
	if err != nil {
		r.log.Error("bot reply encode failed", "room", room, "error", err)
		return models.ChatMessage{}, false
	}
	r.pub.BroadcastToRoom(ctx, room, ev)
	r.log.Info("bot replied", "room", room, "conn", senderConnID, "query", query)
	return reply, true
}

// Dispatch は MaybeHandle を別のgoroutineで実行します
// 分類器の待ち時間が送信者の後続イベントや他の接続の配信を遅らせないようにします
func (r *Router) Dispatch(ctx context.Context, room, senderConnID string, msg models.ChatMessage) {
	if _, eligible := Query(msg); !eligible {
		return
	}
	go r.MaybeHandle(context.WithoutCancel(ctx), room, senderConnID, msg)
}

// answer は問い合わせ文に対する応答文を決めます
func (r *Router) answer(ctx context.Context, query string) (answer string, err error) {
	if query == "" {
		return GreetingReply, nil
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("classifier panic: %v", p)
		}
	}()
	res, err := r.classifier.Classify(ctx, query)
	if err != nil {
		return "", fmt.Errorf("classify %q: %w", query, err)
	}
	if res.Intent == "" || res.Score < MinScore || res.Answer == "" {
		return UnknownReply, nil
	}
	return res.Answer, nil
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SteamVC/SteamVC_Relay/internal/idgen"
	"github.com/SteamVC/SteamVC_Relay/internal/models"
	"github.com/SteamVC/SteamVC_Relay/internal/service"
)

const (
	// 書き込み1回あたりの許容時間
	writeWait = 10 * time.Second

	// 相手からのpongを待つ時間
	pongWait = 60 * time.Second

	// pingの既定の送信間隔。pongWait より短くなければなりません
	defaultPingPeriod = (pongWait * 9) / 10

	// 受信フレームの最大サイズ（SDPが収まる大きさ）
	maxMessageSize = 64 * 1024

	// 送信キューの長さ
	sendBufferSize = 64
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrClientClosed   = errors.New("client closed")
)

// Client は1つのWebSocket接続を表します
// registry.Sink を満たし、送信は専用のgoroutine（writePump）が行います
type Client struct {
	id         string
	conn       *websocket.Conn
	send       chan models.Event
	done       chan struct{}
	once       sync.Once
	pingPeriod time.Duration
	log        *slog.Logger
}

func newClient(id string, conn *websocket.Conn, pingPeriod time.Duration, logger *slog.Logger) *Client {
	return &Client{
		id:         id,
		conn:       conn,
		send:       make(chan models.Event, sendBufferSize),
		done:       make(chan struct{}),
		pingPeriod: pingPeriod,
		log:        logger.With("conn", id),
	}
}

// Send はイベントを送信キューに積みます。ブロックしません
// キューが満杯なら遅いクライアントとみなしてこのフレームを捨てます
func (c *Client) Send(ev models.Event) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- ev:
		return nil
	default:
		c.log.Warn("send buffer full, dropping frame", "event", ev.Type)
		return ErrSendBufferFull
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// WebSocketHandler はWebSocket接続を処理するハンドラー
type WebSocketHandler struct {
	svc        *service.RelayService
	upgrader   websocket.Upgrader
	pingPeriod time.Duration
	log        *slog.Logger
}

// Option はWebSocketHandlerの設定を変更します
type Option func(*WebSocketHandler)

// WithPingPeriod はpingの送信間隔を変えます。0以下や pongWait 以上の値は無視します
// pong を受けるたびにプレゼンスTTLが延長されるので、TTLより短い間隔にします
func WithPingPeriod(d time.Duration) Option {
	return func(h *WebSocketHandler) {
		if d > 0 && d < pongWait {
			h.pingPeriod = d
		}
	}
}

// NewWebSocketHandler は新しいWebSocketHandlerを作成します
// allowedOrigins に "*" が含まれる場合はすべてのOriginを許可します
func NewWebSocketHandler(svc *service.RelayService, allowedOrigins []string, logger *slog.Logger, opts ...Option) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &WebSocketHandler{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		pingPeriod: defaultPingPeriod,
		log:        logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// ブラウザ以外のクライアント（relaycli など）
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// HandleWebSocket はWebSocket接続を処理します
// 接続後、以下の処理を行います:
// 1. HTTPからWebSocketへのアップグレードと接続IDの発行
// 2. 接続の登録と送信goroutineの起動
// 3. メッセージ受信ループ
// 4. 切断時の退出通知と通話の終了
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(idgen.NewConnectionID(), conn, h.pingPeriod, h.log)
	h.svc.Connect(r.Context(), client.id, client)
	defer func() {
		client.close()
		h.svc.Disconnect(context.Background(), client.id)
	}()

	go client.writePump()
	h.readPump(r.Context(), client)
}

// readPump は接続からフレームを読み、1件ずつ dispatch に渡します
// 読み込みはこのgoroutineだけが行います
func (h *WebSocketHandler) readPump(ctx context.Context, c *Client) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		h.svc.Heartbeat(ctx, c.id)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("websocket read error", "error", err)
			}
			return
		}

		var ev models.Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			c.log.Warn("malformed frame", "error", err)
			h.sendError(c, "malformed frame")
			continue
		}
		h.dispatch(ctx, c, ev)
	}
}

// writePump は送信キューの内容を接続に書き込み、定期的にpingを送ります
// 書き込みはこのgoroutineだけが行います
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				c.log.Warn("websocket write error", "event", ev.Type, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// dispatch はイベントタイプに応じて処理を振り分けます
// ハンドラー内のpanicは接続ごと落とさずにこのイベントだけを捨てます
func (h *WebSocketHandler) dispatch(ctx context.Context, c *Client, ev models.Event) {
	defer func() {
		if p := recover(); p != nil {
			c.log.Error("event handler panic", "event", ev.Type, "panic", fmt.Sprint(p))
		}
	}()

	var err error
	switch ev.Type {
	case models.EventJoin:
		var p models.JoinPayload
		if h.decode(c, ev, &p) {
			err = h.svc.Join(ctx, c.id, p)
		}
	case models.EventGetOnline:
		// ペイロード省略時は自分のルーム
		var p models.GetOnlineUsersPayload
		if len(ev.Payload) == 0 || h.decode(c, ev, &p) {
			err = h.svc.OnlineUsers(ctx, c.id, p.Room)
		}
	case models.EventChatMessage:
		var p models.ChatMessage
		if h.decode(c, ev, &p) {
			err = h.svc.Chat(ctx, c.id, p)
		}
	case models.EventCallUser:
		var p models.CallUserPayload
		if h.decode(c, ev, &p) {
			err = h.svc.CallUser(ctx, c.id, p)
		}
	case models.EventAnswerCall:
		var p models.AnswerCallPayload
		if h.decode(c, ev, &p) {
			err = h.svc.AnswerCall(ctx, c.id, p)
		}
	case models.EventCallRejected:
		var p models.CallRejectedPayload
		if h.decode(c, ev, &p) {
			err = h.svc.RejectCall(ctx, c.id, p)
		}
	case models.EventEndCall:
		var p models.EndCallPayload
		if h.decode(c, ev, &p) {
			err = h.svc.EndCall(ctx, c.id, p)
		}
	case models.EventPing:
		// ping/pongで接続を維持
		h.svc.Heartbeat(ctx, c.id)
		err = c.Send(models.Event{Type: models.EventPong})
	default:
		c.log.Warn("unknown event type", "event", ev.Type)
		h.sendError(c, "unknown event type: "+ev.Type)
		return
	}
	if err != nil {
		c.log.Debug("event not applied", "event", ev.Type, "error", err)
	}
}

// decode はペイロードを dst に読み込みます。失敗時はerrorイベントを返してfalse
func (h *WebSocketHandler) decode(c *Client, ev models.Event, dst any) bool {
	if err := ev.Decode(dst); err != nil {
		c.log.Warn("malformed payload", "event", ev.Type, "error", err)
		h.sendError(c, "malformed payload for "+ev.Type)
		return false
	}
	return true
}

func (h *WebSocketHandler) sendError(c *Client, msg string) {
	ev, err := models.NewEvent(models.EventError, models.ErrorPayload{Message: msg})
	if err != nil {
		return
	}
	_ = c.Send(ev)
}

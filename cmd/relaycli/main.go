// relaycli はリレーサーバーに接続するターミナル用チャットクライアントです
//
// 標準入力の1行を1メッセージとして送信します。--key を指定すると送信前に暗号化し、
// 受信したメッセージは同じ鍵で復号して表示します。
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/SteamVC/SteamVC_Relay/internal/cipher"
	"github.com/SteamVC/SteamVC_Relay/internal/models"
)

// undecryptable は復号できなかったメッセージの代わりに表示する文字列
const undecryptable = "[無法解密訊息]"

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "relaycli: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	url      string
	username string
	room     string
	key      string
	genKey   bool
}

func parseFlags(args []string) (options, error) {
	var o options
	flagSet := pflag.NewFlagSet("relaycli", pflag.ContinueOnError)
	flagSet.StringVar(&o.url, "url", "ws://localhost:3000/ws", "relay websocket URL")
	flagSet.StringVarP(&o.username, "username", "u", "", "display name")
	flagSet.StringVarP(&o.room, "room", "r", "general", "room to join")
	flagSet.StringVarP(&o.key, "key", "k", "", "shared passphrase for end-to-end encryption (optional)")
	flagSet.BoolVar(&o.genKey, "gen-key", false, "print a random shared key and exit")
	if err := flagSet.Parse(args); err != nil {
		return o, err
	}
	if o.genKey {
		return o, nil
	}
	if strings.TrimSpace(o.username) == "" {
		return o, errors.New("--username is required")
	}
	if _, err := url.Parse(o.url); err != nil {
		return o, fmt.Errorf("invalid --url: %w", err)
	}
	return o, nil
}

func run(args []string, in io.Reader, out io.Writer) error {
	o, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if o.genKey {
		key, err := cipher.GenerateKey(32)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, key)
		return nil
	}

	conn, _, err := websocket.DefaultDialer.Dial(o.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	p := &printer{w: out}
	if err := writeEvent(conn, models.EventJoin, models.JoinPayload{Username: o.username, Room: o.room}); err != nil {
		return err
	}
	p.printf("joined %s as %s (encryption %s)", o.room, o.username, onOff(o.key != ""))

	readErr := make(chan error, 1)
	go func() {
		for {
			var ev models.Event
			if err := conn.ReadJSON(&ev); err != nil {
				readErr <- err
				return
			}
			if line, ok := formatEvent(ev, o.key); ok {
				p.printf("%s", line)
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		case line, ok := <-lines:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			}
			if err := handleLine(conn, o, line, time.Now()); err != nil {
				return err
			}
		}
	}
}

// handleLine は入力1行を処理します。/users はオンライン一覧の要求、それ以外はチャットです
func handleLine(conn *websocket.Conn, o options, line string, now time.Time) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case line == "/users":
		return writeEvent(conn, models.EventGetOnline, models.GetOnlineUsersPayload{Room: o.room})
	default:
		msg, err := buildChat(line, o.username, o.key, now)
		if err != nil {
			return err
		}
		return writeEvent(conn, models.EventChatMessage, msg)
	}
}

// buildChat は送信用のメッセージを作ります。鍵があれば本文を暗号化します
// "@bot" 指令もそのまま暗号化されるため、鍵を使うとボットは応答しません
func buildChat(text, username, key string, now time.Time) (models.ChatMessage, error) {
	msg := models.ChatMessage{Content: text, Sender: username, Timestamp: models.NewTimestamp(now)}
	if key == "" {
		return msg, nil
	}
	ct, err := cipher.Encrypt(text, key)
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("encrypt message: %w", err)
	}
	msg.Content = ct
	msg.Encrypted = true
	return msg, nil
}

// formatEvent は受信イベントを表示用の1行にします。表示しないイベントは false
func formatEvent(ev models.Event, key string) (string, bool) {
	switch ev.Type {
	case models.EventChatMessage:
		var m models.ChatMessage
		if ev.Decode(&m) != nil {
			return "", false
		}
		return fmt.Sprintf("[%s] %s: %s", clock(m.Timestamp), m.Sender, chatText(m, key)), true
	case models.EventUserJoined, models.EventUserLeft:
		var p models.UserJoinedPayload
		if ev.Decode(&p) != nil {
			return "", false
		}
		verb := "joined"
		if ev.Type == models.EventUserLeft {
			verb = "left"
		}
		return fmt.Sprintf("* %s %s (%s)", p.Username, verb, p.UserID), true
	case models.EventOnlineUsers:
		var p models.OnlineUsersPayload
		if ev.Decode(&p) != nil {
			return "", false
		}
		names := make([]string, len(p.Users))
		for i, u := range p.Users {
			names[i] = fmt.Sprintf("%s (%s)", u.Username, u.ID)
		}
		return fmt.Sprintf("* online: %s", strings.Join(names, ", ")), true
	case models.EventError:
		var p models.ErrorPayload
		_ = ev.Decode(&p)
		return "! " + p.Message, true
	default:
		return "", false
	}
}

// clock は時刻部分を表示します。読めない形式なら伏せ字にします
func clock(raw json.RawMessage) string {
	t, ok := models.ParseTimestamp(raw)
	if !ok {
		return "--:--:--"
	}
	return t.Local().Format("15:04:05")
}

func chatText(m models.ChatMessage, key string) string {
	if !m.Encrypted {
		return m.Content
	}
	if key == "" {
		return undecryptable
	}
	plain, err := cipher.Decrypt(m.Content, key)
	if err != nil {
		return undecryptable
	}
	return plain
}

func writeEvent(conn *websocket.Conn, typ string, payload any) error {
	ev, err := models.NewEvent(typ, payload)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

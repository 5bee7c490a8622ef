// Package call は2者間の通話交渉（WebRTCシグナリング）を中継します
//
// 通話試行ごとに状態を明示的に持ち、順序の合わないシグナル（call user の無い
// answer call など）は中継せずに破棄します。シグナリングデータ自体は解釈しません。
package call

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SteamVC/SteamVC_Relay/internal/models"
)

// Sender は接続IDを指定してイベントを届けます
type Sender interface {
	SendTo(ctx context.Context, connID string, ev models.Event) error
}

// Resolver は接続IDが現在接続中かどうかを判定します
type Resolver interface {
	Resolve(ctx context.Context, connID string) bool
}

// Coordinator は通話試行の状態表を管理し、シグナルを相手に中継します
type Coordinator struct {
	mu      sync.Mutex // 状態遷移を直列化
	store   Store
	send    Sender
	resolve Resolver
	now     func() time.Time
	log     *slog.Logger
}

// NewCoordinator は新しいCoordinatorを作成します
func NewCoordinator(store Store, send Sender, resolve Resolver, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:   store,
		send:    send,
		resolve: resolve,
		now:     time.Now,
		log:     logger,
	}
}

// CallUser は from から userToCall への発信を中継します
// 相手が接続していなければ何も送らずに ErrTargetNotFound を返します（発信者への通知はしません）
// 既に呼び出し中・通話中の試行があれば状態を保ったまま追加のシグナルとして中継します
func (c *Coordinator) CallUser(ctx context.Context, from string, p models.CallUserPayload) error {
	target := strings.TrimSpace(p.UserToCall)
	if target == "" {
		return ErrMissingPeer
	}
	if target == from {
		return ErrSelfCall
	}
	if !c.resolve.Resolve(ctx, target) {
		c.log.Info("call target not found, dropping", "from", from, "target", target)
		return ErrTargetNotFound
	}

	key := Key{Initiator: from, Target: target}
	c.mu.Lock()
	a, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("load call attempt: %w", err)
	}
	if !ok || !a.live() {
		a = Attempt{ID: uuid.NewString(), Key: key, Phase: PhaseOutgoingPending, StartedAt: c.now()}
		c.logTransition(a, PhaseNone)
	}
	if err := c.store.Put(ctx, a); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("save call attempt: %w", err)
	}
	c.mu.Unlock()

	c.relay(ctx, a, target, models.EventIncomingCall, models.IncomingCallPayload{
		Signal: p.SignalData,
		From:   from,
		Name:   p.Name,
	})
	return nil
}

// AnswerCall は着信者 from の応答を発信者 p.To に中継し、試行を CONNECTED にします
// 対応する call user が無ければ ErrOutOfOrder を返し、何も中継しません
func (c *Coordinator) AnswerCall(ctx context.Context, from string, p models.AnswerCallPayload) error {
	initiator := strings.TrimSpace(p.To)
	if initiator == "" {
		return ErrMissingPeer
	}

	key := Key{Initiator: initiator, Target: from}
	c.mu.Lock()
	a, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("load call attempt: %w", err)
	}
	if !ok || !a.live() {
		c.mu.Unlock()
		c.log.Warn("answer call without pending attempt", "from", from, "to", initiator)
		return ErrOutOfOrder
	}
	if a.Phase != PhaseConnected {
		prev := a.Phase
		a.Phase = PhaseConnected
		c.logTransition(a, prev)
	}
	if err := c.store.Put(ctx, a); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("save call attempt: %w", err)
	}
	c.mu.Unlock()

	c.relay(ctx, a, initiator, models.EventCallAccepted, models.CallAcceptedPayload{Signal: p.Signal})
	return nil
}

// RejectCall は from と p.To の間の試行を終了し、拒否理由を p.To に中継します
func (c *Coordinator) RejectCall(ctx context.Context, from string, p models.CallRejectedPayload) error {
	peer := strings.TrimSpace(p.To)
	if peer == "" {
		return ErrMissingPeer
	}
	a, ok, err := c.terminate(ctx, from, peer)
	if err != nil {
		return err
	}
	if !ok {
		c.log.Warn("call rejected without attempt", "from", from, "to", peer)
		return ErrOutOfOrder
	}
	c.relay(ctx, a, peer, models.EventCallRejected, models.CallRejectedPayload{Reason: NormalizeReason(p.Reason)})
	return nil
}

// EndCall は from と p.To の間の試行を終了し、call ended を p.To に中継します
// 既に終了している、または存在しない試行に対しては何もしません
func (c *Coordinator) EndCall(ctx context.Context, from string, p models.EndCallPayload) error {
	peer := strings.TrimSpace(p.To)
	if peer == "" {
		return ErrMissingPeer
	}
	a, ok, err := c.terminate(ctx, from, peer)
	if err != nil {
		return err
	}
	if !ok {
		c.log.Debug("end call on terminated attempt ignored", "from", from, "to", peer)
		return nil
	}
	c.relay(ctx, a, peer, models.EventCallEnded, nil)
	return nil
}

// Disconnect は切断した接続が関わる全試行を終了し、残った相手に call ended を送ります
// 戻り値は終了させた試行の数です
func (c *Coordinator) Disconnect(ctx context.Context, connID string) int {
	c.mu.Lock()
	attempts, err := c.store.Involving(ctx, connID)
	if err != nil {
		c.mu.Unlock()
		c.log.Error("list call attempts on disconnect", "conn", connID, "error", err)
		return 0
	}
	ended := make([]Attempt, 0, len(attempts))
	for _, a := range attempts {
		if err := c.store.Delete(ctx, a.Key); err != nil {
			c.log.Error("delete call attempt", "call", a.ID, "error", err)
			continue
		}
		c.logTransition(Attempt{ID: a.ID, Key: a.Key, Phase: PhaseTerminated}, a.Phase)
		ended = append(ended, a)
	}
	c.mu.Unlock()

	for _, a := range ended {
		c.relay(ctx, a, a.Key.peerOf(connID), models.EventCallEnded, nil)
	}
	return len(ended)
}

// Phase は (initiator, target) の試行の現在の状態を返します
// 終了済みの試行は保持しないため PhaseNone になります
func (c *Coordinator) Phase(ctx context.Context, initiator, target string) Phase {
	a, ok, err := c.store.Get(ctx, Key{Initiator: initiator, Target: target})
	if err != nil || !ok {
		return PhaseNone
	}
	return a.Phase
}

// PhaseFor は connID と peer の間の試行を connID の立場から見た状態で返します
func (c *Coordinator) PhaseFor(ctx context.Context, connID, peer string) Phase {
	for _, key := range []Key{{Initiator: connID, Target: peer}, {Initiator: peer, Target: connID}} {
		a, ok, err := c.store.Get(ctx, key)
		if err == nil && ok {
			return a.PhaseFor(connID)
		}
	}
	return PhaseNone
}

// terminate は a と b の間の生存中の試行を向きを問わず探して削除します
func (c *Coordinator) terminate(ctx context.Context, a, b string) (Attempt, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range []Key{{Initiator: b, Target: a}, {Initiator: a, Target: b}} {
		att, ok, err := c.store.Get(ctx, key)
		if err != nil {
			return Attempt{}, false, fmt.Errorf("load call attempt: %w", err)
		}
		if !ok || !att.live() {
			continue
		}
		if err := c.store.Delete(ctx, key); err != nil {
			return Attempt{}, false, fmt.Errorf("delete call attempt: %w", err)
		}
		c.logTransition(Attempt{ID: att.ID, Key: att.Key, Phase: PhaseTerminated}, att.Phase)
		return att, true, nil
	}
	return Attempt{}, false, nil
}

// relay はイベントを to に届けます。届かなくても呼び出し元には返しません
func (c *Coordinator) relay(ctx context.Context, a Attempt, to, typ string, payload any) {
	ev, err := models.NewEvent(typ, payload)
	if err != nil {
		c.log.Error("build call event", "call", a.ID, "event", typ, "error", err)
		return
	}
	if err := c.send.SendTo(ctx, to, ev); err != nil {
		c.log.Warn("call relay failed", "call", a.ID, "event", typ, "to", to, "error", err)
	}
}

func (c *Coordinator) logTransition(a Attempt, from Phase) {
	c.log.Info("call transition",
		"call", a.ID,
		"initiator", a.Key.Initiator,
		"target", a.Key.Target,
		"from", string(from),
		"to", string(a.Phase),
	)
}

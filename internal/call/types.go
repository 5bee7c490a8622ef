package call

import (
	"errors"
	"time"
)

var (
	ErrTargetNotFound = errors.New("call target not connected")
	ErrOutOfOrder     = errors.New("signal out of order for call attempt")
	ErrSelfCall       = errors.New("cannot call own connection")
	ErrMissingPeer    = errors.New("peer connection id required")
)

// Phase は通話試行の状態です
type Phase string

const (
	PhaseNone            Phase = ""
	PhaseOutgoingPending Phase = "OUTGOING_PENDING"
	PhaseIncomingPending Phase = "INCOMING_PENDING"
	PhaseConnected       Phase = "CONNECTED"
	PhaseTerminated      Phase = "TERMINATED"
)

// 拒否理由
const (
	ReasonBusy     = "busy"     // 相手が別の通話中
	ReasonMedia    = "media"    // 相手がカメラ・マイクを取得できなかった
	ReasonRejected = "rejected" // 明示的な拒否
)

// NormalizeReason は未知の理由を rejected に丸めます
func NormalizeReason(reason string) string {
	switch reason {
	case ReasonBusy, ReasonMedia, ReasonRejected:
		return reason
	default:
		return ReasonRejected
	}
}

// Key は (発信者, 着信者) の順序付きペアです
type Key struct {
	Initiator string `json:"initiator"`
	Target    string `json:"target"`
}

func (k Key) involves(connID string) bool {
	return k.Initiator == connID || k.Target == connID
}

// peerOf は connID から見た相手を返します
func (k Key) peerOf(connID string) string {
	if k.Initiator == connID {
		return k.Target
	}
	return k.Initiator
}

// Attempt は1回の通話交渉です。保存されるのは終了前のものだけです
// 呼び出し中は Phase が PhaseOutgoingPending で、着信者側から見ると PhaseIncomingPending です
type Attempt struct {
	ID        string    `json:"id"`
	Key       Key       `json:"key"`
	Phase     Phase     `json:"phase"`
	StartedAt time.Time `json:"startedAt"`
}

// PhaseFor は connID の立場から見た状態を返します
func (a Attempt) PhaseFor(connID string) Phase {
	if a.Phase == PhaseOutgoingPending && a.Key.Target == connID {
		return PhaseIncomingPending
	}
	return a.Phase
}

func (a Attempt) live() bool {
	return a.Phase == PhaseOutgoingPending || a.Phase == PhaseConnected
}

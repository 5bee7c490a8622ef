package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// NewConnectionID は接続ごとの不透明なIDを生成します
// 同一インスタンス内では単調増加するため、ログ上で接続順に並びます
func NewConnectionID() string {
	return NewULID()
}

// NewInstanceID はリレーインスタンスを識別するIDを生成します
func NewInstanceID() string {
	return "relay-" + NewULID()
}

package service

import "errors"

// カスタムエラー定義
var (
	ErrNotJoined = errors.New("connection has not joined a room")
)

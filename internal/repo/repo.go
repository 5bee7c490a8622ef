package repo

import (
	"context"

	"github.com/SteamVC/SteamVC_Relay/internal/models"
)

// PresenceRepo はクラスタ全体のオンラインユーザーを保持します
// 各インスタンスは自分の接続だけを追加・削除し、一覧は全インスタンス分を返します
type PresenceRepo interface {
	AddConnection(ctx context.Context, connID string) error
	RemoveConnection(ctx context.Context, connID string) error
	AddUser(ctx context.Context, room string, user models.OnlineUser) error
	RemoveUser(ctx context.Context, room, connID string) error
	ListUsers(ctx context.Context, room string) ([]models.OnlineUser, error)
	HasConnection(ctx context.Context, connID string) (bool, error)
	TouchUser(ctx context.Context, room, connID string) error
}

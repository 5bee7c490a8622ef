package service

import (
	"context"
	"log/slog"

	"github.com/SteamVC/SteamVC_Relay/internal/models"
	"github.com/SteamVC/SteamVC_Relay/internal/registry"
	"github.com/SteamVC/SteamVC_Relay/internal/repo"
)

// Directory は接続の所在とオンラインユーザー一覧を答えます
// presence が nil の場合はこのインスタンスのRegistryだけを見ます
type Directory struct {
	reg      *registry.Registry
	presence repo.PresenceRepo
	log      *slog.Logger
}

// NewDirectory は新しいDirectoryを作成します
func NewDirectory(reg *registry.Registry, presence repo.PresenceRepo, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{reg: reg, presence: presence, log: logger}
}

// Resolve は connID がどこかのインスタンスで接続中かを返します
// call.Resolver を満たします
func (d *Directory) Resolve(ctx context.Context, connID string) bool {
	if _, ok := d.reg.Lookup(connID); ok {
		return true
	}
	if d.presence == nil {
		return false
	}
	ok, err := d.presence.HasConnection(ctx, connID)
	if err != nil {
		d.log.Error("presence lookup failed", "conn", connID, "error", err)
		return false
	}
	return ok
}

// OnlineUsers はルームのオンラインユーザーを接続ID順で返します
func (d *Directory) OnlineUsers(ctx context.Context, room string) ([]models.OnlineUser, error) {
	if d.presence == nil {
		return d.reg.OnlineUsers(room), nil
	}
	return d.presence.ListUsers(ctx, room)
}

func (d *Directory) connect(ctx context.Context, connID string) {
	if d.presence == nil {
		return
	}
	if err := d.presence.AddConnection(ctx, connID); err != nil {
		d.log.Error("presence connect failed", "conn", connID, "error", err)
	}
}

func (d *Directory) disconnect(ctx context.Context, connID string) {
	if d.presence == nil {
		return
	}
	if err := d.presence.RemoveConnection(ctx, connID); err != nil {
		d.log.Error("presence disconnect failed", "conn", connID, "error", err)
	}
}

func (d *Directory) add(ctx context.Context, room string, user models.OnlineUser) {
	if d.presence == nil {
		return
	}
	if err := d.presence.AddUser(ctx, room, user); err != nil {
		d.log.Error("presence add failed", "conn", user.ID, "room", room, "error", err)
	}
}

func (d *Directory) remove(ctx context.Context, room, connID string) {
	if d.presence == nil {
		return
	}
	if err := d.presence.RemoveUser(ctx, room, connID); err != nil {
		d.log.Error("presence remove failed", "conn", connID, "room", room, "error", err)
	}
}

func (d *Directory) touch(ctx context.Context, room, connID string) {
	if d.presence == nil {
		return
	}
	if err := d.presence.TouchUser(ctx, room, connID); err != nil {
		d.log.Warn("presence touch failed", "conn", connID, "room", room, "error", err)
	}
}

package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SteamVC/SteamVC_Relay/internal/models"
)

type RedisPresenceRepo struct {
	rdb    *redis.Client
	ttlSec int
	log    *slog.Logger
}

func NewRedisPresenceRepo(rdb *redis.Client, ttlSec int, logger *slog.Logger) *RedisPresenceRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPresenceRepo{rdb: rdb, ttlSec: ttlSec, log: logger}
}

func usersKey(room string) string {
	return fmt.Sprintf("rooms:%s:users", room)
}
func userKey(room, connID string) string {
	return fmt.Sprintf("users:%s:%s", room, connID)
}
func connKey(connID string) string {
	return fmt.Sprintf("conns:%s", connID)
}

func sec(v int) time.Duration {
	return time.Duration(v) * time.Second
}

// AddConnection はまだルームに参加していない接続を登録します
// 通話は参加を要求しないため、参加前でも他インスタンスから接続を引けるようにします
func (rr *RedisPresenceRepo) AddConnection(ctx context.Context, connID string) error {
	return rr.rdb.Set(ctx, connKey(connID), "", sec(rr.ttlSec)).Err()
}

func (rr *RedisPresenceRepo) RemoveConnection(ctx context.Context, connID string) error {
	return rr.rdb.Del(ctx, connKey(connID)).Err()
}

func (rr *RedisPresenceRepo) AddUser(ctx context.Context, room string, user models.OnlineUser) error {
	b, err := json.Marshal(user)
	if err != nil {
		return err
	}
	d := sec(rr.ttlSec)
	pipe := rr.rdb.TxPipeline()
	pipe.Set(ctx, userKey(room, user.ID), b, d) // ルーム内のユーザー情報
	pipe.SAdd(ctx, usersKey(room), user.ID)     // ルームの参加者set
	pipe.Expire(ctx, usersKey(room), d)
	pipe.Set(ctx, connKey(user.ID), room, d) // 接続IDからルームを引く
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveUser はルームから外します。接続キーは参加前の状態（値が空）に戻します
func (rr *RedisPresenceRepo) RemoveUser(ctx context.Context, room, connID string) error {
	pipe := rr.rdb.TxPipeline()
	pipe.SRem(ctx, usersKey(room), connID)
	pipe.Del(ctx, userKey(room, connID))
	pipe.Set(ctx, connKey(connID), "", sec(rr.ttlSec))
	_, err := pipe.Exec(ctx)
	return err
}

func (rr *RedisPresenceRepo) ListUsers(ctx context.Context, room string) ([]models.OnlineUser, error) {
	ids, err := rr.rdb.SMembers(ctx, usersKey(room)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []models.OnlineUser{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = userKey(room, id)
	}

	vals, err := rr.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	res := make([]models.OnlineUser, 0, len(ids))
	var stale []any
	for i, val := range vals {
		b, ok := val.(string)
		if !ok {
			// TTL切れ（インスタンスが落ちた等）で本体が消えたものはsetからも外す
			stale = append(stale, ids[i])
			continue
		}
		var u models.OnlineUser
		if json.Unmarshal([]byte(b), &u) == nil {
			res = append(res, u)
		}
	}
	if len(stale) > 0 {
		if err := rr.rdb.SRem(ctx, usersKey(room), stale...).Err(); err != nil {
			rr.log.Warn("prune stale presence failed", "room", room, "stale", len(stale), "error", err)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (rr *RedisPresenceRepo) HasConnection(ctx context.Context, connID string) (bool, error) {
	n, err := rr.rdb.Exists(ctx, connKey(connID)).Result()
	return n == 1, err
}

// TouchUser は接続のTTLを延長します。room が空なら接続キーだけを延長します
func (rr *RedisPresenceRepo) TouchUser(ctx context.Context, room, connID string) error {
	if room == "" {
		return rr.rdb.Expire(ctx, connKey(connID), sec(rr.ttlSec)).Err()
	}
	// Luaスクリプトでアトミックに処理
	script := `
		local users_key = KEYS[1]
		local user_key = KEYS[2]
		local conn_key = KEYS[3]
		local ttl = tonumber(ARGV[1])

		if redis.call('EXISTS', user_key) == 0 then
			return 0
		end
		redis.call('EXPIRE', users_key, ttl)
		redis.call('EXPIRE', user_key, ttl)
		redis.call('EXPIRE', conn_key, ttl)
		return 1
	`

	return rr.rdb.Eval(ctx, script, []string{usersKey(room), userKey(room, connID), connKey(connID)}, rr.ttlSec).Err()
}

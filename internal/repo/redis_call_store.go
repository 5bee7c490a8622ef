package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/SteamVC/SteamVC_Relay/internal/call"
)

// RedisCallStore は通話試行をRedisに保存します
// 複数インスタンスにまたがる通話でも、どのインスタンスが次のシグナルを受けても状態を参照できます
type RedisCallStore struct {
	rdb    *redis.Client
	ttlSec int
	log    *slog.Logger
}

func NewRedisCallStore(rdb *redis.Client, ttlSec int, logger *slog.Logger) *RedisCallStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCallStore{rdb: rdb, ttlSec: ttlSec, log: logger}
}

func callKey(k call.Key) string {
	return fmt.Sprintf("calls:%s:%s", k.Initiator, k.Target)
}
func callIndexKey(connID string) string {
	return fmt.Sprintf("calls:by:%s", connID)
}

// indexMember はインデックスsetの要素です。接続IDに区切り文字が含まれても壊れないようJSONにします
func indexMember(k call.Key) string {
	b, _ := json.Marshal(k)
	return string(b)
}

func (s *RedisCallStore) Get(ctx context.Context, key call.Key) (call.Attempt, bool, error) {
	val, err := s.rdb.Get(ctx, callKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return call.Attempt{}, false, nil
	}
	if err != nil {
		return call.Attempt{}, false, err
	}
	var a call.Attempt
	if err := json.Unmarshal(val, &a); err != nil {
		return call.Attempt{}, false, err
	}
	return a, true, nil
}

func (s *RedisCallStore) Put(ctx context.Context, a call.Attempt) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	d := sec(s.ttlSec)
	member := indexMember(a.Key)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, callKey(a.Key), b, d)
	pipe.SAdd(ctx, callIndexKey(a.Key.Initiator), member)
	pipe.Expire(ctx, callIndexKey(a.Key.Initiator), d)
	pipe.SAdd(ctx, callIndexKey(a.Key.Target), member)
	pipe.Expire(ctx, callIndexKey(a.Key.Target), d)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisCallStore) Delete(ctx context.Context, key call.Key) error {
	// Luaスクリプトでアトミックに処理
	script := `
		local call_key = KEYS[1]
		local initiator_index = KEYS[2]
		local target_index = KEYS[3]
		local member = ARGV[1]

		redis.call('DEL', call_key)
		redis.call('SREM', initiator_index, member)
		redis.call('SREM', target_index, member)

		return 'OK'
	`

	keys := []string{callKey(key), callIndexKey(key.Initiator), callIndexKey(key.Target)}
	return s.rdb.Eval(ctx, script, keys, indexMember(key)).Err()
}

func (s *RedisCallStore) Involving(ctx context.Context, connID string) ([]call.Attempt, error) {
	members, err := s.rdb.SMembers(ctx, callIndexKey(connID)).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(members))
	valid := make([]string, 0, len(members))
	for _, m := range members {
		var k call.Key
		if json.Unmarshal([]byte(m), &k) != nil {
			continue
		}
		keys = append(keys, callKey(k))
		valid = append(valid, m)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]call.Attempt, 0, len(vals))
	var stale []any
	for i, val := range vals {
		b, ok := val.(string)
		if !ok {
			stale = append(stale, valid[i])
			continue
		}
		var a call.Attempt
		if json.Unmarshal([]byte(b), &a) == nil {
			out = append(out, a)
		}
	}
	if len(stale) > 0 {
		if err := s.rdb.SRem(ctx, callIndexKey(connID), stale...).Err(); err != nil {
			s.log.Warn("prune stale call index failed", "conn", connID, "stale", len(stale), "error", err)
		}
	}
	return out, nil
}

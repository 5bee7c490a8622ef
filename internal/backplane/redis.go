// Package backplane は複数のリレーインスタンス間でイベントを配るRedis Pub/Subです
package backplane

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/SteamVC/SteamVC_Relay/internal/broadcast"
)

const DefaultChannel = "relay:events"

// Redis はEnvelopeをmsgpackでエンコードして1つのチャンネルに発行します
// 全インスタンスが同じチャンネルを購読するため、発行元も自分の発行を受け取ります
type Redis struct {
	rdb     *redis.Client
	channel string
	log     *slog.Logger
}

func NewRedis(rdb *redis.Client, channel string, logger *slog.Logger) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{rdb: rdb, channel: channel, log: logger}
}

// Publish はEnvelopeをチャンネルに発行します
func (r *Redis) Publish(ctx context.Context, env broadcast.Envelope) error {
	b, err := msgpack.Marshal(&env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, b).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	return nil
}

// Start はチャンネルを購読し、受信したEnvelopeを deliver に渡すgoroutineを起動します
// 購読の確立を待ってから戻るため、戻った後の発行は取りこぼしません
// ctx がキャンセルされると購読を閉じて終了します
func (r *Redis) Start(ctx context.Context, deliver func(broadcast.Envelope)) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}
	r.log.Info("backplane subscribed", "channel", r.channel)

	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env broadcast.Envelope
				if err := msgpack.Unmarshal([]byte(msg.Payload), &env); err != nil {
					r.log.Warn("backplane: undecodable envelope", "error", err)
					continue
				}
				deliver(env)
			}
		}
	}()
	return nil
}

// Package config はアプリケーションの設定を管理します
// デフォルト値、RELAY_CONFIG で指定したYAMLファイル、環境変数の順に上書きします
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SteamVC/SteamVC_Relay/internal/idgen"
)

const (
	defaultAPIAddr        = ":3000"        // APIサーバーのデフォルトリッスンアドレス
	defaultRedisChannel   = "relay:events" // バックプレーンのチャンネル
	defaultPresenceTTLSec = 60 * 60        // プレゼンスのデフォルトTTL（1時間）
	defaultCallTTLSec     = 60 * 60        // 通話試行のデフォルトTTL（1時間）
	defaultLogLevel       = "info"
	defaultLogFormat      = "json"
)

// defaultAllowedOrigins はCORSで許可するデフォルトのオリジン一覧
var defaultAllowedOrigins = []string{"*"}

// Config はアプリケーションの設定を保持します
type Config struct {
	APIAddr        string        // APIサーバーのリッスンアドレス
	RedisAddr      string        // Redisの接続先。空ならRedisを使わず単一インスタンスで動きます
	RedisChannel   string        // バックプレーンのPub/Subチャンネル
	AllowedOrigins []string      // CORSとWebSocketで許可するオリジン一覧
	PresenceTTL    int           // プレゼンスのTTL（秒）
	CallTTL        int           // 通話試行のTTL（秒）
	BotTimeout     time.Duration // ボット分類器の上限時間。0なら無制限
	LogLevel       string
	LogFormat      string // json または text
	InstanceID     string // バックプレーン上の発行元識別子
}

// fileConfig はYAMLファイルの形です。未指定の項目はゼロ値のまま残ります
type fileConfig struct {
	APIAddr        string   `yaml:"api_addr"`
	RedisAddr      string   `yaml:"redis_addr"`
	RedisChannel   string   `yaml:"redis_channel"`
	AllowedOrigins []string `yaml:"cors_allowed_origins"`
	PresenceTTLSec int      `yaml:"presence_ttl_sec"`
	CallTTLSec     int      `yaml:"call_ttl_sec"`
	BotTimeoutMS   int      `yaml:"bot_timeout_ms"`
	LogLevel       string   `yaml:"log_level"`
	LogFormat      string   `yaml:"log_format"`
	InstanceID     string   `yaml:"instance_id"`
}

// Load は設定を読み込みます
// 環境変数が設定されていない場合はファイルの値、それも無ければデフォルト値を使用します
func Load() (Config, error) {
	fc, err := loadFile(os.Getenv("RELAY_CONFIG"))
	if err != nil {
		return Config{}, err
	}

	addr := firstNonEmpty(fc.APIAddr, defaultAPIAddr)
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + strings.TrimPrefix(port, ":")
	}

	cfg := Config{
		APIAddr:        envOr("API_ADDR", addr),
		RedisAddr:      envOr("REDIS_ADDR", fc.RedisAddr),
		RedisChannel:   envOr("REDIS_CHANNEL", firstNonEmpty(fc.RedisChannel, defaultRedisChannel)),
		AllowedOrigins: envCSV("CORS_ALLOWED_ORIGINS", firstNonEmptySlice(fc.AllowedOrigins, defaultAllowedOrigins)),
		PresenceTTL:    envInt("PRESENCE_TTL_SEC", firstPositive(fc.PresenceTTLSec, defaultPresenceTTLSec)),
		CallTTL:        envInt("CALL_TTL_SEC", firstPositive(fc.CallTTLSec, defaultCallTTLSec)),
		BotTimeout:     time.Duration(envInt("BOT_TIMEOUT_MS", fc.BotTimeoutMS)) * time.Millisecond,
		LogLevel:       envOr("LOG_LEVEL", firstNonEmpty(fc.LogLevel, defaultLogLevel)),
		LogFormat:      envOr("LOG_FORMAT", firstNonEmpty(fc.LogFormat, defaultLogFormat)),
		InstanceID:     envOr("INSTANCE_ID", fc.InstanceID),
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = idgen.NewInstanceID()
	}
	return cfg, nil
}

// loadFile はYAMLの設定ファイルを読み込みます。path が空なら何もしません
func loadFile(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

// envOr は環境変数から文字列を取得します
// 環境変数が設定されていない場合はデフォルト値を返します
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt は環境変数から整数を取得します
// 環境変数が設定されていない、または無効な値の場合はデフォルト値を返します
func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("invalid integer env, fallback to default", "key", key, "value", v, "default", def)
			return def
		}
		return i
	}
	return def
}

// envCSV は環境変数からカンマ区切りの文字列リストを取得します
// 環境変数が設定されていない、または空の場合はデフォルト値を返します
func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

func firstNonEmpty(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func firstNonEmptySlice(v, def []string) []string {
	if len(v) > 0 {
		return v
	}
	return def
}

func firstPositive(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var configEnv = []string{
	"RELAY_CONFIG", "PORT", "API_ADDR", "REDIS_ADDR", "REDIS_CHANNEL", "CORS_ALLOWED_ORIGINS",
	"PRESENCE_TTL_SEC", "CALL_TTL_SEC", "BOT_TIMEOUT_MS", "LOG_LEVEL", "LOG_FORMAT", "INSTANCE_ID",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnv {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIAddr != ":3000" || cfg.RedisAddr != "" || cfg.RedisChannel != "relay:events" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.PresenceTTL != 3600 || cfg.CallTTL != 3600 || cfg.BotTimeout != 0 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !strings.HasPrefix(cfg.InstanceID, "relay-") {
		t.Fatalf("InstanceID = %q", cfg.InstanceID)
	}
}

func TestLoadEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "4000")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.test, ,http://b.test")
	t.Setenv("BOT_TIMEOUT_MS", "250")
	t.Setenv("CALL_TTL_SEC", "not-a-number")
	t.Setenv("INSTANCE_ID", "node-1")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIAddr != ":4000" {
		t.Fatalf("APIAddr = %q", cfg.APIAddr)
	}
	if cfg.RedisAddr != "redis:6379" || cfg.InstanceID != "node-1" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b.test" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.BotTimeout != 250*time.Millisecond {
		t.Fatalf("BotTimeout = %v", cfg.BotTimeout)
	}
	if cfg.CallTTL != 3600 {
		t.Fatalf("invalid CALL_TTL_SEC not ignored: %d", cfg.CallTTL)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "relay.yaml")
	body := `
api_addr: ":5000"
redis_addr: "file-redis:6379"
presence_ttl_sec: 120
log_format: text
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RELAY_CONFIG", path)
	t.Setenv("REDIS_ADDR", "env-redis:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIAddr != ":5000" || cfg.PresenceTTL != 120 || cfg.LogFormat != "text" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.RedisAddr != "env-redis:6379" {
		t.Fatalf("env did not override file: %q", cfg.RedisAddr)
	}
}

func TestLoadBadFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("RELAY_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("missing config file accepted")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "warn", "json")
	log.Info("hidden")
	log.Warn("shown", "conn", "A")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"conn":"A"`) {
		t.Fatalf("output = %q", out)
	}

	buf.Reset()
	NewLogger(&buf, "bogus", "text").Info("hello")
	if !strings.Contains(buf.String(), "level=INFO") {
		t.Fatalf("text output = %q", buf.String())
	}
	if parseLevel("debug") != slog.LevelDebug {
		t.Fatal("debug level not parsed")
	}
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SteamVC/SteamVC_Relay/internal/backplane"
	"github.com/SteamVC/SteamVC_Relay/internal/bot"
	"github.com/SteamVC/SteamVC_Relay/internal/broadcast"
	"github.com/SteamVC/SteamVC_Relay/internal/call"
	"github.com/SteamVC/SteamVC_Relay/internal/config"
	"github.com/SteamVC/SteamVC_Relay/internal/handlers"
	httpx "github.com/SteamVC/SteamVC_Relay/internal/http"
	"github.com/SteamVC/SteamVC_Relay/internal/registry"
	"github.com/SteamVC/SteamVC_Relay/internal/repo"
	"github.com/SteamVC/SteamVC_Relay/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat).With("instance", cfg.InstanceID)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New()
	var (
		bcOpts   []broadcast.Option
		presence repo.PresenceRepo
		store    call.Store = call.NewMemoryStore()
		bp       *backplane.Redis
	)

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			PoolSize:     10,              // 接続プールサイズ
			MinIdleConns: 5,               // 最小アイドル接続数
			MaxRetries:   3,               // リトライ回数
			DialTimeout:  5 * time.Second, // 接続タイムアウト
			ReadTimeout:  3 * time.Second, // 読み込みタイムアウト
			WriteTimeout: 3 * time.Second, // 書き込みタイムアウト
			PoolTimeout:  4 * time.Second, // プールからの取得タイムアウト
		})
		defer rdb.Close()

		// Redis接続確認
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		logger.Info("connected to redis", "addr", cfg.RedisAddr)

		bp = backplane.NewRedis(rdb, cfg.RedisChannel, logger)
		bcOpts = append(bcOpts, broadcast.WithBackplane(bp, cfg.InstanceID))
		presence = repo.NewRedisPresenceRepo(rdb, cfg.PresenceTTL, logger)
		store = repo.NewRedisCallStore(rdb, cfg.CallTTL, logger)
	} else {
		logger.Info("REDIS_ADDR not set, running as a single instance")
	}

	bc := broadcast.New(reg, logger, bcOpts...)
	if bp != nil {
		if err := bp.Start(ctx, bc.Deliver); err != nil {
			logger.Error("failed to start backplane", "error", err)
			os.Exit(1)
		}
	}

	dir := service.NewDirectory(reg, presence, logger)
	calls := call.NewCoordinator(store, bc, dir, logger)
	router := bot.NewRouter(
		bot.NewKeywordClassifier(bot.DefaultIntents, time.Now().UnixNano()),
		bc, logger, bot.WithTimeout(cfg.BotTimeout),
	)
	svc := service.NewRelayService(reg, bc, dir, calls, router, logger)

	h := handlers.NewRoomHandler(svc, cfg.InstanceID, logger)
	// pong ごとにプレゼンスを延長するので、TTLの半分以内にpingを送る
	ws := handlers.NewWebSocketHandler(svc, cfg.AllowedOrigins, logger,
		handlers.WithPingPeriod(time.Duration(cfg.PresenceTTL)*time.Second/2))

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           httpx.NewRouter(h, ws, cfg.AllowedOrigins),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown用のシグナルチャネル
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// サーバーを別goroutineで起動
	go func() {
		logger.Info("listening", "addr", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// シャットダウンシグナルを待つ
	<-sigChan
	logger.Info("shutdown signal received, shutting down gracefully...")

	// 30秒のタイムアウトでGraceful Shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	cancel()

	logger.Info("server stopped")
}

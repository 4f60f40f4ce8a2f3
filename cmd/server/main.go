package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/koopa0/gblink/internal/config"
	"github.com/koopa0/gblink/internal/events"
	"github.com/koopa0/gblink/internal/handler"
	"github.com/koopa0/gblink/internal/link"
	"github.com/koopa0/gblink/internal/migrations"
	"github.com/koopa0/gblink/internal/users"
	"github.com/koopa0/gblink/pkg/logger"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "", "設定檔路徑")
		port       = flag.Int("port", 0, "HTTP API 端口（覆蓋設定檔）")
		linkPort   = flag.Int("link-port", 0, "link 伺服器端口（覆蓋設定檔）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "載入設定失敗: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *linkPort > 0 {
		cfg.Link.Port = *linkPort
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log, closer, err := logger.Init(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.AddSource,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日誌失敗: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	if err := run(cfg, log); err != nil {
		log.Error("服務器異常結束", "error", err)
		closer.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 可選的 PostgreSQL：使用者與事件歷史
	var pool *pgxpool.Pool
	if cfg.Postgres.Enabled {
		p, err := openPostgres(ctx, cfg, log)
		if err != nil {
			return err
		}
		pool = p
		defer pool.Close()
	}

	var store users.Store = users.NewMemoryStore()
	if pool != nil {
		store = users.NewPostgresStore(pool)
	}

	publishers, cleanup, err := setupPublishers(ctx, cfg, pool, log)
	defer cleanup()
	if err != nil {
		return err
	}

	dispatcher := events.NewDispatcher(cfg.Events.BufferSize, cfg.Events.PublishTimeout, log, publishers...)
	defer dispatcher.Close()

	registry := link.NewRegistry(link.Options{
		InactivityInterval: cfg.Link.InactivityInterval,
		Emit:               dispatcher.Emit,
		Logger:             log,
	})
	defer registry.Stop()

	sessionCfg := link.SessionConfig{
		ConnectTimeout: cfg.Link.ConnectTimeout,
		SendBuffer:     cfg.Link.SendBuffer,
		Logger:         log,
	}

	// link 伺服器先綁定埠號，房間 API 才能發出連線資訊
	linkServer := link.NewServer(registry, cfg.LinkAddr(), sessionCfg)
	if err := linkServer.Listen(ctx); err != nil {
		return err
	}
	linkErr := make(chan error, 1)
	go func() {
		linkErr <- linkServer.Serve(ctx)
	}()

	opts := handler.Options{
		RequireCreateRoomAuth: cfg.Auth.RequireCreateRoomAuth,
		RegistrationKey:       cfg.Auth.RegistrationKey,
		MaxUsers:              cfg.Auth.MaxUsers,
		Dispatcher:            dispatcher,
	}
	if cfg.Events.History && pool != nil {
		opts.History = events.NewPostgresHistory(pool)
	}
	var ws *link.WebSocketHandler
	if cfg.Link.EnableWebSocket {
		ws = link.NewWebSocketHandler(registry, sessionCfg)
		opts.WebSocket = ws
	}

	h := handler.NewHandler(registry, store, opts, log)

	// 創建 HTTP 服務器
	server := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	httpErr := make(chan error, 1)
	go func() {
		log.Info("gblink 服務器啟動",
			"http_addr", server.Addr,
			"link_addr", linkServer.Addr().String(),
			"websocket", cfg.Link.EnableWebSocket,
			"postgres", cfg.Postgres.Enabled,
			"redis", cfg.Redis.Enabled,
			"nats", cfg.NATS.Enabled)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info("收到關閉信號，開始優雅關閉...", "signal", sig.String())
	case err := <-httpErr:
		runErr = fmt.Errorf("HTTP 服務器失敗: %w", err)
	case err := <-linkErr:
		runErr = fmt.Errorf("link 服務器失敗: %w", err)
	}

	// 優雅關閉
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// 停止接受新連接
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP 服務器關閉失敗", "error", err)
	}
	if ws != nil {
		ws.Close()
	}
	if err := linkServer.Shutdown(shutdownCtx); err != nil {
		log.Error("link 服務器關閉失敗", "error", err)
	}

	// 其餘資源由 defer 依序關閉：登記表、事件分派器、外部連線
	log.Info("服務器已關閉")
	return runErr
}

func openPostgres(ctx context.Context, cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	dsn := cfg.PostgresDSN()

	if err := migrations.Run(dsn, log); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("解析 PostgreSQL 設定失敗: %w", err)
	}
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.MinConns = cfg.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("建立 PostgreSQL 連線池失敗: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("連接 PostgreSQL 失敗: %w", err)
	}

	log.Info("PostgreSQL 已連線", "host", cfg.Postgres.Host, "db", cfg.Postgres.DBName)
	return pool, nil
}

// setupPublishers 依設定建立事件發布端；cleanup 在任何情況下都可呼叫
func setupPublishers(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, log *slog.Logger) ([]events.Publisher, func(), error) {
	var (
		publishers []events.Publisher
		closers    []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		closers = append(closers, func() { _ = client.Close() })

		if err := client.Ping(ctx).Err(); err != nil {
			return nil, cleanup, fmt.Errorf("連接 Redis 失敗: %w", err)
		}
		publishers = append(publishers, events.NewRedisPublisher(client, cfg.Redis.Channel))
		log.Info("Redis 事件發布已啟用", "addr", cfg.Redis.Addr, "channel", cfg.Redis.Channel)
	}

	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("gblink"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					log.Warn("NATS 連線中斷", "error", err)
				}
			}),
		)
		if err != nil {
			return nil, cleanup, fmt.Errorf("連接 NATS 失敗: %w", err)
		}
		closers = append(closers, func() {
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
		})
		publishers = append(publishers, events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix))
		log.Info("NATS 事件發布已啟用", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}

	if cfg.Events.History && pool != nil {
		publishers = append(publishers, events.NewPostgresHistory(pool))
		log.Info("房間事件歷史已啟用")
	}

	return publishers, cleanup, nil
}

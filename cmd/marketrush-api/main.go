package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"marketrush/internal/api"
	"marketrush/internal/auth"
	"marketrush/internal/config"
	"marketrush/internal/db"
	"marketrush/internal/feed"
	"marketrush/internal/report"
	"marketrush/internal/retry"
	"marketrush/internal/rooms"
	"marketrush/internal/saga"
	"marketrush/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("redis connect failed", "addr", cfg.RedisAddr, "err", err)
		os.Exit(1)
	}

	authClient := auth.NewSupabaseClient(cfg.SupabaseURL, cfg.SupabaseAnonKey)
	gw := store.NewPostgres(pool, logger)
	publisher := feed.NewPublisher(rdb, logger)
	roomSvc := rooms.NewService(gw, publisher, logger)

	var reports report.Generator
	if cfg.ReportBaseURL != "" {
		reports = report.NewClient(cfg.ReportBaseURL)
	}
	completion := saga.NewCompletion(gw, reports, publisher, retry.DefaultPolicy(), logger)

	hub := api.NewHub(logger)
	go hub.Run(ctx)

	subscriber := feed.NewSubscriber(rdb, logger)
	go func() {
		tables := []string{"game_rooms", "room_players", "game_results", "game_sessions"}
		if err := subscriber.Run(ctx, tables, hub.Forward, nil); err != nil && ctx.Err() == nil {
			logger.Error("feed subscriber stopped", "err", err)
		}
	}()

	server := api.New(cfg, logger, authClient, gw, roomSvc, completion, hub)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("marketrush api listening", "addr", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}

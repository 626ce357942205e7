package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"marketrush/internal/config"
	"marketrush/internal/db"
	"marketrush/internal/feed"
	"marketrush/internal/report"
	"marketrush/internal/retry"
	"marketrush/internal/saga"
	"marketrush/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadSweeperFromEnv()
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

	gw := store.NewPostgres(pool, logger)
	publisher := feed.NewPublisher(rdb, logger)
	var reports report.Generator
	if cfg.ReportBaseURL != "" {
		reports = report.NewClient(cfg.ReportBaseURL)
	}
	completion := saga.NewCompletion(gw, reports, publisher, retry.DefaultPolicy(), logger)

	runOnce := strings.EqualFold(strings.TrimSpace(os.Getenv("MRX_SWEEPER_RUN_ONCE")), "true")
	if runOnce {
		repaired, err := completion.Sweep(ctx)
		if err != nil {
			logger.Error("sweep failed", "err", err)
			os.Exit(1)
		}
		logger.Info("sweeper run-once completed", "repaired", repaired)
		return
	}

	ticker := time.NewTicker(cfg.SweepEvery)
	defer ticker.Stop()

	logger.Info("sweeper started", "every", cfg.SweepEvery.String())
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweeper shutdown")
			return
		case <-ticker.C:
			repaired, err := completion.Sweep(ctx)
			if err != nil {
				logger.Error("sweep failed", "err", err)
				continue
			}
			if repaired > 0 {
				logger.Info("sweep repaired stragglers", "repaired", repaired)
			}
		}
	}
}

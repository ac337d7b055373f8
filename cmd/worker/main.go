package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/ledgerbridge/ledgerbridge/internal/app"
	"github.com/ledgerbridge/ledgerbridge/internal/mirror"
	"github.com/ledgerbridge/ledgerbridge/internal/platform/cache"
	"github.com/ledgerbridge/ledgerbridge/internal/platform/db"
	"github.com/ledgerbridge/ledgerbridge/internal/qbo"
	"github.com/ledgerbridge/ledgerbridge/internal/reconcile"
	"github.com/ledgerbridge/ledgerbridge/internal/syncer"
	"github.com/ledgerbridge/ledgerbridge/internal/vault"
	"github.com/ledgerbridge/ledgerbridge/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	tokenVault, err := vault.New(cfg.VaultSecret)
	if err != nil {
		logger.Error("init token vault", slog.Any("error", err))
		os.Exit(1)
	}

	repo := mirror.NewRepository(dbpool, logger)
	tokens := qbo.NewTokenManager(repo, tokenVault, cfg.QBOTokenURL, cfg.QBOClientID, cfg.QBOClientSecret)
	client := qbo.NewClient(cfg.QBOAPIBaseURL, tokens, logger)
	flags := cache.NewHardStopFlags(redisClient)

	reconciler := reconcile.NewService(repo, client, flags, logger)
	syncService := syncer.NewService(repo, client, reconciler, logger)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	cron, err := jobs.DefaultCron()
	if err != nil {
		logger.Error("build cron tasks", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: &jobs.SyncHandlers{
			Runner:  syncService,
			Tenants: repo,
			Client:  jobClient,
			Logger:  logger,
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker")
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

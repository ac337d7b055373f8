package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ledgerbridge/ledgerbridge/internal/app"
	"github.com/ledgerbridge/ledgerbridge/internal/mirror"
	"github.com/ledgerbridge/ledgerbridge/internal/platform/cache"
	"github.com/ledgerbridge/ledgerbridge/internal/platform/db"
	"github.com/ledgerbridge/ledgerbridge/internal/qbo"
	"github.com/ledgerbridge/ledgerbridge/internal/reconcile"
	"github.com/ledgerbridge/ledgerbridge/internal/syncer"
	"github.com/ledgerbridge/ledgerbridge/internal/vault"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
	syncHandler := syncer.NewHandler(logger, syncService, repo, flags)

	router := app.NewRouter(app.RouterParams{
		Logger:      logger,
		Config:      cfg,
		SyncHandler: syncHandler,
		Pool:        dbpool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

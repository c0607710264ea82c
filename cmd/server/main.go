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

	"github.com/SaeedHaddad/ChatApp/internal/config"
	"github.com/SaeedHaddad/ChatApp/internal/formatter"
	"github.com/SaeedHaddad/ChatApp/internal/handlers"
	httpx "github.com/SaeedHaddad/ChatApp/internal/http"
	"github.com/SaeedHaddad/ChatApp/internal/logging"
	"github.com/SaeedHaddad/ChatApp/internal/registry"
	"github.com/SaeedHaddad/ChatApp/internal/repo"
	"github.com/SaeedHaddad/ChatApp/internal/service"
	"golang.org/x/sync/errgroup"
)

const (
	startupTimeout  = 10 * time.Second // 永続ストアへの接続確認の期限
	shutdownTimeout = 30 * time.Second // Graceful Shutdownの期限
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 永続ストアに接続できなければ起動しない
	openCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	store, closer, err := repo.Open(openCtx, cfg)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close store", "error", err)
		}
	}()
	logger.Info("connected to store", "backend", cfg.StoreBackend)

	// 起動時点の参加者レコードは前回プロセスの残骸
	if purger, ok := store.(repo.MemberPurger); ok && cfg.ResetMembersOnStart {
		purgeCtx, cancel := context.WithTimeout(ctx, startupTimeout)
		err := purger.PurgeMembers(purgeCtx)
		cancel()
		if err != nil {
			return err
		}
		logger.Info("purged stale room members")
	}

	reg := registry.New()
	hub := handlers.NewHub(logger, cfg.SendBuffer)
	svc := service.NewRelayService(store, reg, hub, service.Options{
		HistoryLimit: cfg.HistoryLimit,
		StoreTimeout: cfg.StoreTimeout,
		BotName:      cfg.BotName,
		Formatter:    formatter.New(),
		Logger:       logger,
	})

	pinger, _ := store.(repo.Pinger)
	h := handlers.NewRoomHandler(svc, pinger, logger)
	wsHandler := handlers.NewWebSocketHandler(svc, hub, logger, handlers.WebSocketOptions{
		AllowedOrigins:  cfg.AllowedOrigin,
		MaxMessageSize:  cfg.MaxMessageSize,
		RateLimitPerSec: cfg.RateLimitPerSec,
		RateLimitBurst:  cfg.RateLimitBurst,
	})
	router := httpx.NewRouter(h, wsHandler, cfg.AllowedOrigin, logger)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// シャットダウンシグナル（またはサーバーエラー）を待つ
		<-gctx.Done()
		logger.Info("shutdown signal received, shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", "error", err)
		}
		// WebSocketはhijack済みのため、サーバーとは別に閉じる
		if err := hub.Shutdown(shutdownCtx); err != nil {
			logger.Warn("hub shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

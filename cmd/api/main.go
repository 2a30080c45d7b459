package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"codeloft/api/internal/app"
	"codeloft/api/internal/assist"
	"codeloft/api/internal/authpw"
	"codeloft/api/internal/config"
	"codeloft/api/internal/relay"
	"codeloft/api/internal/search"
	"codeloft/api/internal/store"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	for _, warning := range cfg.Warnings() {
		logger.Warn(warning)
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	dataStore := store.NewPostgresStore(db)

	var searchService *search.Service
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		searchService = search.NewService(meiliClient, search.NewPgScan(db), logger)
		logger.Info("file search backed by Meilisearch", zap.String("url", cfg.MeiliURL))
	} else {
		searchService = search.NewService(nil, search.NewPgScan(db), logger)
		logger.Info("file search backed by Postgres scan")
	}

	assistClient := assist.NewClient(cfg.GeminiURL, cfg.GeminiAPIKey, logger)
	accounts := authpw.NewService(dataStore)
	service := app.New(cfg, dataStore, accounts, assistClient, searchService, logger)

	hub := relay.NewHub(logger)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		backplane := relay.NewBackplane(rdb, logger)
		defer backplane.Close()
		hub.AttachBackplane(backplane)
		logger.Info("relay backplane enabled")
	}
	relayServer := relay.NewServer(hub, dataStore, assistClient, []byte(cfg.JWTSecret), logger)
	relayServer.AttachIndexer(searchService)

	httpServer := app.NewHTTPServer(service, relayServer, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("Codeloft API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func newLogger(cfg config.Config) *zap.Logger {
	if cfg.Development() {
		logger, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return logger
	}
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return logger
}

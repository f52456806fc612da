package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wa-auto/internal/autoreply"
	"wa-auto/internal/bulk"
	"wa-auto/internal/cache"
	"wa-auto/internal/config"
	"wa-auto/internal/dispatch"
	"wa-auto/internal/httpserver"
	"wa-auto/internal/logging"
	"wa-auto/internal/metrics"
	"wa-auto/internal/relay"
	"wa-auto/internal/scheduler"
	"wa-auto/internal/store"
	"wa-auto/internal/wa"

	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.AppEnv)
	logger.Info("starting wa-auto", "env", cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	db, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrated")

	var redisClient *cache.Redis
	if cfg.RedisAddr != "" {
		redisClient = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("failed closing redis", "error", err)
			}
		}()
		if err := redisClient.Ping(ctx); err != nil {
			logger.Warn("redis ping failed", "error", err)
		}
	}

	waClient, err := wa.New(ctx, wa.Config{
		StorePath: cfg.WhatsAppStorePath,
		LogLevel:  cfg.WhatsAppLogLevel,
		Metrics:   metricRegistry,
	}, logger)
	if err != nil {
		return fmt.Errorf("init whatsapp client: %w", err)
	}
	defer waClient.Close()

	hub := relay.New(logger, func() any { return waClient.Status() })
	waClient.SetBroadcaster(hub)

	dispatcher := dispatch.New(waClient, db, metricRegistry, logger)

	matcher := autoreply.New(db, dispatcher, hub, metricRegistry, logger)
	if err := matcher.Reload(ctx); err != nil {
		return fmt.Errorf("load auto-reply rules: %w", err)
	}
	waClient.SetMessageProcessor(matcher)

	bulkSender := bulk.New(dispatcher, db, hub, metricRegistry, logger)

	sched := scheduler.New(cfg.SchedulerSpec, db, dispatcher, hub, metricRegistry, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	waCtx, waCancel := context.WithCancel(ctx)
	defer waCancel()
	go func() {
		if err := waClient.Start(waCtx); err != nil {
			logger.Error("whatsapp client stopped", "error", err)
			stop()
		}
	}()

	httpSrv := httpserver.New(cfg.HTTPListenAddr, logger, httpserver.Dependencies{
		Store:      db,
		WA:         waClient,
		Dispatcher: dispatcher,
		Matcher:    matcher,
		Bulk:       bulkSender,
		Hub:        hub,
		Cache:      redisClient,
		UploadDir:  cfg.UploadDir,
		StatsTTL:   cfg.StatsCacheTTL,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	return nil
}

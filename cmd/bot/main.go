package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nuwa/skyeye-bot/internal/api"
	"github.com/nuwa/skyeye-bot/internal/archive"
	"github.com/nuwa/skyeye-bot/internal/config"
	"github.com/nuwa/skyeye-bot/internal/dispatch"
	"github.com/nuwa/skyeye-bot/internal/handlers"
	"github.com/nuwa/skyeye-bot/internal/intent"
	"github.com/nuwa/skyeye-bot/internal/lock"
	"github.com/nuwa/skyeye-bot/internal/notifications"
	"github.com/nuwa/skyeye-bot/internal/scheduler"
	"github.com/nuwa/skyeye-bot/internal/storage"
	"github.com/nuwa/skyeye-bot/internal/stream"
	"github.com/nuwa/skyeye-bot/internal/twitter"
	"github.com/nuwa/skyeye-bot/internal/upstream"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load environment variables from .env file if it exists
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using environment variables")
	}

	// Initialize configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	setupLogging(cfg)
	logrus.Infof("Starting Skyeye Bot as @%s", cfg.TwitterBotUsername)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, err := storage.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logrus.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logrus.Fatalf("Failed to migrate database: %v", err)
	}

	resolver, err := intent.NewResolver(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize intent resolver: %v", err)
	}

	twitterClient := twitter.NewClient(cfg)
	if err := twitterClient.SyncStreamRules(ctx); err != nil {
		logrus.Warnf("Failed to sync stream rules: %v", err)
	}

	upstreamClient := upstream.NewClient(cfg)
	notificationService := notifications.NewService(cfg)

	archiver := newArchiver(ctx, cfg)
	locker := newLocker(ctx, cfg)
	defer locker.Close()

	dispatcher := dispatch.NewDispatcher(cfg, store, resolver, twitterClient,
		handlers.NewImageLookupHandler(twitterClient, upstreamClient, cfg.UpstreamLookupLimit),
		handlers.NewInsultHandler(upstreamClient),
		notificationService,
	)
	streamManager := stream.NewManager(cfg, twitterClient, dispatcher, archiver, notificationService)
	proactive := scheduler.NewProactive(cfg, twitterClient, upstreamClient, store, locker)

	// Initialize report scheduler
	schedulerService, err := scheduler.NewService(cfg, store, notificationService)
	if err != nil {
		logrus.Fatalf("Failed to initialize scheduler: %v", err)
	}
	if err := schedulerService.Start(); err != nil {
		logrus.Fatalf("Failed to start scheduler: %v", err)
	}
	defer schedulerService.Stop()

	// Set up HTTP server for the read API, health checks and metrics
	handler := api.NewHandler(store,
		func() interface{} {
			return map[string]interface{}{
				"dispatch":  dispatcher.GetMetrics(),
				"stream":    streamManager.Status(),
				"proactive": proactive.GetMetrics(),
			}
		},
		func() {
			result, err := proactive.RunOnce(context.WithoutCancel(ctx))
			if err != nil {
				logrus.Errorf("Manual active roast trigger failed: %v", err)
				return
			}
			logrus.Infof("Manual active roast trigger finished: %s", result.Outcome)
		},
		cfg.CORSOrigins,
	)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      handler.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return streamManager.Run(groupCtx)
	})
	group.Go(func() error {
		return proactive.Run(groupCtx)
	})
	group.Go(func() error {
		logrus.Infof("HTTP server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logrus.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logrus.Errorf("Server forced to shutdown: %v", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logrus.Errorf("Bot stopped with error: %v", err)
	}

	// Give in-flight mentions a chance to finish
	drained := make(chan struct{})
	go func() {
		streamManager.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownTimeout):
		logrus.Warn("Abandoning in-flight mentions after shutdown timeout")
	}

	logrus.Info("Server exited")
}

func setupLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	if cfg.Debug {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetOutput(os.Stdout)
}

func newArchiver(ctx context.Context, cfg *config.Config) archive.Archiver {
	if cfg.StorageAccount == "" {
		return archive.NoopArchive{}
	}
	blobArchive, err := archive.NewBlobArchive(ctx, cfg.StorageAccount, cfg.StorageContainer)
	if err != nil {
		logrus.Warnf("Event archive disabled: %v", err)
		return archive.NoopArchive{}
	}
	return blobArchive
}

func newLocker(ctx context.Context, cfg *config.Config) lock.Locker {
	if cfg.RedisURL == "" {
		return lock.NoopLocker{}
	}
	redisLocker, err := lock.NewRedisLocker(ctx, cfg.RedisURL)
	if err != nil {
		logrus.Warnf("Redis lock unavailable, running without it: %v", err)
		return lock.NoopLocker{}
	}
	return redisLocker
}

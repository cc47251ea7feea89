package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whatsbot/internal/api"
	"whatsbot/internal/constants"
	"whatsbot/internal/credentials"
	"whatsbot/internal/database"
	"whatsbot/internal/dispatch"
	"whatsbot/internal/metrics"
	"whatsbot/internal/models"
	"whatsbot/internal/queue"
	"whatsbot/internal/retry"
	"whatsbot/internal/session"
	"whatsbot/internal/tracing"
	"whatsbot/pkg/whatsapp"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot and its admin API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, cmd.Flags().Changed("config"))
		},
	}
}

func run(ctx context.Context, opts *rootOptions, explicitConfig bool) error {
	logger := newLogger()
	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting whatsbot")

	cfg, watcher, err := loadConfig(opts.configPath, explicitConfig, logger)
	if err != nil {
		return err
	}
	applyLogLevel(logger, cfg.LogLevel, opts.verbose)
	if watcher != nil {
		watcher.OnChange(func(c *models.Config) {
			applyLogLevel(logger, c.LogLevel, opts.verbose)
		})
		watcher.Start()
	}

	tracingManager := tracing.NewManager(cfg.Tracing, logger)
	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	limits := models.UserLimits{
		MaxRAMMB: cfg.Credentials.DefaultMaxRAMMB,
		MaxROMMB: cfg.Credentials.DefaultMaxROMMB,
	}

	var db *database.Database
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})
	err = backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(ctx, cfg.Database, database.Options{DefaultLimits: limits})
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer db.Close()

	creds := credentials.NewStore(db, db, limits, logger)
	sweepEvery := time.Duration(cfg.Credentials.SweepIntervalSec) * time.Second
	if sweepEvery <= 0 {
		sweepEvery = time.Duration(constants.DefaultLimitSweepSec) * time.Second
	}
	go creds.RunSweeper(ctx, sweepEvery)

	userMetrics := metrics.NewUserStore(nil)
	registry := session.NewRegistry()

	var manager *session.Manager
	taskQueue := queue.New(queue.Options{
		TaskTimeout: time.Duration(cfg.Queue.TaskTimeoutSec) * time.Second,
		Recorder:    userMetrics,
		Resolver: func(userID string) (string, bool) {
			return manager.AuthRef(userID)
		},
	}, logger)

	wahaClient := whatsapp.NewClient(cfg.WAHA, logger)
	gateway := whatsapp.NewGateway(wahaClient, logger)
	webhooks := whatsapp.NewWebhookHandler()
	gateway.Register(webhooks)

	manager = session.NewManager(session.ConfigFromModel(cfg.Session), session.Deps{
		Client:   gateway,
		Creds:    creds,
		Registry: registry,
		Users:    db,
		Queue:    taskQueue,
		Metrics:  userMetrics,
		Notifier: buildNotifier(cfg.Notify, registry, db, logger),
	}, logger)

	dispatcher := dispatch.New(taskQueue, manager, creds, userMetrics, dispatch.Options{
		Prefix:      cfg.Session.CommandPrefix,
		AdminNumber: cfg.Notify.AdminNumber,
	}, logger)
	manager.SetHandler(dispatcher)

	if cfg.WAHA.UseWebsocket {
		stream := whatsapp.NewStream(cfg.WAHA.APIBaseURL, cfg.WAHA.APIKey, webhooks, logger)
		go func() {
			if err := stream.Run(ctx); err != nil {
				logger.WithError(err).Error("Gateway event stream stopped")
			}
		}()
	}

	if cfg.Session.RestoreOnStartup {
		go func() {
			if _, err := manager.RestoreAll(ctx); err != nil {
				logger.WithError(err).Warn("Some sessions could not be restored")
			}
		}()
	}

	server := api.NewServer(cfg.Server, cfg.WAHA.WebhookSecret, api.Deps{
		Sessions: manager,
		Channels: db,
		Timings:  userMetrics,
		Health:   db,
		Webhook:  webhooks,
	}, logger)
	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case runErr = <-serverErrCh:
		logger.Error(runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to shutdown server gracefully")
	}
	if err := manager.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Sessions did not stop in time")
	}
	if err := taskQueue.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Queued tasks did not finish in time")
	}

	logger.Info("Shutdown completed")
	return runErr
}

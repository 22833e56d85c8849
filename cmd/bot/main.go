package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tg_activity_bot/internal/access"
	"tg_activity_bot/internal/activity"
	"tg_activity_bot/internal/backup"
	"tg_activity_bot/internal/config"
	"tg_activity_bot/internal/health"
	"tg_activity_bot/internal/logging"
	"tg_activity_bot/internal/registry"
	"tg_activity_bot/internal/stats"
	"tg_activity_bot/internal/store"
	"tg_activity_bot/internal/telegram"
)

const (
	mongoConnectTimeout     = 10 * time.Second
	mongoIndexTimeout       = 5 * time.Second
	mongoDisconnectTimeout  = 5 * time.Second
	sheetsConnectTimeout    = 10 * time.Second
	telegramShutdownTimeout = 10 * time.Second
	healthShutdownTimeout   = 5 * time.Second
)

func main() {
	configOnly := flag.Bool("config-only", false, "load and print configuration then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		os.Exit(1)
	}

	if *configOnly {
		logging.Info("configuration check", logging.Fields{"event": "config_only"})
		fmt.Println("configuration check: ok")
		fmt.Println(config.FormatRedacted(cfg))
		return
	}

	logger.WithFields(logging.Fields{
		"event":    "startup",
		"mongo_db": cfg.MongoDB,
	}).Info("configuration loaded")

	connectCtx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	mongoManager, err := store.NewManager(connectCtx, cfg)
	cancel()
	if err != nil {
		logger.WithError(err).Error("mongo connection error")
		fmt.Fprintf(os.Stderr, "mongo connection error: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "mongo_connect").Info("connected to mongo")

	indexCtx, cancelIndexes := context.WithTimeout(context.Background(), mongoIndexTimeout)
	err = mongoManager.EnsureBaseIndexes(indexCtx)
	cancelIndexes()
	if err != nil {
		logger.WithError(err).Error("mongo index setup error")
		fmt.Fprintf(os.Stderr, "mongo index setup error: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "mongo_indexes").Info("ensured base mongo indexes")

	recorder := activity.NewRecorder(mongoManager.Activity(), cfg.TrackTextLength, logger)
	groupRegistry := registry.NewRegistry(mongoManager.Groups(), mongoManager.GroupAdmins(), logger)
	evaluator := access.NewEvaluator(mongoManager.Groups(), logger)
	statsProvider := stats.NewProvider(mongoManager.Activity())

	deps := telegram.Dependencies{
		Recorder:  recorder,
		Registry:  groupRegistry,
		Evaluator: evaluator,
		Stats:     statsProvider,
	}

	var scheduler *backup.Scheduler
	if cfg.BackupEnabled() {
		sheetsCtx, cancelSheets := context.WithTimeout(context.Background(), sheetsConnectTimeout)
		sheetStore, err := backup.NewSheetStore(sheetsCtx, cfg.GoogleCredentials, cfg.BackupSheetID)
		cancelSheets()
		if err != nil {
			logger.WithError(err).Error("sheets setup error")
			fmt.Fprintf(os.Stderr, "sheets setup error: %v\n", err)
			os.Exit(1)
		}

		bridge := backup.NewBridge(sheetStore, groupRegistry)
		deps.Bridge = bridge
		scheduler = backup.NewScheduler(bridge, time.Duration(cfg.BackupIntervalHours)*time.Hour)

		logger.WithFields(logging.Fields{
			"event":          "backup_ready",
			"interval_hours": cfg.BackupIntervalHours,
		}).Info("backup bridge initialized")
	} else {
		logger.WithField("event", "backup_disabled").Info("no backup sheet configured")
	}

	tgClient, err := telegram.NewClient(cfg, deps)
	if err != nil {
		logger.WithError(err).Error("telegram client setup error")
		fmt.Fprintf(os.Stderr, "telegram client setup error: %v\n", err)
		os.Exit(1)
	}

	logger.WithField("event", "telegram_ready").Info("telegram client initialized")

	healthServer := health.NewServer(cfg.HTTPPort, mongoManager, logger)
	go func() {
		if err := healthServer.ListenAndServe(); err != nil {
			logger.WithError(err).Error("health server error")
		}
	}()

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workCtx, cancelWork := context.WithCancel(context.Background())
	if scheduler != nil {
		go scheduler.Run(workCtx)
	}

	tgDone := make(chan struct{})
	go func() {
		tgClient.Start(workCtx)
		close(tgDone)
	}()

	select {
	case <-signalCtx.Done():
		logger.WithField("event", "shutdown_signal").Info("received termination signal, stopping telegram polling")
	case <-tgDone:
		logger.WithField("event", "telegram_stopped_early").Warn("telegram client stopped before shutdown signal")
	}

	cancelWork()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), telegramShutdownTimeout)
	select {
	case <-tgDone:
	case <-waitCtx.Done():
		logger.WithField("event", "telegram_shutdown_timeout").Warn("timed out waiting for telegram client to stop")
	}
	cancelWait()

	healthCtx, cancelHealth := context.WithTimeout(context.Background(), healthShutdownTimeout)
	if err := healthServer.Shutdown(healthCtx); err != nil {
		logger.WithError(err).Error("health server shutdown error")
	}
	cancelHealth()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	if err := mongoManager.Close(shutdownCtx); err != nil {
		logger.WithError(err).Error("mongo disconnect error")
	} else {
		logger.WithField("event", "mongo_disconnect").Info("mongo client disconnected")
	}
	cancelShutdown()

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
}

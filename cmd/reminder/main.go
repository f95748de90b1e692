// Package main runs the periodic renewal reminder and expiry sweep.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/miniapp-entitlements/internal/adapter"
	"github.com/miniapp-entitlements/internal/config"
	"github.com/miniapp-entitlements/internal/logging"
	"github.com/miniapp-entitlements/internal/metrics"
	"github.com/miniapp-entitlements/internal/service"
	"github.com/miniapp-entitlements/internal/storage"
	"github.com/robfig/cron/v3"
)

func main() {
	once := flag.Bool("once", false, "Run a single sweep and exit")
	flag.Parse()

	fmt.Println("Mini-app Entitlement Reminder")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("component", "reminder")

	metrics.InitMetrics()

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := postgres.EnsureSchema(ctx); err != nil {
		cancel()
		logger.WithError(err).Fatal("Failed to provision schema")
	}
	cancel()

	store := storage.NewStore(postgres)
	lifecycle := service.NewSubscriptionService(store.Users, store.Subscriptions, cfg.Billing, time.Now)

	// Without a notifier the sweep still expires lapsed subscriptions
	var notifier service.Notifier
	if cfg.Notifications.Enabled {
		notifier = adapter.NewPushNotifier(cfg.Notifications.Timeout)
	} else {
		logger.Warn("NOTIFICATIONS_ENABLED is false, only expiring lapsed subscriptions")
	}
	sweeper := service.NewReminderSweeper(store.Users, store.Subscriptions, lifecycle, notifier, cfg.Notifications.AppURL)

	sweep := func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Reminder.Timeout)
		defer cancel()
		ctx = logging.WithLogger(ctx, logger)

		report, err := sweeper.Run(ctx)
		if err != nil {
			logger.WithError(err).Error("Sweep failed")
			return
		}
		logger.WithFields(map[string]interface{}{
			"sent":        report.RemindersSent,
			"skipped":     report.RemindersSkipped,
			"failed":      report.RemindersFailed,
			"expired":     report.Expired,
			"duration_ms": report.Duration.Milliseconds(),
		}).Info("Sweep finished")
	}

	if *once {
		sweep()
		return
	}

	cronLogger := cron.PrintfLogger(logger.Entry())
	scheduler := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := scheduler.AddFunc(cfg.Reminder.Schedule, sweep); err != nil {
		logger.WithError(err).WithField("schedule", cfg.Reminder.Schedule).Fatal("Invalid REMINDER_CRON schedule")
	}

	scheduler.Start()
	logger.WithField("schedule", cfg.Reminder.Schedule).Info("Reminder scheduler started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Stopping scheduler, waiting for a running sweep")
	<-scheduler.Stop().Done()
	logger.Info("Reminder exited")
}

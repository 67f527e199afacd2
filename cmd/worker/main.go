package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/rentwise/rentwise/internal/app"
	"github.com/rentwise/rentwise/internal/billing"
	jobmetrics "github.com/rentwise/rentwise/internal/jobs"
	"github.com/rentwise/rentwise/internal/notify"
	"github.com/rentwise/rentwise/internal/platform/db"
	"github.com/rentwise/rentwise/internal/readings"
	"github.com/rentwise/rentwise/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)

	deliverer := notify.NewDeliverer(
		notify.NewSubscriptionStore(pool),
		notify.NewHTTPPusher(cfg.PushRelayURL, cfg.PushTimeout),
		logger,
	)
	pushJob := jobs.NewPushDeliveryJob(deliverer, logger, metrics)

	resolver := readings.NewResolver(readings.NewRepository(pool), logger)
	billingService := billing.NewService(billing.NewRepository(pool), resolver, logger)
	remindersJob := jobs.NewBillingRemindersJob(
		billingService,
		jobClient,
		notify.NewNotificationStore(pool),
		notify.NewFormatter(cfg.Currency),
		logger,
		metrics,
	)

	remindersTask, err := jobs.NewBillingRemindersTask(jobs.BillingRemindersPayload{})
	if err != nil {
		logger.Error("build reminders task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskNotificationPush, Handler: pushJob.Handle},
			{Type: jobs.TaskBillingReminders, Handler: remindersJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReminderCron, Task: remindersTask, Options: []asynq.Option{asynq.MaxRetry(3), asynq.Queue(jobs.QueueDefault)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

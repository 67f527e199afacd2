package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/rentwise/rentwise/cmd/rentwise/cli"
	"github.com/rentwise/rentwise/internal/app"
	"github.com/rentwise/rentwise/internal/billing"
	"github.com/rentwise/rentwise/internal/lease"
	"github.com/rentwise/rentwise/internal/ledger"
	"github.com/rentwise/rentwise/internal/ledger/gateway"
	"github.com/rentwise/rentwise/internal/notify"
	"github.com/rentwise/rentwise/internal/observability"
	"github.com/rentwise/rentwise/internal/platform/cache"
	"github.com/rentwise/rentwise/internal/platform/db"
	"github.com/rentwise/rentwise/internal/readings"
	"github.com/rentwise/rentwise/internal/review"
	"github.com/rentwise/rentwise/jobs"
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

	if len(os.Args) > 1 {
		if err := cli.Run(ctx, cfg, logger, os.Args[1:], os.Stdout); err != nil {
			logger.Error("command failed", slog.String("command", os.Args[1]), slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.PGDSN, logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer dbpool.Close()

	redisOpts := cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	var locker *cache.Locker
	redisClient, err := cache.New(ctx, redisOpts)
	if err != nil {
		// locks are best-effort, uniqueness constraints stay authoritative
		logger.Warn("redis unavailable, webhook locks disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		locker = cache.NewLocker(redisClient, cfg.LockTTL, cfg.LockWait)
	}

	asynqOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
	jobClient := jobs.NewClient(asynqOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	publisher := notify.NewPublisher(jobClient, logger, cfg.PushTimeout)
	formatter := notify.NewFormatter(cfg.Currency)

	resolver := readings.NewResolver(readings.NewRepository(dbpool), logger)
	billingService := billing.NewService(billing.NewRepository(dbpool), resolver, logger)
	leaseService := lease.NewService(lease.NewRepository(dbpool), cfg.LeasePolicy(), publisher, logger)

	ledgerOpts := []ledger.Option{
		ledger.WithLeaseGate(leaseService),
		ledger.WithEventRecorder(metrics),
		ledger.WithFormatter(formatter),
	}
	if cfg.GatewaySecretKey != "" {
		ledgerOpts = append(ledgerOpts, ledger.WithFeeLookup(
			gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewaySecretKey, cfg.GatewayTimeout), cfg.GatewayTimeout))
	}
	if locker != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithLocker(locker))
	}
	ledgerService := ledger.NewService(
		ledger.NewRepository(dbpool),
		publisher,
		ledger.NewTokenVerifier(cfg.GatewayCallbackToken),
		logger,
		ledgerOpts...,
	)
	reviewService := review.NewService(review.NewRepository(dbpool), publisher, leaseService, metrics, formatter, logger)

	inspector := asynq.NewInspector(asynqOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		ReadingsHandler: readings.NewHandler(logger, resolver),
		BillingHandler:  billing.NewHandler(logger, billingService),
		LedgerHandler:   ledger.NewHandler(logger, ledgerService),
		ReviewHandler:   review.NewHandler(logger, reviewService),
		LeaseHandler:    lease.NewHandler(logger, leaseService),
		JobHandler:      jobs.NewHandler(inspector, logger),
		Metrics:         metrics,
		Ready: func(r *http.Request) error {
			return dbpool.Ping(r.Context())
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

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

	"github.com/DanielPopoola/ficmart-ticketing/internal/adapters/broker"
	"github.com/DanielPopoola/ficmart-ticketing/internal/adapters/cache"
	"github.com/DanielPopoola/ficmart-ticketing/internal/adapters/gateway"
	"github.com/DanielPopoola/ficmart-ticketing/internal/adapters/handler"
	"github.com/DanielPopoola/ficmart-ticketing/internal/adapters/handler/middleware"
	"github.com/DanielPopoola/ficmart-ticketing/internal/adapters/postgres"
	"github.com/DanielPopoola/ficmart-ticketing/internal/adapters/queue"
	"github.com/DanielPopoola/ficmart-ticketing/internal/config"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/provider"
	"github.com/DanielPopoola/ficmart-ticketing/internal/core/service"
	"github.com/DanielPopoola/ficmart-ticketing/internal/worker"
	"github.com/hibiken/asynq"
)

const shutdownGrace = 30 * time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("ticketing: invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := cfg.Logger.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ticketing stopped with error", "error", err)
		os.Exit(1)
	}
}

// run wires the service and blocks until ctx is cancelled or the HTTP
// listener fails. Deferred closes run in reverse dependency order.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting ticketing service",
		"env", cfg.Primary.Env,
		"port", cfg.Server.Port,
	)

	db, err := postgres.Connect(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer db.Close()
	store := postgres.NewStore(db)

	redisClient, err := cache.Connect(ctx, cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisClient.Close()

	publisher, err := broker.Dial(cfg.Broker, logger)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer publisher.Close()

	redisOpt := queue.RedisOpt(cfg.Redis)
	taskClient := asynq.NewClient(redisOpt)
	defer taskClient.Close()
	enqueuer := queue.NewEnqueuer(taskClient, cfg.Queue, logger)

	settings := config.NewProviderSettings(cfg.Providers)
	registry, err := provider.NewRegistry(settings, gateway.All(settings)...)
	if err != nil {
		return fmt.Errorf("provider registry: %w", err)
	}

	locks := worker.NewKeyedMutex()
	reservations := service.NewReservationService(
		service.NewLedger(store, logger),
		store,
		registry,
		enqueuer, // confirmation notifier
		publisher,
		enqueuer, // discard queue
		cfg.Webhook.GatewayTimeout,
		logger,
	)
	pipeline := service.NewWebhookPipeline(
		registry,
		reservations,
		store,
		cache.NewDedupe(redisClient, cfg.Redis.DedupeTTL),
		locks,
		cfg.Webhook.GatewayTimeout,
		logger,
	)
	reconciler := worker.NewReconciler(store, registry, reservations, locks, worker.Options{
		BatchSize:      cfg.Reconciler.BatchSize,
		Concurrency:    cfg.Reconciler.Concurrency,
		Lease:          cfg.Reconciler.Lease,
		OfflineGrace:   cfg.Reconciler.OfflineGrace,
		GatewayTimeout: cfg.Reconciler.GatewayTimeout,
	}, logger)

	taskMux := asynq.NewServeMux()
	queue.NewHandlers(reconciler, reservations, logger).Register(taskMux)
	taskServer := queue.NewServer(redisOpt, cfg.Queue, logger)
	if err := taskServer.Start(taskMux); err != nil {
		return fmt.Errorf("task server: %w", err)
	}
	defer taskServer.Shutdown()

	scheduler := queue.NewScheduler(redisOpt, cfg.Reconciler.Interval, cfg.Queue.ReconcileTaskRetry, logger)
	if err := scheduler.Register(); err != nil {
		return fmt.Errorf("register reconciliation schedule: %w", err)
	}
	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	defer scheduler.Shutdown()

	routes := http.NewServeMux()
	handler.NewHandler(pipeline, reservations, worker.NewPool(cfg.Webhook.Workers), logger).RegisterRoutes(routes)

	srv := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: middleware.Chain(routes,
			middleware.Timeout(cfg.Server.WriteTimeout),
			middleware.Logging(logger),
			middleware.Recovery(logger),
		),
		ReadTimeout:  cfg.Server.ReadTimeout,
		// Leave room for the timeout middleware to write its 503.
		WriteTimeout: cfg.Server.WriteTimeout + time.Second,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("http listener up", "addr", srv.Addr)
		listenErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-listenErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http listener: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("signal received, draining requests", "grace", shutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http drain incomplete", "error", err)
	}
	return nil
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rowanvale/iduna/internal"
	"github.com/rowanvale/iduna/internal/billing"
	"github.com/rowanvale/iduna/internal/catalog"
	"github.com/rowanvale/iduna/internal/handler"
	"github.com/rowanvale/iduna/internal/notify"
	"github.com/rowanvale/iduna/internal/service"
	"github.com/rowanvale/iduna/internal/store"
	"github.com/rowanvale/iduna/internal/telemetry"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Initialize database/sql connection for migrations
	logger.Info("Connecting to database...")
	sqlDB, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	logger.Info("Database connection established")

	// Run migrations
	logger.Info("Running database migrations...")
	if err := internal.RunMigrations(sqlDB); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info("Database migrations completed successfully")

	// Initialize pgx connection pool for application
	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	st := store.NewPostgresStore(pool)

	// Initialize payment gateway
	var gateway billing.Gateway
	if cfg.Stripe.Enabled {
		logger.Info("Initializing Stripe gateway...")
		stripeGateway, err := billing.NewStripeGateway(billing.StripeConfig{
			APIKey: cfg.Stripe.SecretKey,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize Stripe gateway: %w", err)
		}
		gateway = stripeGateway
		logger.Info("Stripe gateway initialized")
	} else {
		logger.Warn("No Stripe key configured, using mock gateway")
		gateway = billing.NewMockGateway()
	}

	// Initialize notification sink
	var sink notify.Sink
	if cfg.NATSUrl != "" {
		logger.Info("Connecting to NATS...", "url", cfg.NATSUrl)
		natsSink, err := notify.NewNATSSink(cfg.NATSUrl)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsSink.Close()
		sink = natsSink
		logger.Info("NATS sink initialized")
	} else {
		logger.Warn("No NATS URL configured, logging notifications instead")
		sink = notify.NewLogSink(logger)
	}

	// Catalog gate. The marketplace catalog service client plugs in here;
	// the mock serves local development.
	// TODO: replace with the catalog service gRPC client once its API ships
	gate := catalog.NewMockGate()

	// Initialize metrics
	metrics := telemetry.NewMetrics(cfg.Metrics.Namespace)

	// Initialize services
	policy := service.RetryPolicy{
		MaxAttempts: cfg.Renewal.MaxAttempts,
		RetryDelay:  cfg.Renewal.RetryDelay,
	}
	executor := service.NewExecutor(st, gate, gateway, sink, policy, metrics, logger)
	executor.Currency = cfg.Renewal.Currency

	scheduler := service.NewScheduler(service.SchedulerConfig{
		SweepInterval:  cfg.Renewal.SweepInterval,
		MaxConcurrency: cfg.Renewal.MaxConcurrency,
		ClaimTTL:       cfg.Renewal.ClaimTTL,
	}, st, executor, metrics, logger)

	subscriptionService := service.NewSubscriptionService(st, gateway, metrics, logger)

	// Start the renewal scheduler
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	// HTTP ops API
	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	handler.NewSubscriptionHandler(subscriptionService, logger).Register(e)

	e.GET("/healthz", func(c echo.Context) error {
		if err := pool.Ping(c.Request().Context()); err != nil {
			return c.String(http.StatusServiceUnavailable, "database unavailable")
		}
		return c.String(http.StatusOK, "OK")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	addr := fmt.Sprintf(":%d", cfg.Port)
	go func() {
		logger.Info("Starting server", "address", addr)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	select {
	case <-schedulerDone:
	case <-shutdownCtx.Done():
		logger.Warn("scheduler did not stop before shutdown deadline")
	}

	logger.Info("Shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

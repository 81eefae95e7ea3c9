package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/visualdiff-farm/internal/config"
	"github.com/cuongbtq/visualdiff-farm/internal/results"
	"github.com/cuongbtq/visualdiff-farm/internal/results/handler"
	"github.com/cuongbtq/visualdiff-farm/internal/results/router"
	"github.com/cuongbtq/visualdiff-farm/internal/results/storage"
	"github.com/cuongbtq/visualdiff-farm/shared/health"
	"github.com/cuongbtq/visualdiff-farm/shared/logger"
	"github.com/cuongbtq/visualdiff-farm/shared/metrics"
	"github.com/cuongbtq/visualdiff-farm/shared/postgresql"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("RESULT_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/result-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateResultConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	appLogger = appLogger.With(slog.String("service", "result-service"))

	appLogger.Info("Starting result service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(ctx, &cfg.Database, appLogger.Component("postgresql"))
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	if err := dbClient.Migrate(ctx, storage.Migrations()); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	appLogger.Info("Database connection established")

	store := storage.NewStorage(dbClient)

	deliverer := results.NewDeliverer(&results.DelivererConfig{
		Logger:          appLogger.Component("deliverer"),
		Store:           store,
		IdleInterval:    cfg.Results.IdleInterval,
		Backoff:         cfg.Results.Backoff,
		DeliveryTimeout: cfg.Results.DeliveryTimeout,
	})

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, store, dbClient)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start the delivery loop in a goroutine
	done := make(chan error, 1)
	go func() {
		done <- deliverer.Run(ctx)
	}()

	appLogger.Info("Result service is running",
		slog.String("address", addr),
	)

	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down result service...")
	case err := <-errChan:
		appLogger.Error("Server failed", slog.Any("error", err))
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
	}

	select {
	case <-done:
		appLogger.Info("Delivery loop stopped")
	case <-shutdownCtx.Done():
		appLogger.Warn("Delivery loop shutdown timeout exceeded")
	}

	appLogger.Info("Result service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.RFC3339
	}

	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   timeFormat,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectRetries:  cfg.ConnectRetries,
		RetryInterval:   cfg.RetryInterval,
	}

	return postgresql.NewClient(ctx, dbConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, store *storage.Storage, dbClient *postgresql.Client) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:     logger,
		Store:      store,
		FetchLimit: cfg.Results.FetchLimit,
	}

	probes := health.NewHandler("result-service", map[string]health.Check{
		"postgres": dbClient.HealthCheck,
	})

	return router.SetupRouter(handlerDeps, probes)
}

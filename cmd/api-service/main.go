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
	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/visualdiff-farm/internal/api/dedup"
	"github.com/cuongbtq/visualdiff-farm/internal/api/handler"
	"github.com/cuongbtq/visualdiff-farm/internal/api/router"
	"github.com/cuongbtq/visualdiff-farm/internal/config"
	"github.com/cuongbtq/visualdiff-farm/shared/health"
	"github.com/cuongbtq/visualdiff-farm/shared/logger"
	"github.com/cuongbtq/visualdiff-farm/shared/metrics"
	"github.com/cuongbtq/visualdiff-farm/shared/rabbitmq"
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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	appLogger = appLogger.With(slog.String("service", "api-service"))

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	// Initialize RabbitMQ client with a channel per supported browser
	rabbitClient := initRabbitMQ(&cfg.RabbitMQ, appLogger.Component("rabbitmq"))
	defer rabbitClient.Close()

	if err := rabbitClient.ConnectAndWait(ctx, cfg.RabbitMQ.Connection.WaitRetries, cfg.RabbitMQ.Connection.WaitInterval); err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Initialize Redis duplicate guard
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	guard := dedup.NewGuard(redisClient, cfg.Redis.DedupTTL)

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	err = guard.Ping(pingCtx)
	pingCancel()
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	appLogger.Info("Redis connection established", slog.String("addr", cfg.Redis.Addr))

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, rabbitClient, guard)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	case err := <-errChan:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
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

// initRabbitMQ builds the RabbitMQ client for every configured channel
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) *rabbitmq.Client {
	rabbitConfig := &rabbitmq.Config{
		Name:              "api",
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		Heartbeat:         cfg.Connection.Heartbeat,
		ConnectionTimeout: cfg.Connection.ConnectionTimeout,
		RetryInterval:     cfg.Connection.RetryInterval,
		ExchangeType:      cfg.ExchangeType,
		PrefetchCount:     cfg.Consumer.PrefetchCount,
	}

	for _, ch := range cfg.Channels {
		rabbitConfig.Channels = append(rabbitConfig.Channels, rabbitmq.ChannelConfig{
			Name:         ch.Name,
			QueueName:    ch.Queue,
			ExchangeName: ch.Exchange,
			RoutingKey:   ch.RoutingKey,
		})
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, rabbitClient *rabbitmq.Client, guard *dedup.Guard) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize handler dependencies
	handlerDeps := &handler.Dependencies{
		Logger:            logger,
		Publisher:         rabbitClient,
		Guard:             guard,
		DefaultBrowser:    cfg.Ingress.DefaultBrowser,
		SupportedBrowsers: cfg.Ingress.SupportedBrowsers,
		RuntimeRoot:       cfg.Ingress.RuntimeRoot,
		ResultServiceURL:  cfg.Ingress.ResultServiceURL,
		ProxyTimeout:      cfg.Ingress.ProxyTimeout,
	}

	probes := health.NewHandler("api-service", map[string]health.Check{
		"rabbitmq": func(ctx context.Context) error {
			if !rabbitClient.ChannelsReady() {
				return fmt.Errorf("rabbitmq %s", rabbitClient.State())
			}
			return nil
		},
		"redis": guard.Ping,
	})

	// Setup router
	return router.SetupRouter(handlerDeps, probes)
}

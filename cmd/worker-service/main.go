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
	"slices"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/visualdiff-farm/internal/config"
	"github.com/cuongbtq/visualdiff-farm/internal/worker"
	"github.com/cuongbtq/visualdiff-farm/internal/worker/engine"
	"github.com/cuongbtq/visualdiff-farm/internal/worker/sink"
	"github.com/cuongbtq/visualdiff-farm/shared/archive"
	"github.com/cuongbtq/visualdiff-farm/shared/health"
	"github.com/cuongbtq/visualdiff-farm/shared/logger"
	"github.com/cuongbtq/visualdiff-farm/shared/metrics"
	"github.com/cuongbtq/visualdiff-farm/shared/middleware"
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
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	appLogger = appLogger.With(slog.String("service", "worker-service"), slog.String("browser", cfg.Worker.Browser))

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("runner", cfg.Worker.Runner),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Register()

	// Initialize RabbitMQ client with the channel of this worker class only
	rabbitClient := initRabbitMQ(&cfg.RabbitMQ, "worker-"+cfg.Worker.Browser, appLogger.Component("rabbitmq"), cfg.Worker.Browser)
	defer rabbitClient.Close()

	if err := rabbitClient.ConnectAndWait(ctx, cfg.RabbitMQ.Connection.WaitRetries, cfg.RabbitMQ.Connection.WaitInterval); err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Initialize engine runner
	runner, closeRunner, err := initRunner(&cfg.Worker, appLogger.Component("engine"))
	if err != nil {
		return fmt.Errorf("failed to initialize engine runner: %w", err)
	}
	defer closeRunner()

	processorCfg := &worker.ProcessorConfig{
		Logger:         appLogger.Component("processor"),
		Browser:        cfg.Worker.Browser,
		RuntimeRoot:    cfg.Worker.RuntimeRoot,
		ScriptsRoot:    cfg.Worker.ScriptsRoot,
		ResultsBaseURL: cfg.Worker.ResultsBaseURL,
		Capabilities:   capabilities(&cfg.Worker.Capabilities),
		Runner:         runner,
		Sink: sink.NewClient(sink.Config{
			BaseURL: cfg.Worker.ResultServiceURL,
			Timeout: cfg.Worker.SubmitTimeout,
		}, appLogger.Component("sink")),
		DeliverTimeout: 4 * cfg.Worker.SubmitTimeout,
	}

	// Report archiving is optional
	archiveCfg := archiveConfig(&cfg.Worker.Archive)
	if archiveCfg.Enabled() {
		archiver, err := archive.New(ctx, archiveCfg, appLogger.Component("archive"))
		if err != nil {
			return fmt.Errorf("failed to initialize report archive: %w", err)
		}
		processorCfg.Archiver = archiver
		appLogger.Info("Report archiving enabled", slog.String("bucket", archiveCfg.Bucket))
	}

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:        appLogger.Component("worker"),
		Queue:         rabbitClient,
		Processor:     worker.NewProcessor(processorCfg),
		Channel:       cfg.Worker.Browser,
		Browser:       cfg.Worker.Browser,
		PollInterval:  cfg.Worker.PollInterval,
		ShutdownGrace: cfg.Worker.ShutdownGrace,
	})

	// Health and metrics server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      initRouter(cfg.App.Environment, appLogger.Logger, rabbitClient),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("health server failed: %w", err)
		}
	}()

	// Start worker in a goroutine
	done := make(chan error, 1)
	go func() {
		done <- workerInstance.Start(ctx)
	}()

	appLogger.Info("Worker service started successfully",
		slog.String("address", srv.Addr),
	)

	select {
	case <-ctx.Done():
		appLogger.Info("Received signal, shutting down gracefully")
	case err := <-errChan:
		appLogger.Error("Worker service error", slog.Any("error", err))
		stop()
	}

	// The worker gives a running job the shutdown grace before aborting it
	select {
	case err := <-done:
		if err != nil {
			appLogger.Error("Worker stopped with error", slog.Any("error", err))
		} else {
			appLogger.Info("Worker stopped gracefully",
				slog.Int64("processed", workerInstance.Processed()),
			)
		}
	case <-time.After(cfg.Worker.ShutdownGrace + cfg.Server.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Health server forced to shutdown", slog.Any("error", err))
	}

	appLogger.Info("Worker service shutdown complete")
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

// initRabbitMQ builds the RabbitMQ client for the named channels, or every configured channel when none are named
func initRabbitMQ(cfg *config.RabbitMQConfig, name string, logger *slog.Logger, channels ...string) *rabbitmq.Client {
	rabbitConfig := &rabbitmq.Config{
		Name:              name,
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
		if len(channels) > 0 && !slices.Contains(channels, ch.Name) {
			continue
		}
		rabbitConfig.Channels = append(rabbitConfig.Channels, rabbitmq.ChannelConfig{
			Name:         ch.Name,
			QueueName:    ch.Queue,
			ExchangeName: ch.Exchange,
			RoutingKey:   ch.RoutingKey,
		})
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRunner creates the engine runner selected in the config
func initRunner(cfg *config.WorkerConfig, logger *slog.Logger) (engine.Runner, func(), error) {
	switch cfg.Runner {
	case config.RunnerDocker:
		var binds []string
		if cfg.ScriptsRoot != "" {
			binds = append(binds, cfg.ScriptsRoot+":"+cfg.ScriptsRoot+":ro")
		}

		runner, err := engine.NewDockerRunner(engine.DockerRunnerConfig{
			Image:   cfg.Docker.Image,
			Host:    cfg.Docker.Host,
			Pull:    cfg.Docker.Pull,
			Network: cfg.Docker.Network,
			Binds:   binds,
			Timeout: cfg.CommandTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return runner, func() { runner.Close() }, nil

	default:
		runner := engine.NewCommandRunner(engine.CommandRunnerConfig{
			Binary:  cfg.Command.Binary,
			Xvfb:    cfg.Command.Xvfb,
			Timeout: cfg.CommandTimeout,
		}, logger)
		return runner, func() {}, nil
	}
}

// initRouter serves the probes and metrics of the worker
func initRouter(environment string, logger *slog.Logger, rabbitClient *rabbitmq.Client) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	probes := health.NewHandler("worker-service", map[string]health.Check{
		"rabbitmq": func(ctx context.Context) error {
			if !rabbitClient.ChannelsReady() {
				return fmt.Errorf("rabbitmq %s", rabbitClient.State())
			}
			return nil
		},
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(logger, "/health", "/metrics"))

	probes.Register(r)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	return r
}

func capabilities(cfg *config.CapabilityConfig) worker.Capabilities {
	return worker.Capabilities{
		Engine:            cfg.Engine,
		EngineOptionsKey:  cfg.EngineOptionsKey,
		EngineOptions:     cfg.EngineOptions,
		ScriptsFolder:     cfg.ScriptsFolder,
		AsyncCaptureLimit: cfg.AsyncCaptureLimit,
		AsyncCompareLimit: cfg.AsyncCompareLimit,
		Debug:             cfg.Debug,
		DebugWindow:       cfg.DebugWindow,
	}
}

func archiveConfig(cfg *config.ArchiveConfig) *archive.Config {
	return &archive.Config{
		Bucket:        cfg.Bucket,
		Region:        cfg.Region,
		Endpoint:      cfg.Endpoint,
		PathStyle:     cfg.PathStyle,
		Prefix:        cfg.Prefix,
		PublicBaseURL: cfg.PublicBaseURL,
	}
}

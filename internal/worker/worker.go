package worker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/visualdiff-farm/internal/worker/domain"
	"github.com/cuongbtq/visualdiff-farm/shared/rabbitmq"
)

// Queue is the part of the rabbitmq client the worker polls
type Queue interface {
	Read(ctx context.Context, channelName string, v any) error
	Reconnect(ctx context.Context) (rabbitmq.Connection, error)
}

// JobProcessor runs a single job to completion
type JobProcessor interface {
	Process(ctx context.Context, job *domain.JobMessage) *domain.Envelope
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	Queue         Queue
	Processor     JobProcessor
	Channel       string
	Browser       string
	PollInterval  time.Duration
	ShutdownGrace time.Duration
}

// Worker polls one browser queue and processes one job at a time
type Worker struct {
	logger        *slog.Logger
	queue         Queue
	processor     JobProcessor
	channel       string
	browser       string
	pollInterval  time.Duration
	shutdownGrace time.Duration

	busy      atomic.Bool
	processed atomic.Int64
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:        cfg.Logger,
		queue:         cfg.Queue,
		processor:     cfg.Processor,
		channel:       cfg.Channel,
		browser:       cfg.Browser,
		pollInterval:  cfg.PollInterval,
		shutdownGrace: cfg.ShutdownGrace,
	}
}

// Start polls the queue until ctx is canceled.
// A job in flight when ctx ends gets the shutdown grace period to finish.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("browser", w.browser),
		slog.String("channel", w.channel),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Duration("shutdown_grace", w.shutdownGrace),
	)

	for {
		if ctx.Err() != nil {
			w.logger.Info("Worker context canceled, stopping...",
				slog.Int64("processed", w.processed.Load()),
			)
			return nil
		}

		job, ok := w.poll(ctx)
		if !ok {
			continue
		}

		w.runJob(ctx, job)
	}
}

// Busy reports whether a job is being processed
func (w *Worker) Busy() bool {
	return w.busy.Load()
}

// Processed returns the number of jobs processed since start
func (w *Worker) Processed() int64 {
	return w.processed.Load()
}

func (w *Worker) runJob(ctx context.Context, job *domain.JobMessage) {
	w.busy.Store(true)
	defer w.busy.Store(false)

	jobCtx, cancel := w.jobContext(ctx)
	defer cancel()

	w.processor.Process(jobCtx, job)
	w.processed.Add(1)
}

// jobContext detaches the job from ctx and cancels it shutdownGrace after ctx ends
func (w *Worker) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	stop := context.AfterFunc(ctx, func() {
		w.logger.Warn("Shutdown requested while a job is running",
			slog.Duration("grace", w.shutdownGrace),
		)
		timer := time.NewTimer(w.shutdownGrace)
		defer timer.Stop()

		select {
		case <-timer.C:
			w.logger.Warn("Shutdown grace expired, aborting job")
			cancel()
		case <-jobCtx.Done():
		}
	})

	return jobCtx, func() {
		stop()
		cancel()
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cuongbtq/visualdiff-farm/internal/worker/domain"
	"github.com/cuongbtq/visualdiff-farm/shared/metrics"
	"github.com/cuongbtq/visualdiff-farm/shared/rabbitmq"
)

// poll reads one job from the queue. It returns false when there is nothing to
// process, after sleeping or reconnecting as the read result requires.
func (w *Worker) poll(ctx context.Context) (*domain.JobMessage, bool) {
	var job domain.JobMessage

	err := w.queue.Read(ctx, w.channel, &job)
	switch {
	case err == nil:
		metrics.QueuePolls.WithLabelValues(w.browser, "job").Inc()
		w.logger.Debug("Job received", slog.String("job_id", job.ID))
		return &job, true

	case errors.Is(err, rabbitmq.ErrEmptyQueue):
		metrics.QueuePolls.WithLabelValues(w.browser, "empty").Inc()
		w.sleep(ctx, w.pollInterval)
		return nil, false

	case errors.Is(err, rabbitmq.ErrMalformedMessage):
		// already acked by the client, move on to the next message
		metrics.QueuePolls.WithLabelValues(w.browser, "malformed").Inc()
		w.logger.Error("Dropped malformed job message", slog.Any("error", err))
		return nil, false

	case ctx.Err() != nil:
		return nil, false
	}

	metrics.QueuePolls.WithLabelValues(w.browser, "error").Inc()
	w.logger.Error("Failed to read from queue, reconnecting",
		slog.String("channel", w.channel),
		slog.Any("error", err),
	)
	w.reconnect(ctx)
	return nil, false
}

func (w *Worker) reconnect(ctx context.Context) {
	if _, err := w.queue.Reconnect(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("Failed to reconnect to broker", slog.Any("error", err))
		w.sleep(ctx, w.pollInterval)
		return
	}
	w.logger.Info("Reconnected to broker", slog.String("channel", w.channel))
}

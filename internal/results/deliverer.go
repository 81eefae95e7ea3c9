// Package results pushes stored result envelopes to the callback of the job origin.
package results

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/visualdiff-farm/internal/results/domain"
	"github.com/cuongbtq/visualdiff-farm/internal/results/model"
	"github.com/cuongbtq/visualdiff-farm/internal/results/storage"
	"github.com/cuongbtq/visualdiff-farm/shared/metrics"
)

// DeliveryStore is the part of the results storage the delivery loop needs
type DeliveryStore interface {
	NextEligible(ctx context.Context, now time.Time) (*model.Result, error)
	MarkSent(ctx context.Context, id int64, sentAt time.Time) error
	MarkFailed(ctx context.Context, id int64, message string, waitUntil time.Time) error
}

// DelivererConfig holds delivery loop settings
type DelivererConfig struct {
	Logger          *slog.Logger
	Store           DeliveryStore
	IdleInterval    time.Duration
	Backoff         time.Duration
	DeliveryTimeout time.Duration
}

// Deliverer sends one result at a time to its callback url
type Deliverer struct {
	logger       *slog.Logger
	store        DeliveryStore
	httpClient   *http.Client
	idleInterval time.Duration
	backoff      time.Duration

	now func() time.Time
}

// NewDeliverer creates a new delivery loop
func NewDeliverer(cfg *DelivererConfig) *Deliverer {
	idle := cfg.IdleInterval
	if idle <= 0 {
		idle = 3 * time.Second
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 30 * time.Second
	}

	return &Deliverer{
		logger:       cfg.Logger,
		store:        cfg.Store,
		httpClient:   &http.Client{Timeout: cfg.DeliveryTimeout},
		idleInterval: idle,
		backoff:      backoff,
		now:          time.Now,
	}
}

// Run delivers results until ctx is canceled
func (d *Deliverer) Run(ctx context.Context) error {
	d.logger.Info("Starting result delivery loop",
		slog.Duration("idle_interval", d.idleInterval),
		slog.Duration("backoff", d.backoff),
	)

	for {
		if ctx.Err() != nil {
			d.logger.Info("Delivery loop context canceled, stopping...")
			return nil
		}

		if !d.DeliverNext(ctx) {
			select {
			case <-ctx.Done():
			case <-time.After(d.idleInterval):
			}
		}
	}
}

// DeliverNext attempts the next eligible result. It returns false when there was
// nothing to attempt.
func (d *Deliverer) DeliverNext(ctx context.Context) bool {
	result, err := d.store.NextEligible(ctx, d.now())
	if err != nil {
		if !errors.Is(err, storage.ErrRecordNotFound) && ctx.Err() == nil {
			d.logger.Error("Failed to select next result", slog.Any("error", err))
		}
		return false
	}

	logger := d.logger.With(
		slog.Int64("result_id", result.ID),
		slog.String("uuid", result.UUID),
		slog.String("origin", result.Origin),
	)

	if err := domain.CheckTransition(result.Status, domain.StatusOK); err != nil {
		logger.Warn("Skipping result in terminal state", slog.Any("error", err))
		return false
	}

	if err := d.send(ctx, result); err != nil {
		metrics.Deliveries.WithLabelValues("failure").Inc()
		waitUntil := d.now().Add(d.backoff)

		logger.Warn("Result delivery failed",
			slog.Any("error", err),
			slog.Time("wait_until", waitUntil),
		)

		if err := d.store.MarkFailed(ctx, result.ID, err.Error(), waitUntil); err != nil {
			d.logMarkError(logger, err)
		}
		return true
	}

	metrics.Deliveries.WithLabelValues("success").Inc()
	logger.Info("Result delivered", slog.String("callback_url", result.CallbackURL))

	if err := d.store.MarkSent(ctx, result.ID, d.now()); err != nil {
		d.logMarkError(logger, err)
	}
	return true
}

func (d *Deliverer) logMarkError(logger *slog.Logger, err error) {
	if errors.Is(err, storage.ErrRecordNotFound) {
		logger.Info("Result was already handed out through fetch")
		return
	}
	logger.Error("Failed to update result status", slog.Any("error", err))
}

func (d *Deliverer) send(ctx context.Context, result *model.Result) error {
	if result.CallbackURL == "" {
		return fmt.Errorf("%w: no callback url", domain.ErrDeliveryFailed)
	}

	body, err := payload(result)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, result.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: callback returned %d: %s", domain.ErrDeliveryFailed, resp.StatusCode, respBody)
	}

	return nil
}

// payload is the stored envelope with the result uuid set
func payload(result *model.Result) ([]byte, error) {
	var body map[string]any
	if err := json.Unmarshal(result.RawPayload, &body); err != nil || body == nil {
		return nil, fmt.Errorf("%w: stored payload is not a JSON object", domain.ErrDeliveryFailed)
	}
	body["uuid"] = result.UUID

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

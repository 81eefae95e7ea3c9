// Package sink submits result envelopes to the result-service.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/visualdiff-farm/internal/worker/domain"
)

// AddPath is the ingestion endpoint of the result-service
const AddPath = "/api/v1/result/add"

// Config holds sink client settings
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	Attempts      int
	RetryInterval time.Duration
}

// Client posts envelopes to the result-service
type Client struct {
	url           string
	httpClient    *http.Client
	attempts      int
	retryInterval time.Duration
	logger        *slog.Logger
}

// NewClient creates a new sink client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 3
	}
	retryInterval := cfg.RetryInterval
	if retryInterval <= 0 {
		retryInterval = 2 * time.Second
	}

	return &Client{
		url:           strings.TrimRight(cfg.BaseURL, "/") + AddPath,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
		attempts:      attempts,
		retryInterval: retryInterval,
		logger:        logger,
	}
}

// Submit stores the envelope in the result-service.
// Transient failures are retried a few times; a duplicate uuid counts as stored.
func (c *Client) Submit(ctx context.Context, env *domain.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	for attempt := 1; ; attempt++ {
		err = c.post(ctx, body)
		if err == nil {
			c.logger.Info("Result submitted",
				slog.String("uuid", env.UUID),
				slog.String("job_id", env.Metadata.ID),
			)
			return nil
		}

		if !domain.IsRetryable(err) || attempt >= c.attempts {
			return err
		}

		c.logger.Warn("Result submission failed, retrying",
			slog.String("uuid", env.UUID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to submit result: %w", ctx.Err())
		case <-time.After(c.retryInterval):
		}
	}
}

func (c *Client) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewRetryableError(fmt.Errorf("failed to submit result: %w", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		c.logger.Warn("Result already stored", slog.String("response", string(respBody)))
		return nil
	case resp.StatusCode >= 500:
		return domain.NewRetryableError(fmt.Errorf("result service returned %d: %s", resp.StatusCode, respBody))
	default:
		return fmt.Errorf("result service returned %d: %s", resp.StatusCode, respBody)
	}
}

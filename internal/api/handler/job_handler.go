package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/visualdiff-farm/internal/api/domain"
	"github.com/cuongbtq/visualdiff-farm/internal/api/dto"
	jobdomain "github.com/cuongbtq/visualdiff-farm/internal/worker/domain"
	"github.com/cuongbtq/visualdiff-farm/shared/metrics"
)

// CreateJob handles POST /api/v1/jobs
// Validates the job and publishes it to the queue of its worker class
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		h.reject(c, http.StatusBadRequest, domain.RejectInvalid, "Invalid request body")
		return
	}

	if req.Browser == "" {
		req.Browser = h.defaultBrowser
	}

	var problems []string
	var validationErr *jobdomain.ValidationError
	if err := req.Validate(); errors.As(err, &validationErr) {
		problems = append(problems, validationErr.Problems...)
	}

	reason := domain.RejectInvalid
	if !domain.Supported(req.Browser, h.supportedBrowsers) {
		problems = append(problems, fmt.Sprintf("%s: %q", domain.ErrUnsupportedBrowser, req.Browser))
		if len(problems) == 1 {
			reason = domain.RejectUnsupportedBrowser
		}
	}

	if len(problems) > 0 {
		h.logger.Warn("Job rejected",
			slog.String("job_id", req.ID),
			slog.Any("problems", problems),
		)
		h.reject(c, http.StatusBadRequest, reason, problems...)
		return
	}

	ctx := c.Request.Context()
	logger := h.logger.With(
		slog.String("job_id", req.ID),
		slog.String("browser", req.Browser),
	)

	claimed, err := h.guard.Claim(ctx, req.ID)
	if err != nil {
		logger.Error("Duplicate guard unavailable", slog.String("error", err.Error()))
		metrics.JobsRejected.WithLabelValues(domain.RejectGuardUnavailable).Inc()
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}
	if !claimed {
		logger.Warn("Duplicate job id")
		h.reject(c, http.StatusConflict, domain.RejectDuplicate, fmt.Sprintf("%s: %s", domain.ErrDuplicateJob, req.ID))
		return
	}

	if err := h.publisher.Write(ctx, req.Browser, &req); err != nil {
		logger.Error("Failed to publish job", slog.String("error", err.Error()))
		if releaseErr := h.guard.Release(ctx, req.ID); releaseErr != nil {
			logger.Error("Failed to release job id", slog.String("error", releaseErr.Error()))
		}
		metrics.JobsRejected.WithLabelValues(domain.RejectPublishFailed).Inc()
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	metrics.JobsEnqueued.WithLabelValues(req.Browser).Inc()
	logger.Info("Job enqueued",
		slog.Int("viewports", len(req.Viewports)),
		slog.Int("scenarios", len(req.Scenarios)),
		slog.String("origin", req.Origin),
	)

	c.JSON(http.StatusOK, &req)
}

func (h *JobHandler) reject(c *gin.Context, status int, reason string, problems ...string) {
	metrics.JobsRejected.WithLabelValues(reason).Inc()
	c.JSON(status, dto.ErrorsResponse{Errors: problems})
}

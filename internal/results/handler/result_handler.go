package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/visualdiff-farm/internal/results/dto"
	"github.com/cuongbtq/visualdiff-farm/internal/results/model"
	"github.com/cuongbtq/visualdiff-farm/internal/results/storage"
	"github.com/cuongbtq/visualdiff-farm/shared/metrics"
)

// Validation messages of the fetch endpoint
const (
	MessageEmptyBody     = "The request body is empty."
	MessageOriginMissing = "The origin field is required and cannot be empty."
	MessageUUIDsMissing  = "The testUuids field is required and cannot be empty."
)

// AddResult handles POST /api/v1/result/add
// Stores a result envelope submitted by a worker in the waiting state
func (h *ResultHandler) AddResult(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": MessageEmptyBody})
		return
	}

	var req dto.AddResultRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Error("Invalid result body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"message": "Invalid request body"})
		return
	}
	if req.UUID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "The uuid field is required and cannot be empty."})
		return
	}

	result := model.Result{
		UUID:       req.UUID,
		RawPayload: json.RawMessage(body),
	}
	if req.OriginalRequest != nil {
		result.CorrelationID = req.OriginalRequest.CorrelationID
		result.Origin = req.OriginalRequest.Origin
		result.CallbackURL = req.OriginalRequest.OriginCallback
	} else {
		h.logger.Warn("Result has no original request, it can not be delivered",
			slog.String("uuid", req.UUID),
		)
	}

	if err := h.store.Create(c.Request.Context(), &result); err != nil {
		if errors.Is(err, storage.ErrDuplicateRecord) {
			c.JSON(http.StatusConflict, gin.H{"message": "A result with this uuid already exists."})
			return
		}
		h.logger.Error("Failed to save result",
			slog.String("uuid", req.UUID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Internal error while trying to save the results."})
		return
	}

	metrics.ResultsIngested.Inc()
	h.logger.Info("Result saved",
		slog.String("uuid", result.UUID),
		slog.String("origin", result.Origin),
		slog.String("correlation_id", result.CorrelationID),
	)

	c.JSON(http.StatusCreated, dto.AddResultResponse{
		Message: "Result saved.",
		Data:    toDTO(&result),
	})
}

// FetchResults handles POST /api/v1/result/fetch
// Hands out pending results of an origin and marks them ok
func (h *ResultHandler) FetchResults(c *gin.Context) {
	var req dto.FetchResultsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": MessageEmptyBody})
		return
	}
	if req.Origin == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": MessageOriginMissing})
		return
	}
	if len(req.TestUUIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": MessageUUIDsMissing})
		return
	}

	results, err := h.store.FetchForOrigin(c.Request.Context(), req.Origin, req.TestUUIDs, h.fetchLimit, h.now())
	if err != nil {
		h.logger.Error("Failed to fetch results",
			slog.String("origin", req.Origin),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"message": "Could not fetch the results."})
		return
	}

	keyed := make(map[string]dto.FetchedResult, len(results))
	for _, r := range results {
		fetched := dto.FetchedResult{
			CreatedAt: r.CreatedAt,
			Data:      r.RawPayload,
		}
		if r.SentAt.Valid {
			sentAt := r.SentAt.Time
			fetched.SentAt = &sentAt
		}
		keyed[r.UUID] = fetched
	}

	metrics.ResultsFetched.Add(float64(len(results)))
	h.logger.Info("Fetch request served",
		slog.String("origin", req.Origin),
		slog.Int("requested", len(req.TestUUIDs)),
		slog.Int("returned", len(results)),
	)

	c.JSON(http.StatusOK, dto.FetchResultsResponse{Results: keyed})
}

func toDTO(r *model.Result) dto.ResultDTO {
	return dto.ResultDTO{
		ID:            r.ID,
		UUID:          r.UUID,
		CorrelationID: r.CorrelationID,
		Origin:        r.Origin,
		CallbackURL:   r.CallbackURL,
		Status:        r.Status,
		StatusMessage: r.StatusMessage,
		CreatedAt:     r.CreatedAt,
		RawPayload:    r.RawPayload,
	}
}

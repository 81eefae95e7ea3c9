package handler

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// FetchPath is the pull endpoint on both the ingress and the result-service
const FetchPath = "/api/v1/result/fetch"

// FetchResults handles POST /api/v1/result/fetch
// Forwards the request to the result-service and relays its answer
func (h *ResultHandler) FetchResults(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": "The request body is empty."})
		return
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, h.baseURL+FetchPath, bytes.NewReader(body))
	if err != nil {
		h.fail(c, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		h.fail(c, fmt.Errorf("failed to read result-service response: %w", err))
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, respBody)
}

func (h *ResultHandler) fail(c *gin.Context, err error) {
	h.logger.Error("Failed to fetch results from result-service",
		slog.String("error", err.Error()),
	)
	c.JSON(http.StatusBadGateway, gin.H{
		"message": "Could not fetch the results.",
	})
}

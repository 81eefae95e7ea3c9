// Package health serves the liveness and readiness probes of every service.
package health

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

// Check returns nil when the dependency it probes is usable
type Check func(ctx context.Context) error

// Handler serves /health/liveness and /health/readiness
type Handler struct {
	service string
	timeout time.Duration
	checks  map[string]Check
}

// NewHandler creates a probe handler for service. Readiness runs every check.
func NewHandler(service string, checks map[string]Check) *Handler {
	return &Handler{
		service: service,
		timeout: 2 * time.Second,
		checks:  checks,
	}
}

// Register mounts the probes on r
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/health", h.Liveness)
	r.GET("/health/liveness", h.Liveness)
	r.GET("/health/readiness", h.Readiness)
}

// Liveness reports that the process is serving requests
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": h.service,
	})
}

// Readiness runs every dependency check and answers 503 when one fails
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(gin.H, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not ready"
	}

	c.JSON(status, gin.H{
		"status":  state,
		"service": h.service,
		"checks":  results,
	})
}

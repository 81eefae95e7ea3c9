package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/cuongbtq/visualdiff-farm/internal/api/handler"
	"github.com/cuongbtq/visualdiff-farm/shared/health"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSetupRouter(t *testing.T) {
	probes := health.NewHandler("api-service", map[string]health.Check{
		"rabbitmq": func(ctx context.Context) error { return errors.New("channels not ready") },
	})
	r := SetupRouter(&handler.Dependencies{
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		SupportedBrowsers: []string{"chrome"},
		RuntimeRoot:       t.TempDir(),
	}, probes)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/health/liveness", http.StatusOK},
		{http.MethodGet, "/health/readiness", http.StatusServiceUnavailable},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodPost, "/api/v1/jobs", http.StatusBadRequest},
		{http.MethodGet, "/reports/chrome/abc/html_report/", http.StatusBadRequest},
		{http.MethodOptions, "/api/v1/jobs", http.StatusNoContent},
	}

	for _, tt := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
		assert.Equal(t, tt.want, w.Code, "%s %s", tt.method, tt.path)
	}
}

package router

import (
	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/visualdiff-farm/internal/api/handler"
	"github.com/cuongbtq/visualdiff-farm/shared/health"
	"github.com/cuongbtq/visualdiff-farm/shared/metrics"
	"github.com/cuongbtq/visualdiff-farm/shared/middleware"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, probes *health.Handler) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Logger, "/health", "/metrics"))
	r.Use(middleware.CORSMiddleware())

	probes.Register(r)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	jobHandler := handler.NewJobHandler(deps)
	resultHandler := handler.NewResultHandler(deps)
	reportHandler := handler.NewReportHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// POST /api/v1/jobs - Validate and enqueue a job
		v1.POST("/jobs", jobHandler.CreateJob)

		// POST /api/v1/result/fetch - Pull finished results through the result-service
		v1.POST("/result/fetch", resultHandler.FetchResults)
	}

	// GET /reports/:browser/:id/*file - Browse the html report of a job
	r.GET("/reports/:browser/:id/*file", reportHandler.ServeReport)

	return r
}

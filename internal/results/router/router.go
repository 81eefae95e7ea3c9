package router

import (
	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/visualdiff-farm/internal/results/handler"
	"github.com/cuongbtq/visualdiff-farm/shared/health"
	"github.com/cuongbtq/visualdiff-farm/shared/metrics"
	"github.com/cuongbtq/visualdiff-farm/shared/middleware"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, probes *health.Handler) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Logger, "/health", "/metrics"))

	probes.Register(r)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	resultHandler := handler.NewResultHandler(deps)

	v1 := r.Group("/api/v1")
	{
		results := v1.Group("/result")
		{
			// POST /api/v1/result/add - Store a worker result
			results.POST("/add", resultHandler.AddResult)

			// POST /api/v1/result/fetch - Hand out pending results of an origin
			results.POST("/fetch", resultHandler.FetchResults)
		}
	}

	return r
}

package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/terralith/geoetl-backend/internal/http/handlers"
	httpMW "github.com/terralith/geoetl-backend/internal/http/middleware"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
)

type RouterConfig struct {
	Log *logger.Logger

	JobHandler      *httpH.JobHandler
	WorkflowHandler *httpH.WorkflowHandler
	DLQHandler      *httpH.DLQHandler
	HealthHandler   *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS())

	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.Healthz)
		r.GET("/readyz", cfg.HealthHandler.Readyz)
	}

	api := r.Group("/api")
	{
		if cfg.JobHandler != nil {
			api.POST("/jobs", cfg.JobHandler.SubmitJob)
			api.GET("/jobs/:id", cfg.JobHandler.GetJob)
			api.GET("/jobs/:id/tasks", cfg.JobHandler.ListJobTasks)
		}
		if cfg.WorkflowHandler != nil {
			api.GET("/workflows", cfg.WorkflowHandler.ListWorkflows)
		}
		if cfg.DLQHandler != nil {
			api.GET("/queues/:name/dead-letters", cfg.DLQHandler.ListDeadLetters)
		}
	}

	return r
}

// NewHealthRouter serves only the probe endpoints. Worker processes run
// it so orchestrators can check liveness without the API surface.
func NewHealthRouter(health *httpH.HealthHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", health.Healthz)
	r.GET("/readyz", health.Readyz)
	return r
}

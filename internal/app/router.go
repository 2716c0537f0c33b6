package app

import (
	"github.com/gin-gonic/gin"

	httpX "github.com/terralith/geoetl-backend/internal/http"
	"github.com/terralith/geoetl-backend/internal/platform/logger"
)

func wireRouter(log *logger.Logger, handlers Handlers) *gin.Engine {
	return httpX.NewRouter(httpX.RouterConfig{
		Log:             log,
		JobHandler:      handlers.Job,
		WorkflowHandler: handlers.Workflow,
		DLQHandler:      handlers.DLQ,
		HealthHandler:   handlers.Health,
	})
}

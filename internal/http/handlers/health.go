package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/terralith/geoetl-backend/internal/data/db"
	"github.com/terralith/geoetl-backend/internal/http/response"
)

type HealthHandler struct {
	pg *db.PostgresService
}

func NewHealthHandler(pg *db.PostgresService) *HealthHandler {
	return &HealthHandler{pg: pg}
}

// GET /healthz
func (h *HealthHandler) Healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// GET /readyz
func (h *HealthHandler) Readyz(c *gin.Context) {
	if h.pg != nil {
		if err := h.pg.Ping(c.Request.Context()); err != nil {
			response.RespondError(c, http.StatusServiceUnavailable, "db_unreachable", err)
			return
		}
	}
	response.RespondOK(c, gin.H{"status": "ready"})
}

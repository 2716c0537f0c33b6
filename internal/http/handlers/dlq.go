package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/terralith/geoetl-backend/internal/broker"
	"github.com/terralith/geoetl-backend/internal/http/response"
)

// DeadLetterLister is implemented by broker backends that can enumerate
// their dead-letter sink.
type DeadLetterLister interface {
	DeadLetters(ctx context.Context, queue string, limit int) ([]broker.QueueMessage, error)
}

type DLQHandler struct {
	lister DeadLetterLister
}

// NewDLQHandler returns nil when the configured broker cannot list dead
// letters; the router skips the route in that case.
func NewDLQHandler(brk broker.Broker) *DLQHandler {
	lister, ok := brk.(DeadLetterLister)
	if !ok {
		return nil
	}
	return &DLQHandler{lister: lister}
}

// GET /api/queues/:name/dead-letters
func (h *DLQHandler) ListDeadLetters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	messages, err := h.lister.DeadLetters(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_dead_letters_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"dead_letters": messages})
}

package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/terralith/geoetl-backend/internal/platform/ctxutil"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerRequestID     = "X-Request-Id"
)

// AttachTraceContext assigns a correlation id to the request, minting one
// when the caller did not supply it. The correlation id rides on every
// job and task message the submission fans out into.
func AttachTraceContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := strings.TrimSpace(c.GetHeader(headerRequestID))
		if reqID == "" {
			reqID = uuid.New().String()
		}
		correlationID := strings.TrimSpace(c.GetHeader(headerCorrelationID))
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		ctx := ctxutil.WithTraceData(c.Request.Context(), &ctxutil.TraceData{
			CorrelationID: correlationID,
			RequestID:     reqID,
		})
		c.Request = c.Request.WithContext(ctx)
		c.Set("correlation_id", correlationID)
		c.Set("request_id", reqID)
		c.Writer.Header().Set(headerCorrelationID, correlationID)
		c.Writer.Header().Set(headerRequestID, reqID)
		c.Next()
	}
}

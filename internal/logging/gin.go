package logging

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const headerRequestID = "X-Request-ID"

// GinMiddleware tags each request with a request id, stores a request-scoped
// logger in the request context and writes one access line per request.
func GinMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(headerRequestID, requestID)

		reqLogger := logger.With().Str(FieldRequestID, requestID).Logger()
		c.Request = c.Request.WithContext(WithLogger(c.Request.Context(), reqLogger))

		c.Next()

		status := c.Writer.Status()
		var evt *zerolog.Event
		switch {
		case status >= 500:
			evt = reqLogger.Error()
		case status >= 400:
			evt = reqLogger.Warn()
		default:
			evt = reqLogger.Info()
		}
		if userID, ok := c.Get("userID"); ok {
			if s, ok := userID.(string); ok {
				evt = evt.Str(FieldUserID, s)
			}
		}
		evt.Str(FieldMethod, c.Request.Method).
			Str(FieldPath, c.FullPath()).
			Int(FieldStatus, status).
			Int64(FieldLatency, time.Since(start).Milliseconds()).
			Str(FieldClientIP, c.ClientIP()).
			Msg("request")
	}
}

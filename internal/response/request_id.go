package response

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKeyRequestID is the Gin context key for the request ID.
const ContextKeyRequestID = "request_id"

// RequestIDMiddleware reuses the caller's X-Request-ID or mints one, and logs
// each request with it once the handler chain has finished.
func RequestIDMiddleware(log zerolog.Logger) gin.HandlerFunc {
	log = log.With().Str("component", "http").Logger()

	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if _, err := uuid.Parse(reqID); err != nil {
			reqID = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, reqID)
		c.Header("X-Request-ID", reqID)

		c.Next()

		ev := log.Debug()
		if c.Writer.Status() >= 500 {
			ev = log.Error()
		}
		ev.Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Msg("Request handled")
	}
}

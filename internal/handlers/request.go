package handlers

import (
	"github.com/gin-gonic/gin"

	"chat-sync/internal/observability"
)

const requestIDContextKey = "request_id"

// requestID stores the caller's X-Request-Id, or a fresh one, on the
// context and echoes it back.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := observability.RequestIDFromRequest(c.Request)
		c.Set(requestIDContextKey, id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok {
			return id
		}
	}
	return ""
}

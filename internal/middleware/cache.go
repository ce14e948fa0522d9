package middleware

import (
	"github.com/gin-gonic/gin"
)

// CacheControl sets the Cache-Control header on every response of a group.
// Session state changes every second, so API groups use "no-store".
func CacheControl(value string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", value)
		c.Next()
	}
}

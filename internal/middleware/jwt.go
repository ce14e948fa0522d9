package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	// ContextKeyClaims is the Gin context key for JWT claims.
	ContextKeyClaims = "claims"
)

// RequireStudentJWT validates a student token from the Authorization header
// or the ?token= query parameter (WebSocket and EventSource cannot set headers).
func RequireStudentJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireRole(authService, (*service.Claims).IsStudent, response.ErrStudentAccessOnly)
}

// RequireProctorJWT validates a professor, teacher or admin token.
func RequireProctorJWT(authService *service.AuthService) gin.HandlerFunc {
	return requireRole(authService, (*service.Claims).CanProctor, response.ErrProctorAccessOnly)
}

func requireRole(authService *service.AuthService, allowed func(*service.Claims) bool, denied response.ErrCode) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := extractToken(c)
		if tokenStr == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		claims, err := authService.ValidateToken(tokenStr)
		if err != nil {
			code := response.ErrTokenInvalid
			if errors.Is(err, jwt.ErrTokenExpired) {
				code = response.ErrTokenExpired
			}
			response.AbortFail(c, http.StatusUnauthorized, code)
			return
		}

		if !allowed(claims) {
			response.AbortFail(c, http.StatusForbidden, denied)
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Next()
	}
}

// GetClaims retrieves the JWT claims from the Gin context.
func GetClaims(c *gin.Context) *service.Claims {
	val, exists := c.Get(ContextKeyClaims)
	if !exists {
		return nil
	}
	claims, ok := val.(*service.Claims)
	if !ok {
		return nil
	}
	return claims
}

func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	return c.Query("token")
}

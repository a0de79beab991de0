package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"pawkeeper-live/internal/apperr"
	"pawkeeper-live/internal/auth"
)

const userIDContextKey = "userID"

func UserIDFromContext(c *gin.Context) (string, bool) {
	userID, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := userID.(string)
	return value, ok && value != ""
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortUnauthenticated(c)
			return
		}

		claims, err := auth.VerifyToken(token, cfg)
		if err != nil {
			abortUnauthenticated(c)
			return
		}

		c.Set(userIDContextKey, claims.UserID)
		c.Next()
	}
}

func abortUnauthenticated(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error": "Invalid authentication token",
		"code":  apperr.Unauthenticated,
	})
}

package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"docchat/internal/pkg/jwtutil"
	"docchat/internal/transport/http/response"
)

const (
	ContextUserIDKey   = "user_id"
	ContextUsernameKey = "username"
)

// LocalUserID is the identity used when accounts are disabled.
const LocalUserID uint = 1

func AuthJWT(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(strings.TrimSpace(c.GetHeader("Authorization")), "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "missing bearer token")
			return
		}

		claims, err := jwtutil.ParseToken(secret, strings.TrimSpace(token))
		if err != nil {
			response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid or expired token")
			return
		}

		c.Set(ContextUserIDKey, claims.UserID)
		c.Set(ContextUsernameKey, claims.Username)
		c.Next()
	}
}

// LocalUser attributes every request to LocalUserID. It replaces AuthJWT
// when the server runs without a user database.
func LocalUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextUserIDKey, LocalUserID)
		c.Set(ContextUsernameKey, "local")
		c.Next()
	}
}

// UserID returns the authenticated user set by AuthJWT or LocalUser.
func UserID(c *gin.Context) (uint, bool) {
	v, ok := c.Get(ContextUserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint)
	return id, ok && id != 0
}

package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/storyloom/core/internal/pkg/response"
)

const contextKeyAuthed = "authed"

// Auth returns a middleware that requires the configured admin token. With an
// empty token the middleware rejects everything, so admin routes stay closed
// until a token is configured.
func Auth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := extractToken(c)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			response.Unauthorized(c)
			return
		}
		c.Set(contextKeyAuthed, true)
		c.Next()
	}
}

// OptionalAuth marks the request as authenticated if the admin token is
// present, but never blocks.
func OptionalAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token != "" && subtle.ConstantTimeCompare([]byte(extractToken(c)), []byte(token)) == 1 {
			c.Set(contextKeyAuthed, true)
		}
		c.Next()
	}
}

// IsAuthenticated returns true if the request carried a valid admin token.
func IsAuthenticated(c *gin.Context) bool {
	v, _ := c.Get(contextKeyAuthed)
	ok, _ := v.(bool)
	return ok
}

func extractToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		return normalizeToken(auth)
	}
	return normalizeToken(c.Query("token"))
}

func normalizeToken(raw string) string {
	token := strings.TrimSpace(raw)
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		return strings.TrimSpace(token[7:])
	}
	return token
}

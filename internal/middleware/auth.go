package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"gridrun/internal/auth"
)

// RequireAgentToken validates the worker bearer token on worker-facing
// routes. On /api/workers/:id routes the claimed worker must match the
// path id; job report routes are checked against assignedAgentId by the
// state model instead. A disabled token service lets everything through.
func RequireAgentToken(tokens *auth.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !tokens.Enabled() {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		if header == "" {
			unauthorized(c, "Authorization header is required", "AUTH_HEADER_MISSING")
			return
		}
		token, ok := extractBearerToken(header)
		if !ok {
			unauthorized(c, "Invalid authorization header, expected 'Bearer <token>'", "INVALID_AUTH_HEADER")
			return
		}
		claims, err := tokens.Validate(token)
		if err != nil {
			code := "INVALID_TOKEN"
			if errors.Is(err, auth.ErrTokenExpired) {
				code = "TOKEN_EXPIRED"
			}
			unauthorized(c, err.Error(), code)
			return
		}
		if id := c.Param("id"); id != "" && strings.HasPrefix(c.FullPath(), "/api/workers/") && id != claims.WorkerID {
			c.JSON(http.StatusForbidden, ErrorResponse{
				Error:     "Token does not belong to this worker",
				Code:      "WORKER_MISMATCH",
				Timestamp: time.Now().UTC(),
				RequestID: c.GetString("request_id"),
			})
			c.Abort()
			return
		}
		c.Set("worker_id", claims.WorkerID)
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg, code string) {
	c.JSON(http.StatusUnauthorized, ErrorResponse{
		Error:     msg,
		Code:      code,
		Timestamp: time.Now().UTC(),
		RequestID: c.GetString("request_id"),
	})
	c.Abort()
}

func extractBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimPrefix(header, prefix)
	return token, token != ""
}

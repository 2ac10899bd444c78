package middleware

import (
	"strings"

	"conversation-orchestrator/backend/pkg/errors"
	"conversation-orchestrator/backend/pkg/jwt"
	"conversation-orchestrator/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ClaimsKey is the gin context key holding *jwt.ConnectorClaims
const ClaimsKey = "claims"

// ConnectorAuth checks the bearer token of a connector or plugin executor.
// A nil service disables authentication, for local development.
func ConnectorAuth(jwtService *jwt.Service, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtService == nil {
			c.Next()
			return
		}

		token := c.GetHeader("Authorization")
		if token == "" {
			c.Error(errors.NewUnauthorizedError("AUTH_REQUIRED", "Authorization header is required"))
			c.Abort()
			return
		}
		token = strings.TrimPrefix(token, "Bearer ")

		claims, err := jwtService.ValidateToken(token)
		if err != nil {
			log.Warn("Invalid connector token", "error", err.Error())
			c.Error(errors.NewUnauthorizedError("INVALID_TOKEN", "Invalid or expired token"))
			c.Abort()
			return
		}

		if channelID := c.Param("channelId"); channelID != "" && !claims.AllowsChannel(channelID) {
			c.Error(errors.NewForbiddenError("CHANNEL_NOT_ALLOWED", "Token is not valid for this channel"))
			c.Abort()
			return
		}

		c.Set(ClaimsKey, claims)
		c.Set(ConnectorKey, claims.Subject)
		c.Next()
	}
}

// RequireScope rejects requests whose token lacks scope. It passes when
// ConnectorAuth ran without a service.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, exists := c.Get(ClaimsKey)
		if !exists {
			c.Next()
			return
		}

		claims, ok := raw.(*jwt.ConnectorClaims)
		if !ok {
			c.Error(errors.NewInternalServerError("INVALID_CLAIMS", "Invalid JWT claims format"))
			c.Abort()
			return
		}

		if !claims.HasScope(scope) {
			c.Error(errors.NewForbiddenError("INSUFFICIENT_SCOPE", "Token does not allow this operation"))
			c.Abort()
			return
		}
		c.Next()
	}
}

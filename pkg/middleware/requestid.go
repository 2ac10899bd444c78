package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"conversation-orchestrator/backend/pkg/logger"
)

// ConnectorKey is the gin context key set by ConnectorAuth
const ConnectorKey = "connectorID"

// RequestIDMiddleware adds a unique request ID to each request
// and sets it in both the context and response headers
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check if request already has an ID from upstream service
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		c.Request = c.Request.WithContext(logger.ContextWithRequestID(c.Request.Context(), requestID))

		// Set the request ID in the response headers
		c.Header("X-Request-ID", requestID)
		c.Set("requestID", requestID)

		// Process the request
		c.Next()
	}
}

// ContextPropagationMiddleware continues the caller's trace, so dispatcher
// spans join it, and echoes the correlation id back to the caller
func ContextPropagationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		c.Request = c.Request.WithContext(ctx)
		if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.HasTraceID() {
			c.Header("X-Trace-ID", spanCtx.TraceID().String())
		}

		// Add correlation ID for tracking request flows across services
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			// Use the request ID as correlation ID if not provided
			correlationID = c.GetString("requestID")
		}
		c.Header("X-Correlation-ID", correlationID)

		c.Next()
	}
}

// WithRequestContext adds the request id and authenticated connector to a
// context for downstream operations
func WithRequestContext(parent context.Context, c *gin.Context) context.Context {
	ctx := logger.ContextWithRequestID(parent, c.GetString("requestID"))
	return logger.ContextWithConnectorID(ctx, c.GetString(ConnectorKey))
}

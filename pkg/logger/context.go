package logger

import "context"

type contextKey string

const (
	requestIDKey   contextKey = "requestID"
	connectorIDKey contextKey = "connectorID"
)

// ContextWithRequestID stores the HTTP request id for downstream logs
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// ContextWithConnectorID stores the authenticated connector for downstream logs
func ContextWithConnectorID(ctx context.Context, connectorID string) context.Context {
	if connectorID == "" {
		return ctx
	}
	return context.WithValue(ctx, connectorIDKey, connectorID)
}

// RequestIDFromContext returns the request id stored in ctx, if any
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ConnectorIDFromContext returns the connector stored in ctx, if any
func ConnectorIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(connectorIDKey).(string)
	return id
}

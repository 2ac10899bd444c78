package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"conversation-orchestrator/backend/pkg/errors"
	"conversation-orchestrator/backend/pkg/jwt"
	"conversation-orchestrator/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(errors.ErrorHandler())
	chain := append(handlers, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"connector": logger.ConnectorIDFromContext(WithRequestContext(c.Request.Context(), c)),
			"request":   logger.RequestIDFromContext(c.Request.Context()),
		})
	})
	r.POST("/v1/channels/:channelId/messages", chain...)
	return r
}

func post(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiterIsPerChannel(t *testing.T) {
	rl := NewRateLimiter(logger.Discard(), RateLimiterOptions{Limit: 0.001, Burst: 1})
	defer rl.Stop()
	r := newEngine(rl.Middleware())

	assert.Equal(t, http.StatusOK, post(r, "/v1/channels/C1/messages", "").Code)
	w := post(r, "/v1/channels/C1/messages", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")

	assert.Equal(t, http.StatusOK, post(r, "/v1/channels/C2/messages", "").Code)
}

func TestRateLimiterEvictsIdleKeys(t *testing.T) {
	rl := NewRateLimiter(logger.Discard(), RateLimiterOptions{Limit: 1, Burst: 1, ExpiryDuration: time.Minute})
	defer rl.Stop()

	rl.getLimiter("channel:C1")
	rl.evictIdle(time.Now().Add(2 * time.Minute))

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.clients)
}

func TestConnectorAuth(t *testing.T) {
	svc := jwt.NewService("s3cret", time.Hour)
	r := newEngine(RequestIDMiddleware(), ConnectorAuth(svc, logger.Discard()), RequireScope(jwt.ScopeIngest))

	pinned, err := svc.GenerateToken("web", "C1", jwt.ScopeIngest)
	require.NoError(t, err)
	callbackOnly, err := svc.GenerateToken("rag", "", jwt.ScopeCallback)
	require.NoError(t, err)

	w := post(r, "/v1/channels/C1/messages", pinned)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"connector":"web"`)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	assert.Equal(t, http.StatusUnauthorized, post(r, "/v1/channels/C1/messages", "").Code)
	assert.Equal(t, http.StatusUnauthorized, post(r, "/v1/channels/C1/messages", "garbage").Code)
	assert.Equal(t, http.StatusForbidden, post(r, "/v1/channels/C2/messages", pinned).Code)
	assert.Equal(t, http.StatusForbidden, post(r, "/v1/channels/C1/messages", callbackOnly).Code)
}

func TestConnectorAuthDisabledWithoutSecret(t *testing.T) {
	r := newEngine(ConnectorAuth(nil, logger.Discard()), RequireScope(jwt.ScopeIngest))
	assert.Equal(t, http.StatusOK, post(r, "/v1/channels/C1/messages", "").Code)
}

func TestContextPropagationContinuesTrace(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware(), ContextPropagationMiddleware())
	r.GET("/trace", func(c *gin.Context) {
		ctx := WithRequestContext(c.Request.Context(), c)
		c.JSON(http.StatusOK, gin.H{
			"trace":   trace.SpanContextFromContext(ctx).TraceID().String(),
			"request": logger.RequestIDFromContext(ctx),
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/trace", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	req.Header.Set("X-Request-ID", "req-7")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", w.Header().Get("X-Trace-ID"))
	assert.Equal(t, "req-7", w.Header().Get("X-Correlation-ID"))
	assert.JSONEq(t, `{"trace":"4bf92f3577b34da6a3ce929d0e0e4736","request":"req-7"}`, w.Body.String())
}

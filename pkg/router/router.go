package router

import (
	"conversation-orchestrator/backend/internal/api"
	"conversation-orchestrator/backend/pkg/di"
	"conversation-orchestrator/backend/pkg/errors"
	"conversation-orchestrator/backend/pkg/jwt"
	"conversation-orchestrator/backend/pkg/logger"
	"conversation-orchestrator/backend/pkg/middleware"
	"conversation-orchestrator/backend/shared/observability"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Router is the main router for the application
type Router struct {
	Engine      *gin.Engine
	Container   *di.Container
	Logger      *logger.Logger
	rateLimiter *middleware.RateLimiter
}

// New creates a new router with the given container
func New(container *di.Container) *Router {
	logger.SetGlobal(container.Logger)
	cfg := container.Config

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	engine.Use(middleware.RequestIDMiddleware())
	engine.Use(middleware.ContextPropagationMiddleware())

	// Use the logger middleware early to capture all requests
	engine.Use(logger.Middleware(container.Logger))

	engine.Use(errors.ErrorHandler())
	engine.Use(errors.RecoveryWithLogger())
	engine.Use(corsMiddleware(cfg.Security.AllowedOrigins))

	rl := middleware.NewRateLimiter(container.Logger, middleware.RateLimiterOptions{
		Limit:          rate.Limit(cfg.Security.RateLimit),
		Burst:          cfg.Security.RateLimitBurst,
		ExpiryDuration: middleware.DefaultRateLimiterOptions().ExpiryDuration,
		KeyFunc:        middleware.ChannelKey,
	})

	return &Router{
		Engine:      engine,
		Container:   container,
		Logger:      container.Logger,
		rateLimiter: rl,
	}
}

// SetupRoutes registers all application routes
func (r *Router) SetupRoutes() error {
	r.setupHealthRoutes()
	r.Engine.GET("/metrics", gin.WrapH(observability.Handler()))

	cfg := r.Container.Config
	if cfg.Features.EnableHTTPIngest {
		schema, err := r.setupOpenAPI()
		if err != nil {
			return err
		}

		auth := middleware.ConnectorAuth(r.Container.JWTService, r.Logger)
		v1 := r.Engine.Group("/v1", schema)

		handler := api.NewIngestHandler(r.Container.Dispatcher, r.Container.Store, r.Logger)
		handler.RegisterRoutes(v1,
			[]gin.HandlerFunc{r.rateLimiter.Middleware(), auth, middleware.RequireScope(jwt.ScopeIngest)},
			[]gin.HandlerFunc{auth, middleware.RequireScope(jwt.ScopeCallback)},
		)
	}

	if r.Container.Hub != nil {
		r.Engine.GET("/ws/channels/:channelId",
			middleware.ConnectorAuth(r.Container.JWTService, r.Logger),
			r.Container.Hub.ServeWs,
		)
	}
	return nil
}

// Close stops background work owned by the router
func (r *Router) Close() {
	r.rateLimiter.Stop()
}

func corsMiddleware(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		switch {
		case origin == "":
		case originAllowed(allowed, origin):
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Authorization, Origin, Upgrade, Connection, X-Request-ID, X-Channel-Key")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, Upgrade, Connection")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

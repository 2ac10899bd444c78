package router

import (
	"fmt"

	"conversation-orchestrator/backend/pkg/validator"

	"github.com/gin-gonic/gin"
)

// setupOpenAPI serves the ingest document and returns its validation middleware
func (r *Router) setupOpenAPI() (gin.HandlerFunc, error) {
	v, err := validator.NewOpenAPIValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenAPI validator: %w", err)
	}

	r.Engine.GET("/api/docs/openapi.yaml", func(c *gin.Context) {
		c.Data(200, "application/yaml", validator.IngestSchema())
	})
	r.Logger.Info("OpenAPI validation enabled", "url", "/api/docs/openapi.yaml")

	return v.Middleware(), nil
}

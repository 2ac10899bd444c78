package secrets

import (
	"context"

	"conversation-orchestrator/backend/pkg/config"
)

// Manager provides access to secrets from various sources
type Manager interface {
	// GetSecret retrieves a secret by key
	GetSecret(ctx context.Context, key string) (string, error)

	// GetSecretWithDefault retrieves a secret with a default value if not found
	GetSecretWithDefault(ctx context.Context, key, defaultValue string) string
}

// Secret keys the orchestrator reads
const (
	KeyDatabasePassword = "db_password"
	KeyRedisPassword    = "redis_password"
	KeyConnectorSecret  = "connector_jwt_secret"
)

// Apply overwrites the credential fields of cfg with values from m. Values
// already present in cfg act as defaults.
func Apply(ctx context.Context, m Manager, cfg *config.Config) {
	cfg.Database.Password = m.GetSecretWithDefault(ctx, KeyDatabasePassword, cfg.Database.Password)
	cfg.Redis.Password = m.GetSecretWithDefault(ctx, KeyRedisPassword, cfg.Redis.Password)
	cfg.Security.ConnectorSecret = m.GetSecretWithDefault(ctx, KeyConnectorSecret, cfg.Security.ConnectorSecret)
}

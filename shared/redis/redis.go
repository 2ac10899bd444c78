package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"conversation-orchestrator/backend/pkg/config"
)

// NewClient creates a Redis client from the application configuration
func NewClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// Ping checks that the Redis server answers
func Ping(ctx context.Context, client *redis.Client) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"fmt"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
)

// Config selects and configures a backend.
type Config struct {
	Backend  string       `yaml:"backend"`
	Redis    RedisConfig  `yaml:"redis"`
	DynamoDB DynamoConfig `yaml:"dynamodb"`
}

// New builds the configured backend.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendRedis:
		return NewRedisStore(ctx, cfg.Redis)
	case BackendDynamoDB:
		return NewDynamoStore(ctx, cfg.DynamoDB)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

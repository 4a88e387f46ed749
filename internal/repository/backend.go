package repository

import (
	"context"
	"fmt"
	"regexp"

	"highlightsync/internal/config"
	"highlightsync/internal/database"
	"highlightsync/internal/domain"

	"github.com/rs/zerolog"
)

var collectionName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func validateCollection(name string) error {
	if !collectionName.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}

// Open builds the StoreBackend selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zerolog.Logger) (domain.StoreBackend, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryBackend(), nil
	case "sqlite":
		return database.NewDB(cfg.Path, logger)
	case "badger":
		return OpenBadger(cfg.Path, logger)
	case "redis":
		return openRedis(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func openRedis(ctx context.Context, cfg config.StorageConfig, logger *zerolog.Logger) (domain.StoreBackend, error) {
	client := NewRedisClient(cfg.Redis)
	backend := &RedisBackend{client: client, prefix: cfg.Redis.KeyPrefix, owned: true}

	if cfg.FallbackPath == "" {
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return backend, nil
	}

	fallback, err := database.NewDB(cfg.FallbackPath, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis unreachable at startup, writing to sqlite fallback")
	}
	return &failoverBackend{primary: backend, fallback: fallback, logger: logger}, nil
}

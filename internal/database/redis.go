package database

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/datamask/internal/logger"
)

// RedisConfig contains the Redis connection settings
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
}

// OpenRedis connects to Redis and verifies the connection
func OpenRedis(config *RedisConfig, log *zap.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	opts.MinIdleConns = config.MinIdleConns

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info("Redis initialized",
		zap.String("redis_url", logger.RedactDSN(config.URL)),
		zap.Int("pool_size", opts.PoolSize))

	return client, nil
}

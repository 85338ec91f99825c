package health

import (
	"context"
	"fmt"
	"time"

	config "github.com/deerfields/molls-sub000/src/production/MQT.Config"
	"github.com/go-redis/redis/v8"
)

// ConnectRedisWithTimeout creates the shared cache client and pings it within timeout
func ConnectRedisWithTimeout(cfg *config.RedisConfig, timeout time.Duration) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("unable to ping Redis: %w", err)
	}
	return client, nil
}

// PingRedis checks if the Redis connection is healthy
func PingRedis(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return fmt.Errorf("redis client is nil")
	}
	return client.Ping(ctx).Err()
}

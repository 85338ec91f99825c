package implementation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
	"github.com/go-redis/redis/v8"
)

const deviceCacheKeyPrefix = "iothub:device:"

// RedisDeviceCache shares device lookups across hub replicas
type RedisDeviceCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeviceCache(client *redis.Client, ttl time.Duration) *RedisDeviceCache {
	return &RedisDeviceCache{client: client, ttl: ttl}
}

func (c *RedisDeviceCache) Get(ctx context.Context, externalDeviceID string) (*mqtmodels.Device, error) {
	raw, err := c.client.Get(ctx, deviceCacheKeyPrefix+externalDeviceID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var device mqtmodels.Device
	if err := json.Unmarshal(raw, &device); err != nil {
		return nil, fmt.Errorf("failed to decode cached device: %w", err)
	}
	return &device, nil
}

func (c *RedisDeviceCache) Set(ctx context.Context, device *mqtmodels.Device) error {
	raw, err := json.Marshal(device)
	if err != nil {
		return fmt.Errorf("failed to encode device: %w", err)
	}
	return c.client.Set(ctx, deviceCacheKeyPrefix+device.ExternalDeviceID, raw, c.ttl).Err()
}

func (c *RedisDeviceCache) Delete(ctx context.Context, externalDeviceIDs ...string) error {
	if len(externalDeviceIDs) == 0 {
		return nil
	}
	keys := make([]string, len(externalDeviceIDs))
	for i, id := range externalDeviceIDs {
		keys[i] = deviceCacheKeyPrefix + id
	}
	return c.client.Del(ctx, keys...).Err()
}

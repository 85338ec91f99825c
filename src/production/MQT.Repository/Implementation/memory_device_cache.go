package implementation

import (
	"context"
	"time"

	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
	cache "github.com/go-pkgz/expirable-cache/v3"
)

// MemoryDeviceCache is the single-process device cache, LRU bounded
type MemoryDeviceCache struct {
	devices cache.Cache[string, mqtmodels.Device]
}

func NewMemoryDeviceCache(ttl time.Duration, maxKeys int) *MemoryDeviceCache {
	return &MemoryDeviceCache{
		devices: cache.NewCache[string, mqtmodels.Device]().WithTTL(ttl).WithMaxKeys(maxKeys).WithLRU(),
	}
}

func (c *MemoryDeviceCache) Get(_ context.Context, externalDeviceID string) (*mqtmodels.Device, error) {
	device, ok := c.devices.Get(externalDeviceID)
	if !ok {
		return nil, nil
	}
	return &device, nil
}

func (c *MemoryDeviceCache) Set(_ context.Context, device *mqtmodels.Device) error {
	c.devices.Set(device.ExternalDeviceID, *device, 0)
	return nil
}

func (c *MemoryDeviceCache) Delete(_ context.Context, externalDeviceIDs ...string) error {
	for _, id := range externalDeviceIDs {
		c.devices.Invalidate(id)
	}
	return nil
}

// Len reports the number of cached devices, expired entries included
func (c *MemoryDeviceCache) Len() int {
	return c.devices.Len()
}

package interfaces

import (
	"context"

	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
)

// DeviceCache is a TTL-bounded lookaside cache keyed by externalDeviceId
type DeviceCache interface {
	// Get returns (nil, nil) on a miss
	Get(ctx context.Context, externalDeviceID string) (*mqtmodels.Device, error)
	Set(ctx context.Context, device *mqtmodels.Device) error
	Delete(ctx context.Context, externalDeviceIDs ...string) error
}

// Package registry owns device identity, configuration and credentials
package registry

import (
	"context"
	"time"

	eventbus "github.com/deerfields/molls-sub000/src/production/MQT.EventBus"
	logger "github.com/deerfields/molls-sub000/src/production/MQT.Logger"
	metrics "github.com/deerfields/molls-sub000/src/production/MQT.Metrics"
	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
	interfaces "github.com/deerfields/molls-sub000/src/production/MQT.Repository/Interfaces"
	"github.com/google/uuid"
)

// Query limits for GetSensorData
const (
	DefaultReadingLimit = 100
	MaxReadingLimit     = 1000
)

// RegisterDeviceRequest is the input of RegisterDevice
type RegisterDeviceRequest struct {
	ExternalDeviceID string                        `json:"external_device_id"`
	MallID           string                        `json:"mall_id"`
	Name             string                        `json:"name"`
	Kind             mqtmodels.DeviceKind          `json:"kind"`
	Location         map[string]interface{}        `json:"location,omitempty"`
	Configuration    mqtmodels.DeviceConfiguration `json:"configuration"`
}

// Registration is the result of RegisterDevice. PrivateKeyPEM is not stored
// anywhere and cannot be retrieved again.
type Registration struct {
	Device        mqtmodels.Device `json:"device"`
	PrivateKeyPEM string           `json:"private_key_pem"`
}

// Options tunes the registry
type Options struct {
	CredentialTTL  time.Duration
	StorageTimeout time.Duration
	CacheTimeout   time.Duration
}

type Registry struct {
	devices  interfaces.DeviceRepository
	readings interfaces.ReadingRepository
	cache    interfaces.DeviceCache
	bus      *eventbus.Bus
	log      *logger.Logger
	opts     Options
	now      func() time.Time
}

func New(devices interfaces.DeviceRepository, readings interfaces.ReadingRepository, cache interfaces.DeviceCache, bus *eventbus.Bus, log *logger.Logger, opts Options) *Registry {
	if opts.CredentialTTL <= 0 {
		opts.CredentialTTL = 365 * 24 * time.Hour
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = 3 * time.Second
	}
	if opts.CacheTimeout <= 0 {
		opts.CacheTimeout = 500 * time.Millisecond
	}
	return &Registry{
		devices:  devices,
		readings: readings,
		cache:    cache,
		bus:      bus,
		log:      log.WithComponent("registry"),
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RegisterDevice validates req, issues a credential and stores the device offline
func (r *Registry) RegisterDevice(ctx context.Context, req RegisterDeviceRequest) (*Registration, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	now := r.now()
	cred, privateKey, err := newCredential(now, r.opts.CredentialTTL)
	if err != nil {
		return nil, err
	}

	location := req.Location
	if location == nil {
		location = map[string]interface{}{}
	}
	device := mqtmodels.Device{
		ID:               uuid.NewString(),
		ExternalDeviceID: req.ExternalDeviceID,
		MallID:           req.MallID,
		Name:             req.Name,
		Kind:             req.Kind,
		Status:           mqtmodels.DeviceStatusOffline,
		StatusReason:     "registered",
		Location:         location,
		Configuration:    req.Configuration,
		Credential:       cred,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	storeCtx, cancel := context.WithTimeout(ctx, r.opts.StorageTimeout)
	defer cancel()
	if err := r.devices.CreateDevice(storeCtx, &device); err != nil {
		return nil, err
	}

	r.Remember(ctx, &device)
	metrics.DevicesRegistered.Inc()
	r.bus.Publish(eventbus.DeviceRegistered{Device: device})
	r.log.WithDevice(device.MallID, device.ExternalDeviceID).WithField("kind", string(device.Kind)).Info("device registered")

	return &Registration{Device: device, PrivateKeyPEM: privateKey}, nil
}

// GetDevice returns the device or (nil, nil) when it is not registered.
// Cache failures fall back to storage.
func (r *Registry) GetDevice(ctx context.Context, externalDeviceID string) (*mqtmodels.Device, error) {
	cacheCtx, cancelCache := context.WithTimeout(ctx, r.opts.CacheTimeout)
	cached, err := r.cache.Get(cacheCtx, externalDeviceID)
	cancelCache()
	if err != nil {
		r.log.WithField("device_id", externalDeviceID).WithError(err).Warn("device cache read failed")
	} else if cached != nil {
		return cached, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, r.opts.StorageTimeout)
	defer cancel()
	device, err := r.devices.GetDeviceByExternalID(storeCtx, externalDeviceID)
	if err != nil || device == nil {
		return nil, err
	}

	r.Remember(ctx, device)
	return device, nil
}

// ListDevicesByMall returns a mall's devices newest first, optionally of one kind
func (r *Registry) ListDevicesByMall(ctx context.Context, mallID string, kind mqtmodels.DeviceKind) ([]mqtmodels.Device, error) {
	if err := ValidateIdentifier("mallId", mallID); err != nil {
		return nil, err
	}
	if kind != "" && !kind.Valid() {
		return nil, &mqtmodels.ValidationError{Field: "kind", Message: "unknown device kind " + string(kind)}
	}

	storeCtx, cancel := context.WithTimeout(ctx, r.opts.StorageTimeout)
	defer cancel()
	return r.devices.ListDevicesByMall(storeCtx, mallID, kind)
}

// GetSensorData returns a device's readings newest first
func (r *Registry) GetSensorData(ctx context.Context, q mqtmodels.ReadingQuery) ([]mqtmodels.SensorReading, error) {
	if err := ValidateIdentifier("deviceId", q.DeviceID); err != nil {
		return nil, err
	}
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return nil, &mqtmodels.ValidationError{Field: "from", Message: "is after to"}
	}
	if q.Limit < 0 {
		return nil, &mqtmodels.ValidationError{Field: "limit", Message: "must not be negative"}
	}
	if q.Limit == 0 {
		q.Limit = DefaultReadingLimit
	}
	if q.Limit > MaxReadingLimit {
		q.Limit = MaxReadingLimit
	}

	storeCtx, cancel := context.WithTimeout(ctx, r.opts.StorageTimeout)
	defer cancel()
	return r.readings.QueryReadings(storeCtx, q)
}

// Remember refreshes the cached copy of a device after a write
func (r *Registry) Remember(ctx context.Context, device *mqtmodels.Device) {
	cacheCtx, cancel := context.WithTimeout(ctx, r.opts.CacheTimeout)
	defer cancel()
	if err := r.cache.Set(cacheCtx, device); err != nil {
		r.log.WithField("device_id", device.ExternalDeviceID).WithError(err).Warn("device cache write failed")
	}
}

// Forget drops cached devices so the next lookup reads storage
func (r *Registry) Forget(ctx context.Context, externalDeviceIDs ...string) {
	if len(externalDeviceIDs) == 0 {
		return
	}
	cacheCtx, cancel := context.WithTimeout(ctx, r.opts.CacheTimeout)
	defer cancel()
	if err := r.cache.Delete(cacheCtx, externalDeviceIDs...); err != nil {
		r.log.WithField("devices", len(externalDeviceIDs)).WithError(err).Warn("device cache invalidation failed")
	}
}

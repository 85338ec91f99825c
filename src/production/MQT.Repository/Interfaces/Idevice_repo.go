package interfaces

import (
	"context"
	"time"

	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
)

// DeviceActivity is one atomic device state update produced by ingestion
type DeviceActivity struct {
	ExternalDeviceID string
	SeenAt           time.Time
	// LastData replaces the stored snapshot; nil keeps the current one
	LastData map[string]interface{}
	// Promote moves an offline device to online within the same update
	Promote bool
	Reason  string
}

// ActivityResult carries the device after the update and its status before it
type ActivityResult struct {
	Device         mqtmodels.Device
	PreviousStatus mqtmodels.DeviceStatus
}

// Promoted reports whether the update moved the device from offline to online
func (r ActivityResult) Promoted() bool {
	return r.PreviousStatus == mqtmodels.DeviceStatusOffline && r.Device.Status == mqtmodels.DeviceStatusOnline
}

// StatusChanged reports whether the update changed the device status
func (r ActivityResult) StatusChanged() bool {
	return r.PreviousStatus != r.Device.Status
}

type DeviceRepository interface {
	// Create device, *mqtmodels.DuplicateDeviceError on conflict
	CreateDevice(ctx context.Context, device *mqtmodels.Device) error

	// Read devices, (nil, nil) when absent
	GetDeviceByExternalID(ctx context.Context, externalDeviceID string) (*mqtmodels.Device, error)
	ListDevicesByMall(ctx context.Context, mallID string, kind mqtmodels.DeviceKind) ([]mqtmodels.Device, error)

	// Single-statement state updates, mqtmodels.ErrDeviceNotFound when absent
	RecordActivity(ctx context.Context, activity DeviceActivity) (*ActivityResult, error)
	ApplyReportedStatus(ctx context.Context, externalDeviceID string, status mqtmodels.DeviceStatus, seenAt time.Time, lastData map[string]interface{}) (*ActivityResult, error)

	// Demote every online device silent since before cutoff and return them
	MarkSilentDevicesOffline(ctx context.Context, cutoff time.Time, reason string) ([]mqtmodels.Device, error)
}

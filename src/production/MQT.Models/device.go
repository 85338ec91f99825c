package mqtmodels

import "time"

// DeviceKind classifies a registered endpoint
type DeviceKind string

const (
	DeviceKindSensor     DeviceKind = "sensor"
	DeviceKindCamera     DeviceKind = "camera"
	DeviceKindController DeviceKind = "controller"
	DeviceKindGateway    DeviceKind = "gateway"
	DeviceKindActuator   DeviceKind = "actuator"
)

func (k DeviceKind) Valid() bool {
	switch k {
	case DeviceKindSensor, DeviceKindCamera, DeviceKindController, DeviceKindGateway, DeviceKindActuator:
		return true
	}
	return false
}

// DeviceStatus is the connectivity state of a device.
// online and offline cycle through ingestion and the health monitor;
// maintenance and error are administrative and only cleared externally.
type DeviceStatus string

const (
	DeviceStatusOnline      DeviceStatus = "online"
	DeviceStatusOffline     DeviceStatus = "offline"
	DeviceStatusMaintenance DeviceStatus = "maintenance"
	DeviceStatusError       DeviceStatus = "error"
)

func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceStatusOnline, DeviceStatusOffline, DeviceStatusMaintenance, DeviceStatusError:
		return true
	}
	return false
}

// Severity of a triggered alert
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// AlertThreshold bounds one sensor type. Either bound may be omitted.
type AlertThreshold struct {
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Severity Severity `json:"severity,omitempty"`
}

// DeviceConfiguration is the per-device configuration document
type DeviceConfiguration struct {
	Alerts   map[string]AlertThreshold `json:"alerts,omitempty"`
	Settings map[string]interface{}    `json:"settings,omitempty"`
}

// Credential is the public half of the keypair issued at registration
type Credential struct {
	PublicKeyPEM string    `json:"public_key_pem"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Device represents a registered IoT endpoint and its current state
type Device struct {
	ID               string                 `json:"id" db:"id"`
	ExternalDeviceID string                 `json:"external_device_id" db:"external_device_id"`
	MallID           string                 `json:"mall_id" db:"mall_id"`
	Name             string                 `json:"name" db:"name"`
	Kind             DeviceKind             `json:"kind" db:"kind"`
	Status           DeviceStatus           `json:"status" db:"status"`
	StatusReason     string                 `json:"status_reason,omitempty" db:"status_reason"`
	Location         map[string]interface{} `json:"location" db:"location"`
	Configuration    DeviceConfiguration    `json:"configuration" db:"configuration"`
	Credential       Credential             `json:"credential" db:"-"`
	LastSeen         *time.Time             `json:"last_seen,omitempty" db:"last_seen"`
	LastData         map[string]interface{} `json:"last_data,omitempty" db:"last_data"`
	CreatedAt        time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at" db:"updated_at"`
}

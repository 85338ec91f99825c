package eventbus

import (
	"fmt"
	"time"

	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
)

// Kind enumerates the domain events
type Kind int

const (
	KindSensorData Kind = iota + 1
	KindSensorAlert
	KindDeviceStatusUpdate
	KindDeviceRegistered
	KindCommandResponse
)

var kindNames = map[Kind]string{
	KindSensorData:         "sensorData",
	KindSensorAlert:        "sensorAlert",
	KindDeviceStatusUpdate: "deviceStatusUpdate",
	KindDeviceRegistered:   "deviceRegistered",
	KindCommandResponse:    "commandResponse",
}

// AllKinds lists every event kind
var AllKinds = []Kind{KindSensorData, KindSensorAlert, KindDeviceStatusUpdate, KindDeviceRegistered, KindCommandResponse}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("unknown event kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", text)
}

// Payload is implemented only by the event payload types of this package
type Payload interface {
	Kind() Kind
	route() (mallID, deviceID string)
}

// Event is one published domain event
type Event struct {
	Kind     Kind      `json:"kind"`
	MallID   string    `json:"mall_id"`
	DeviceID string    `json:"device_id"`
	At       time.Time `json:"at"`
	Payload  Payload   `json:"payload"`
}

// SensorData carries a stored reading
type SensorData struct {
	Reading mqtmodels.SensorReading `json:"reading"`
}

func (SensorData) Kind() Kind { return KindSensorData }
func (p SensorData) route() (string, string) {
	return p.Reading.MallID, p.Reading.DeviceID
}

// Alert sources
const (
	AlertSourceThreshold = "threshold"
	AlertSourceDevice    = "device"
)

// SensorAlert is a threshold violation or an alert raised by the device itself
type SensorAlert struct {
	DeviceID   string                    `json:"device_id"`
	MallID     string                    `json:"mall_id"`
	SensorType string                    `json:"sensor_type,omitempty"`
	ReadingID  string                    `json:"reading_id,omitempty"`
	Value      *float64                  `json:"value,omitempty"`
	Alert      mqtmodels.AlertAnnotation `json:"alert"`
	Source     string                    `json:"source"`
	Timestamp  time.Time                 `json:"timestamp"`
}

func (SensorAlert) Kind() Kind { return KindSensorAlert }
func (p SensorAlert) route() (string, string) {
	return p.MallID, p.DeviceID
}

// DeviceStatusUpdate reports a status transition
type DeviceStatusUpdate struct {
	DeviceID string                 `json:"device_id"`
	MallID   string                 `json:"mall_id"`
	Previous mqtmodels.DeviceStatus `json:"previous"`
	Status   mqtmodels.DeviceStatus `json:"status"`
	Reason   string                 `json:"reason,omitempty"`
	LastSeen *time.Time             `json:"last_seen,omitempty"`
}

func (DeviceStatusUpdate) Kind() Kind { return KindDeviceStatusUpdate }
func (p DeviceStatusUpdate) route() (string, string) {
	return p.MallID, p.DeviceID
}

// DeviceRegistered announces a new device
type DeviceRegistered struct {
	Device mqtmodels.Device `json:"device"`
}

func (DeviceRegistered) Kind() Kind { return KindDeviceRegistered }
func (p DeviceRegistered) route() (string, string) {
	return p.Device.MallID, p.Device.ExternalDeviceID
}

// CommandResponse carries a command resolved by its device
type CommandResponse struct {
	Command mqtmodels.Command `json:"command"`
}

func (CommandResponse) Kind() Kind { return KindCommandResponse }
func (p CommandResponse) route() (string, string) {
	return p.Command.MallID, p.Command.DeviceID
}

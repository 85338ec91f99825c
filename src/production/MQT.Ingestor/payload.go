package mqtingestor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
)

// ValueKind tags a SensorValue
type ValueKind int

const (
	ValueAbsent ValueKind = iota
	ValueNumber
	ValueBool
)

func (k ValueKind) String() string {
	switch k {
	case ValueNumber:
		return "number"
	case ValueBool:
		return "boolean"
	}
	return "absent"
}

// SensorValue is the validated value of a data message
type SensorValue struct {
	Kind   ValueKind
	Number float64
	Bool   bool
}

// Float returns the stored numeric form; booleans become 1 or 0
func (v SensorValue) Float() *float64 {
	switch v.Kind {
	case ValueNumber:
		n := v.Number
		return &n
	case ValueBool:
		var n float64
		if v.Bool {
			n = 1
		}
		return &n
	}
	return nil
}

// expectedKinds fixes the value type of well known sensor types. Other
// sensor types accept either a number or a boolean.
var expectedKinds = map[string]ValueKind{
	"temperature":   ValueNumber,
	"humidity":      ValueNumber,
	"co2":           ValueNumber,
	"air_quality":   ValueNumber,
	"noise":         ValueNumber,
	"light":         ValueNumber,
	"occupancy":     ValueNumber,
	"footfall":      ValueNumber,
	"energy":        ValueNumber,
	"power":         ValueNumber,
	"water_flow":    ValueNumber,
	"parking_space": ValueBool,
	"motion":        ValueBool,
	"door":          ValueBool,
	"smoke":         ValueBool,
	"water_leak":    ValueBool,
}

var sensorTypePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]{0,63}$`)

// DataMessage is a validated data payload
type DataMessage struct {
	SensorType    string
	Value         SensorValue
	Unit          string
	Confidence    *float64
	Timestamp     *time.Time
	Metadata      map[string]interface{}
	ProcessedData map[string]interface{}
	Tags          []string
	Raw           map[string]interface{}
}

type dataWire struct {
	SensorType    string                 `json:"sensorType"`
	Value         json.RawMessage        `json:"value"`
	Unit          string                 `json:"unit"`
	Confidence    *float64               `json:"confidence"`
	Timestamp     json.RawMessage        `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata"`
	ProcessedData map[string]interface{} `json:"processedData"`
	Tags          []string               `json:"tags"`
}

// ParseDataMessage validates a data payload. Every failure is a *MalformedPayloadError.
func ParseDataMessage(payload []byte) (*DataMessage, error) {
	var wire dataWire
	raw, err := decodeObject(payload, &wire)
	if err != nil {
		return nil, err
	}

	if !sensorTypePattern.MatchString(wire.SensorType) {
		return nil, mqtmodels.Malformed(fmt.Sprintf("invalid sensorType %q", wire.SensorType), nil)
	}

	value, err := parseValue(wire.Value)
	if err != nil {
		return nil, err
	}
	if expected, known := expectedKinds[wire.SensorType]; known && value.Kind != ValueAbsent && value.Kind != expected {
		return nil, mqtmodels.Malformed(fmt.Sprintf("%s expects a %s value, got %s", wire.SensorType, expected, value.Kind), nil)
	}

	if c := wire.Confidence; c != nil && (math.IsNaN(*c) || *c < 0 || *c > 1) {
		return nil, mqtmodels.Malformed(fmt.Sprintf("confidence %v outside [0,1]", *c), nil)
	}
	if len(wire.Unit) > 32 {
		return nil, mqtmodels.Malformed("unit too long", nil)
	}

	ts, err := parseTimestamp(wire.Timestamp)
	if err != nil {
		return nil, err
	}

	return &DataMessage{
		SensorType:    wire.SensorType,
		Value:         value,
		Unit:          wire.Unit,
		Confidence:    wire.Confidence,
		Timestamp:     ts,
		Metadata:      wire.Metadata,
		ProcessedData: wire.ProcessedData,
		Tags:          wire.Tags,
		Raw:           raw,
	}, nil
}

// StatusMessage is a validated device-reported status
type StatusMessage struct {
	Status    mqtmodels.DeviceStatus
	Data      map[string]interface{}
	Timestamp *time.Time
}

type statusWire struct {
	Status    mqtmodels.DeviceStatus `json:"status"`
	Data      map[string]interface{} `json:"data"`
	Timestamp json.RawMessage        `json:"timestamp"`
}

func ParseStatusMessage(payload []byte) (*StatusMessage, error) {
	var wire statusWire
	if _, err := decodeObject(payload, &wire); err != nil {
		return nil, err
	}
	if !wire.Status.Valid() {
		return nil, mqtmodels.Malformed(fmt.Sprintf("unknown status %q", wire.Status), nil)
	}
	ts, err := parseTimestamp(wire.Timestamp)
	if err != nil {
		return nil, err
	}
	return &StatusMessage{Status: wire.Status, Data: wire.Data, Timestamp: ts}, nil
}

// AlertMessage is an alert raised by the device itself
type AlertMessage struct {
	SensorType string
	Message    string
	Severity   mqtmodels.Severity
	Value      *float64
	Timestamp  *time.Time
}

type alertWire struct {
	SensorType string             `json:"sensorType"`
	Message    string             `json:"message"`
	Severity   mqtmodels.Severity `json:"severity"`
	Value      *float64           `json:"value"`
	Timestamp  json.RawMessage    `json:"timestamp"`
}

func ParseAlertMessage(payload []byte) (*AlertMessage, error) {
	var wire alertWire
	if _, err := decodeObject(payload, &wire); err != nil {
		return nil, err
	}
	if strings.TrimSpace(wire.Message) == "" {
		return nil, mqtmodels.Malformed("alert message is required", nil)
	}
	if wire.SensorType != "" && !sensorTypePattern.MatchString(wire.SensorType) {
		return nil, mqtmodels.Malformed(fmt.Sprintf("invalid sensorType %q", wire.SensorType), nil)
	}
	if wire.Severity == "" {
		wire.Severity = mqtmodels.SeverityMedium
	}
	if !wire.Severity.Valid() {
		return nil, mqtmodels.Malformed(fmt.Sprintf("unknown severity %q", wire.Severity), nil)
	}
	ts, err := parseTimestamp(wire.Timestamp)
	if err != nil {
		return nil, err
	}
	return &AlertMessage{
		SensorType: wire.SensorType,
		Message:    wire.Message,
		Severity:   wire.Severity,
		Value:      wire.Value,
		Timestamp:  ts,
	}, nil
}

// decodeObject decodes payload into v and also returns it as a generic map
func decodeObject(payload []byte, v interface{}) (map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, mqtmodels.Malformed("payload is not a JSON object", nil)
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return nil, mqtmodels.Malformed("invalid JSON", err)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, mqtmodels.Malformed("invalid JSON", err)
	}
	return raw, nil
}

func parseValue(raw json.RawMessage) (SensorValue, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return SensorValue{Kind: ValueAbsent}, nil
	}
	switch raw[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return SensorValue{}, mqtmodels.Malformed("invalid boolean value", err)
		}
		return SensorValue{Kind: ValueBool, Bool: b}, nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			return SensorValue{}, mqtmodels.Malformed("invalid numeric value", err)
		}
		return SensorValue{Kind: ValueNumber, Number: n}, nil
	}
	return SensorValue{}, mqtmodels.Malformed("value must be a number, a boolean or null", nil)
}

var errBadTimestamp = errors.New("timestamp must be RFC 3339 or unix milliseconds")

// parseTimestamp accepts an RFC 3339 string or integer unix milliseconds
func parseTimestamp(raw json.RawMessage) (*time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, mqtmodels.Malformed("invalid timestamp", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, mqtmodels.Malformed("invalid timestamp", errBadTimestamp)
		}
		ts = ts.UTC()
		return &ts, nil
	}

	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return nil, mqtmodels.Malformed("invalid timestamp", errBadTimestamp)
	}
	ts := time.UnixMilli(ms).UTC()
	return &ts, nil
}

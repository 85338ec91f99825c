package mqtmodels

import "time"

// Quality is the categorical confidence rating of one sample
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityError     Quality = "error"
)

// Threshold bounds
const (
	BoundMin = "min"
	BoundMax = "max"
)

// AlertAnnotation is written onto a reading that violated a threshold
type AlertAnnotation struct {
	Triggered bool     `json:"triggered" bson:"triggered"`
	Threshold float64  `json:"threshold" bson:"threshold"`
	Bound     string   `json:"bound" bson:"bound"`
	Message   string   `json:"message" bson:"message"`
	Severity  Severity `json:"severity" bson:"severity"`
}

// SensorReading is one immutable telemetry sample. Only Alerts and
// Processed change after insert.
type SensorReading struct {
	ID            string                 `json:"id" bson:"_id"`
	DeviceID      string                 `json:"device_id" bson:"device_id"`
	MallID        string                 `json:"mall_id" bson:"mall_id"`
	SensorType    string                 `json:"sensor_type" bson:"sensor_type"`
	Timestamp     time.Time              `json:"timestamp" bson:"ts"`
	Value         *float64               `json:"value" bson:"value"`
	Unit          string                 `json:"unit,omitempty" bson:"unit,omitempty"`
	Confidence    *float64               `json:"confidence,omitempty" bson:"confidence,omitempty"`
	RawData       map[string]interface{} `json:"raw_data,omitempty" bson:"raw_data,omitempty"`
	ProcessedData map[string]interface{} `json:"processed_data,omitempty" bson:"processed_data,omitempty"`
	Quality       Quality                `json:"quality" bson:"quality"`
	Alerts        *AlertAnnotation       `json:"alerts,omitempty" bson:"alerts,omitempty"`
	Processed     bool                   `json:"processed" bson:"processed"`
	Tags          []string               `json:"tags,omitempty" bson:"tags,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`
	ReceivedAt    time.Time              `json:"received_at" bson:"received_at"`
}

// ReadingQuery filters getSensorData
type ReadingQuery struct {
	DeviceID   string
	SensorType string
	From       *time.Time
	To         *time.Time
	Limit      int
}

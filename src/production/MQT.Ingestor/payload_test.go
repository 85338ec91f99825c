package mqtingestor

import (
	"errors"
	"testing"
	"time"

	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataMessage(t *testing.T) {
	msg, err := ParseDataMessage([]byte(`{"sensorType":"temperature","value":22.5,"unit":"C","confidence":0.95,"timestamp":"2026-10-15T12:00:00Z","metadata":{"fw":"1.2"},"tags":["hvac"]}`))
	require.NoError(t, err)
	assert.Equal(t, "temperature", msg.SensorType)
	assert.Equal(t, ValueNumber, msg.Value.Kind)
	assert.Equal(t, 22.5, *msg.Value.Float())
	assert.Equal(t, "C", msg.Unit)
	assert.Equal(t, 0.95, *msg.Confidence)
	assert.Equal(t, time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC), *msg.Timestamp)
	assert.Equal(t, "1.2", msg.Metadata["fw"])
	assert.Equal(t, []string{"hvac"}, msg.Tags)
	assert.Equal(t, 22.5, msg.Raw["value"])
}

func TestParseDataMessageValues(t *testing.T) {
	msg, err := ParseDataMessage([]byte(`{"sensorType":"motion","value":true,"timestamp":1760529600000}`))
	require.NoError(t, err)
	assert.Equal(t, ValueBool, msg.Value.Kind)
	assert.Equal(t, 1.0, *msg.Value.Float())
	assert.Equal(t, time.UnixMilli(1760529600000).UTC(), *msg.Timestamp)

	msg, err = ParseDataMessage([]byte(`{"sensorType":"door","value":false}`))
	require.NoError(t, err)
	assert.Equal(t, 0.0, *msg.Value.Float())
	assert.Nil(t, msg.Timestamp)

	msg, err = ParseDataMessage([]byte(`{"sensorType":"temperature","value":null}`))
	require.NoError(t, err)
	assert.Equal(t, ValueAbsent, msg.Value.Kind)
	assert.Nil(t, msg.Value.Float())

	// unknown sensor types accept either kind
	msg, err = ParseDataMessage([]byte(`{"sensorType":"custom_gauge","value":true}`))
	require.NoError(t, err)
	assert.Equal(t, ValueBool, msg.Value.Kind)
}

func TestParseDataMessageRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `temperature=22`},
		{"array", `[1,2,3]`},
		{"empty", ``},
		{"missing sensor type", `{"value":1}`},
		{"bad sensor type", `{"sensorType":"temp/erature","value":1}`},
		{"string value", `{"sensorType":"temperature","value":"22"}`},
		{"object value", `{"sensorType":"temperature","value":{"v":22}}`},
		{"bool for numeric sensor", `{"sensorType":"temperature","value":true}`},
		{"number for boolean sensor", `{"sensorType":"motion","value":1}`},
		{"confidence above one", `{"sensorType":"temperature","value":1,"confidence":1.5}`},
		{"negative confidence", `{"sensorType":"temperature","value":1,"confidence":-0.1}`},
		{"bad timestamp string", `{"sensorType":"temperature","value":1,"timestamp":"yesterday"}`},
		{"fractional timestamp", `{"sensorType":"temperature","value":1,"timestamp":1.5}`},
		{"metadata not object", `{"sensorType":"temperature","value":1,"metadata":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDataMessage([]byte(tt.payload))
			var malformed *mqtmodels.MalformedPayloadError
			assert.True(t, errors.As(err, &malformed), "got %v", err)
		})
	}
}

func TestParseStatusMessage(t *testing.T) {
	msg, err := ParseStatusMessage([]byte(`{"status":"maintenance","data":{"battery":81}}`))
	require.NoError(t, err)
	assert.Equal(t, mqtmodels.DeviceStatusMaintenance, msg.Status)
	assert.Equal(t, 81.0, msg.Data["battery"])

	_, err = ParseStatusMessage([]byte(`{"status":"sleeping"}`))
	assert.Error(t, err)
	_, err = ParseStatusMessage([]byte(`{}`))
	assert.Error(t, err)
}

func TestParseAlertMessage(t *testing.T) {
	msg, err := ParseAlertMessage([]byte(`{"message":"tamper detected"}`))
	require.NoError(t, err)
	assert.Equal(t, mqtmodels.SeverityMedium, msg.Severity)

	msg, err = ParseAlertMessage([]byte(`{"message":"smoke","severity":"critical","sensorType":"smoke"}`))
	require.NoError(t, err)
	assert.Equal(t, mqtmodels.SeverityCritical, msg.Severity)

	_, err = ParseAlertMessage([]byte(`{"message":"  "}`))
	assert.Error(t, err)
	_, err = ParseAlertMessage([]byte(`{"message":"x","severity":"apocalyptic"}`))
	assert.Error(t, err)
}

func TestAssessQuality(t *testing.T) {
	c := func(v float64) *float64 { return &v }
	number := SensorValue{Kind: ValueNumber, Number: 1}

	tests := []struct {
		name       string
		value      SensorValue
		confidence *float64
		want       mqtmodels.Quality
	}{
		{"absent value", SensorValue{}, c(0.99), mqtmodels.QualityError},
		{"no confidence", number, nil, mqtmodels.QualityGood},
		{"excellent", number, c(0.95), mqtmodels.QualityExcellent},
		{"boundary 0.9 is good", number, c(0.9), mqtmodels.QualityGood},
		{"good", number, c(0.8), mqtmodels.QualityGood},
		{"boundary 0.7 is fair", number, c(0.7), mqtmodels.QualityFair},
		{"fair", number, c(0.6), mqtmodels.QualityFair},
		{"boundary 0.5 is poor", number, c(0.5), mqtmodels.QualityPoor},
		{"zero", number, c(0), mqtmodels.QualityPoor},
		{"boolean", SensorValue{Kind: ValueBool, Bool: true}, c(1), mqtmodels.QualityExcellent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AssessQuality(tt.value, tt.confidence))
		})
	}
}

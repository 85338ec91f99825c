// Package alerts evaluates readings against per-device thresholds
package alerts

import (
	"context"
	"fmt"
	"strconv"
	"time"

	logger "github.com/deerfields/molls-sub000/src/production/MQT.Logger"
	metrics "github.com/deerfields/molls-sub000/src/production/MQT.Metrics"
	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
	interfaces "github.com/deerfields/molls-sub000/src/production/MQT.Repository/Interfaces"
	retry "github.com/deerfields/molls-sub000/src/production/MQT.Retry"
)

// DefaultSeverity applies when a threshold does not name one
const DefaultSeverity = mqtmodels.SeverityMedium

// Evaluate checks reading against the threshold configured for its sensor
// type. It returns nil when nothing is configured, the reading has no value
// or the value is within bounds.
func Evaluate(cfg mqtmodels.DeviceConfiguration, reading *mqtmodels.SensorReading) *mqtmodels.AlertAnnotation {
	threshold, ok := cfg.Alerts[reading.SensorType]
	if !ok || reading.Value == nil {
		return nil
	}
	value := *reading.Value

	severity := threshold.Severity
	if severity == "" {
		severity = DefaultSeverity
	}

	switch {
	case threshold.Min != nil && value < *threshold.Min:
		return &mqtmodels.AlertAnnotation{
			Triggered: true,
			Threshold: *threshold.Min,
			Bound:     mqtmodels.BoundMin,
			Message:   fmt.Sprintf("%s %s below minimum %s", reading.SensorType, format(value), format(*threshold.Min)),
			Severity:  severity,
		}
	case threshold.Max != nil && value > *threshold.Max:
		return &mqtmodels.AlertAnnotation{
			Triggered: true,
			Threshold: *threshold.Max,
			Bound:     mqtmodels.BoundMax,
			Message:   fmt.Sprintf("%s %s above maximum %s", reading.SensorType, format(value), format(*threshold.Max)),
			Severity:  severity,
		}
	}
	return nil
}

func format(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// DefaultStorageTimeout bounds one annotation write when none is configured
const DefaultStorageTimeout = 3 * time.Second

// Engine persists triggered annotations onto stored readings
type Engine struct {
	readings       interfaces.ReadingRepository
	retry          retry.Config
	storageTimeout time.Duration
	log            *logger.Logger
}

// NewEngine creates an engine. Each annotation write attempt is bounded by
// storageTimeout.
func NewEngine(readings interfaces.ReadingRepository, retryCfg retry.Config, storageTimeout time.Duration, log *logger.Logger) *Engine {
	if storageTimeout <= 0 {
		storageTimeout = DefaultStorageTimeout
	}
	return &Engine{readings: readings, retry: retryCfg, storageTimeout: storageTimeout, log: log.WithComponent("alerts")}
}

// Apply evaluates reading for device and, when triggered, stores the
// annotation and sets it on reading. The annotation is returned even if
// storing it failed, together with the error.
func (e *Engine) Apply(ctx context.Context, device *mqtmodels.Device, reading *mqtmodels.SensorReading) (*mqtmodels.AlertAnnotation, error) {
	alert := Evaluate(device.Configuration, reading)
	if alert == nil {
		return nil, nil
	}
	reading.Alerts = alert
	metrics.AlertsTriggered.WithLabelValues(string(alert.Severity)).Inc()

	retryCfg := e.retry
	retryCfg.OnRetry = func(attempt int, err error) {
		metrics.PersistenceRetries.WithLabelValues("annotate_alert").Inc()
	}
	err := retry.Do(ctx, retryCfg, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.storageTimeout)
		defer cancel()
		return e.readings.AnnotateAlert(attemptCtx, reading.ID, reading.Timestamp, *alert)
	})
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("annotate_alert").Inc()
		e.log.WithDevice(reading.MallID, reading.DeviceID).WithField("reading_id", reading.ID).ErrorWithError(err, "failed to store alert annotation")
		return alert, &mqtmodels.TransientPersistenceError{Op: "annotate alert", Err: err}
	}

	e.log.WithDevice(reading.MallID, reading.DeviceID).
		WithFields(map[string]interface{}{"sensor_type": reading.SensorType, "severity": string(alert.Severity)}).
		Info(alert.Message)
	return alert, nil
}

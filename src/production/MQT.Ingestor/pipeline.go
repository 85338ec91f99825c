package mqtingestor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	alerts "github.com/deerfields/molls-sub000/src/production/MQT.Alerts"
	eventbus "github.com/deerfields/molls-sub000/src/production/MQT.EventBus"
	logger "github.com/deerfields/molls-sub000/src/production/MQT.Logger"
	metrics "github.com/deerfields/molls-sub000/src/production/MQT.Metrics"
	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
	interfaces "github.com/deerfields/molls-sub000/src/production/MQT.Repository/Interfaces"
	retry "github.com/deerfields/molls-sub000/src/production/MQT.Retry"
	"github.com/google/uuid"
)

var (
	// ErrMallMismatch rejects a message whose topic names a different mall
	// than the one the device is registered to
	ErrMallMismatch = errors.New("device registered to another mall")

	// ErrTimestampOutOfRange rejects samples too far in the future or past
	ErrTimestampOutOfRange = errors.New("timestamp outside accepted window")
)

// DeviceDirectory resolves devices for ingestion and drops cached copies
// whose status changed. *registry.Registry implements it.
type DeviceDirectory interface {
	GetDevice(ctx context.Context, externalDeviceID string) (*mqtmodels.Device, error)
	Forget(ctx context.Context, externalDeviceIDs ...string)
}

// Source identifies where a message came from
type Source struct {
	MallID     string
	DeviceID   string
	ReceivedAt time.Time
}

// PipelineOptions tunes validation and persistence
type PipelineOptions struct {
	MaxClockSkew   time.Duration
	MaxReadingAge  time.Duration
	StorageTimeout time.Duration
	Retry          retry.Config
}

// DataResult is the outcome of one stored data message
type DataResult struct {
	Reading  mqtmodels.SensorReading
	Device   mqtmodels.Device
	Promoted bool
	Alert    *mqtmodels.AlertAnnotation
}

// Pipeline validates device messages and applies them to storage, device
// state, alert evaluation and the event bus
type Pipeline struct {
	directory DeviceDirectory
	devices   interfaces.DeviceRepository
	readings  interfaces.ReadingRepository
	alerts    *alerts.Engine
	bus       *eventbus.Bus
	log       *logger.Logger
	opts      PipelineOptions
	now       func() time.Time
}

func NewPipeline(directory DeviceDirectory, devices interfaces.DeviceRepository, readings interfaces.ReadingRepository, engine *alerts.Engine, bus *eventbus.Bus, log *logger.Logger, opts PipelineOptions) *Pipeline {
	if opts.MaxClockSkew <= 0 {
		opts.MaxClockSkew = 5 * time.Minute
	}
	if opts.MaxReadingAge <= 0 {
		opts.MaxReadingAge = 24 * time.Hour
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = 3 * time.Second
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = retry.DefaultConfig()
	}
	return &Pipeline{
		directory: directory,
		devices:   devices,
		readings:  readings,
		alerts:    engine,
		bus:       bus,
		log:       log.WithComponent("pipeline"),
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// HandleData stores one data message. A redelivered sample returns
// mqtmodels.ErrDuplicateReading and changes nothing. When the reading is
// stored but a later step fails, the result is returned with the error.
func (p *Pipeline) HandleData(ctx context.Context, src Source, payload []byte) (*DataResult, error) {
	msg, err := ParseDataMessage(payload)
	if err != nil {
		return nil, err
	}
	device, err := p.resolve(ctx, src)
	if err != nil {
		return nil, err
	}
	ts, err := p.sampleTime(msg.Timestamp, src.ReceivedAt)
	if err != nil {
		return nil, err
	}

	reading := mqtmodels.SensorReading{
		ID:            uuid.NewString(),
		DeviceID:      src.DeviceID,
		MallID:        src.MallID,
		SensorType:    msg.SensorType,
		Timestamp:     ts,
		Value:         msg.Value.Float(),
		Unit:          msg.Unit,
		Confidence:    msg.Confidence,
		RawData:       msg.Raw,
		ProcessedData: msg.ProcessedData,
		Quality:       AssessQuality(msg.Value, msg.Confidence),
		Tags:          msg.Tags,
		Metadata:      msg.Metadata,
		ReceivedAt:    src.ReceivedAt.UTC(),
	}

	var inserted bool
	err = p.persist(ctx, "insert_reading", func(ctx context.Context) error {
		var err error
		inserted, err = p.readings.InsertReading(ctx, &reading)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, mqtmodels.ErrDuplicateReading
	}

	result := &DataResult{Reading: reading, Device: *device}
	var stepErrs []error

	activity, err := p.recordActivity(ctx, interfaces.DeviceActivity{
		ExternalDeviceID: src.DeviceID,
		SeenAt:           seenAt(ts, src.ReceivedAt),
		LastData:         msg.Raw,
		Promote:          true,
		Reason:           "telemetry received",
	})
	if err != nil {
		stepErrs = append(stepErrs, err)
	} else {
		result.Device = activity.Device
		result.Promoted = activity.Promoted()
	}

	alert, err := p.alerts.Apply(ctx, &result.Device, &reading)
	if err != nil {
		stepErrs = append(stepErrs, err)
	}
	result.Alert = alert
	result.Reading = reading

	p.bus.Publish(eventbus.SensorData{Reading: reading})
	if alert != nil {
		p.bus.Publish(eventbus.SensorAlert{
			DeviceID:   reading.DeviceID,
			MallID:     reading.MallID,
			SensorType: reading.SensorType,
			ReadingID:  reading.ID,
			Value:      reading.Value,
			Alert:      *alert,
			Source:     eventbus.AlertSourceThreshold,
			Timestamp:  reading.Timestamp,
		})
	}

	return result, errors.Join(stepErrs...)
}

// HandleStatus applies a status reported by the device
func (p *Pipeline) HandleStatus(ctx context.Context, src Source, payload []byte) (*interfaces.ActivityResult, error) {
	msg, err := ParseStatusMessage(payload)
	if err != nil {
		return nil, err
	}
	if _, err := p.resolve(ctx, src); err != nil {
		return nil, err
	}
	ts, err := p.sampleTime(msg.Timestamp, src.ReceivedAt)
	if err != nil {
		return nil, err
	}

	var res *interfaces.ActivityResult
	err = p.persist(ctx, "apply_status", func(ctx context.Context) error {
		var err error
		res, err = p.devices.ApplyReportedStatus(ctx, src.DeviceID, msg.Status, seenAt(ts, src.ReceivedAt), msg.Data)
		return notFoundIsFinal(err)
	})
	if err != nil {
		return nil, unwrapNotFound(err)
	}

	if res.StatusChanged() {
		p.directory.Forget(ctx, src.DeviceID)
		p.statusChanged(res, "reported by device")
	}
	return res, nil
}

// HandleDeviceAlert turns an alert raised by the device into a sensorAlert event.
// The alert is not stored; it only refreshes the device heartbeat.
func (p *Pipeline) HandleDeviceAlert(ctx context.Context, src Source, payload []byte) (*eventbus.SensorAlert, error) {
	msg, err := ParseAlertMessage(payload)
	if err != nil {
		return nil, err
	}
	if _, err := p.resolve(ctx, src); err != nil {
		return nil, err
	}
	ts, err := p.sampleTime(msg.Timestamp, src.ReceivedAt)
	if err != nil {
		return nil, err
	}

	_, err = p.recordActivity(ctx, interfaces.DeviceActivity{
		ExternalDeviceID: src.DeviceID,
		SeenAt:           seenAt(ts, src.ReceivedAt),
		Promote:          true,
		Reason:           "alert received",
	})
	if err != nil {
		p.log.WithDevice(src.MallID, src.DeviceID).WithError(err).Warn("failed to record activity for device alert")
	}

	event := eventbus.SensorAlert{
		DeviceID:   src.DeviceID,
		MallID:     src.MallID,
		SensorType: msg.SensorType,
		Value:      msg.Value,
		Alert: mqtmodels.AlertAnnotation{
			Triggered: true,
			Message:   msg.Message,
			Severity:  msg.Severity,
		},
		Source:    eventbus.AlertSourceDevice,
		Timestamp: ts,
	}
	metrics.AlertsTriggered.WithLabelValues(string(msg.Severity)).Inc()
	p.bus.Publish(event)
	return &event, nil
}

// Batch item outcomes
const (
	ItemStored    = "stored"
	ItemDuplicate = "duplicate"
	ItemRejected  = "rejected"
	ItemFailed    = "failed"
)

// ItemResult reports one entry of IngestBatch
type ItemResult struct {
	Index     int    `json:"index"`
	Status    string `json:"status"`
	ReadingID string `json:"reading_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// IngestBatch runs several data payloads of one device through HandleData
// in order. A failing item does not stop the batch.
func (p *Pipeline) IngestBatch(ctx context.Context, src Source, items []json.RawMessage) []ItemResult {
	results := make([]ItemResult, len(items))
	for i, item := range items {
		results[i] = ItemResult{Index: i}

		res, err := p.HandleData(ctx, src, item)
		if res != nil {
			results[i].ReadingID = res.Reading.ID
		}
		switch {
		case err == nil:
			results[i].Status = ItemStored
		case errors.Is(err, mqtmodels.ErrDuplicateReading):
			results[i].Status = ItemDuplicate
		case res != nil:
			// stored, a follow-up step failed
			results[i].Status = ItemStored
			results[i].Error = err.Error()
		case IsRejection(err):
			results[i].Status = ItemRejected
			results[i].Error = err.Error()
		default:
			results[i].Status = ItemFailed
			results[i].Error = err.Error()
		}
	}
	return results
}

// IsRejection reports whether err was caused by the device input itself
// rather than by the hub
func IsRejection(err error) bool {
	var malformed *mqtmodels.MalformedPayloadError
	return errors.As(err, &malformed) ||
		errors.Is(err, mqtmodels.ErrDeviceNotFound) ||
		errors.Is(err, ErrMallMismatch)
}

// DropReason maps a pipeline error to its drop metric label
func DropReason(err error) string {
	switch {
	case errors.Is(err, ErrTimestampOutOfRange):
		return metrics.ReasonClockSkew
	case errors.Is(err, mqtmodels.ErrDuplicateReading):
		return metrics.ReasonDuplicate
	case errors.Is(err, mqtmodels.ErrDeviceNotFound):
		return metrics.ReasonUnknownDevice
	case errors.Is(err, ErrMallMismatch):
		return metrics.ReasonMallMismatch
	}
	var malformed *mqtmodels.MalformedPayloadError
	if errors.As(err, &malformed) {
		return metrics.ReasonMalformed
	}
	return metrics.ReasonPersistence
}

// resolve loads the device and checks it belongs to the mall in the topic
func (p *Pipeline) resolve(ctx context.Context, src Source) (*mqtmodels.Device, error) {
	var device *mqtmodels.Device
	err := p.persist(ctx, "get_device", func(ctx context.Context) error {
		var err error
		device, err = p.directory.GetDevice(ctx, src.DeviceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, fmt.Errorf("%w: %s", mqtmodels.ErrDeviceNotFound, src.DeviceID)
	}
	if device.MallID != src.MallID {
		return nil, fmt.Errorf("%w: %s belongs to %s, not %s", ErrMallMismatch, src.DeviceID, device.MallID, src.MallID)
	}
	return device, nil
}

// sampleTime picks the device timestamp, or the receive time when absent,
// and rejects it outside [now-MaxReadingAge, now+MaxClockSkew]
func (p *Pipeline) sampleTime(ts *time.Time, receivedAt time.Time) (time.Time, error) {
	if ts == nil {
		return receivedAt.UTC(), nil
	}
	now := p.now()
	if ts.After(now.Add(p.opts.MaxClockSkew)) {
		return time.Time{}, mqtmodels.Malformed(fmt.Sprintf("timestamp %s is ahead of hub clock", ts.Format(time.RFC3339)), ErrTimestampOutOfRange)
	}
	if ts.Before(now.Add(-p.opts.MaxReadingAge)) {
		return time.Time{}, mqtmodels.Malformed(fmt.Sprintf("timestamp %s is too old", ts.Format(time.RFC3339)), ErrTimestampOutOfRange)
	}
	return ts.UTC(), nil
}

// seenAt is the heartbeat recorded for a message: the hub receive time, or
// the sample time when the device clock runs ahead. A backlogged or
// replayed sample never moves lastSeen behind the moment it arrived.
func seenAt(ts, receivedAt time.Time) time.Time {
	if receivedAt.IsZero() || ts.After(receivedAt) {
		return ts
	}
	return receivedAt.UTC()
}

func (p *Pipeline) recordActivity(ctx context.Context, activity interfaces.DeviceActivity) (*interfaces.ActivityResult, error) {
	var res *interfaces.ActivityResult
	err := p.persist(ctx, "record_activity", func(ctx context.Context) error {
		var err error
		res, err = p.devices.RecordActivity(ctx, activity)
		return notFoundIsFinal(err)
	})
	if err != nil {
		return nil, unwrapNotFound(err)
	}

	if res.Promoted() {
		p.directory.Forget(ctx, activity.ExternalDeviceID)
		metrics.DevicePromotions.Inc()
		p.statusChanged(res, activity.Reason)
	}
	return res, nil
}

func (p *Pipeline) statusChanged(res *interfaces.ActivityResult, reason string) {
	d := res.Device
	p.bus.Publish(eventbus.DeviceStatusUpdate{
		DeviceID: d.ExternalDeviceID,
		MallID:   d.MallID,
		Previous: res.PreviousStatus,
		Status:   d.Status,
		Reason:   reason,
		LastSeen: d.LastSeen,
	})
	p.log.WithDevice(d.MallID, d.ExternalDeviceID).
		WithFields(map[string]interface{}{"from": string(res.PreviousStatus), "to": string(d.Status)}).
		Info("device status changed")
}

// persist retries fn with a per-attempt storage timeout and wraps a final
// failure in a TransientPersistenceError
func (p *Pipeline) persist(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cfg := p.opts.Retry
	cfg.OnRetry = func(attempt int, err error) {
		metrics.PersistenceRetries.WithLabelValues(op).Inc()
		p.log.WithFields(map[string]interface{}{"op": op, "attempt": attempt}).WithError(err).Debug("retrying storage operation")
	}
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.opts.StorageTimeout)
		defer cancel()
		return fn(attemptCtx)
	})
	if err == nil {
		return nil
	}
	if retry.IsNonRetryable(err) {
		return err
	}
	metrics.PersistenceFailures.WithLabelValues(op).Inc()
	return &mqtmodels.TransientPersistenceError{Op: op, Err: err}
}

func notFoundIsFinal(err error) error {
	if errors.Is(err, mqtmodels.ErrDeviceNotFound) {
		return retry.NonRetryable(err)
	}
	return err
}

func unwrapNotFound(err error) error {
	if errors.Is(err, mqtmodels.ErrDeviceNotFound) {
		return mqtmodels.ErrDeviceNotFound
	}
	return err
}

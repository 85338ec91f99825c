package mqtingestor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	alerts "github.com/deerfields/molls-sub000/src/production/MQT.Alerts"
	eventbus "github.com/deerfields/molls-sub000/src/production/MQT.EventBus"
	logger "github.com/deerfields/molls-sub000/src/production/MQT.Logger"
	metrics "github.com/deerfields/molls-sub000/src/production/MQT.Metrics"
	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
	monitor "github.com/deerfields/molls-sub000/src/production/MQT.Monitor"
	registry "github.com/deerfields/molls-sub000/src/production/MQT.Registry"
	implementation "github.com/deerfields/molls-sub000/src/production/MQT.Repository/Implementation"
	interfaces "github.com/deerfields/molls-sub000/src/production/MQT.Repository/Interfaces"
	retry "github.com/deerfields/molls-sub000/src/production/MQT.Retry"
	"github.com/deerfields/molls-sub000/src/production/MQT.Startup/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHub struct {
	pipeline *Pipeline
	registry *registry.Registry
	devices  *implementation.SQLiteDeviceRepository
	readings *implementation.SQLiteReadingRepository
	bus      *eventbus.Bus
	retry    retry.Config
}

func newTestHub(t *testing.T) *testHub {
	db, err := health.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	devices := implementation.NewSQLiteDeviceRepository(db)
	readings := implementation.NewSQLiteReadingRepository(db)
	bus := eventbus.New(logger.Nop())
	reg := registry.New(devices, readings, implementation.NewMemoryDeviceCache(time.Minute, 100), bus, logger.Nop(), registry.Options{})
	retryCfg := retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	engine := alerts.NewEngine(readings, retryCfg, time.Second, logger.Nop())

	p := NewPipeline(reg, devices, readings, engine, bus, logger.Nop(), PipelineOptions{Retry: retryCfg})
	return &testHub{pipeline: p, registry: reg, devices: devices, readings: readings, bus: bus, retry: retryCfg}
}

// withStores builds a second pipeline over the hub's registry and bus
// using the given repositories
func (h *testHub) withStores(devices interfaces.DeviceRepository, readings interfaces.ReadingRepository) *Pipeline {
	engine := alerts.NewEngine(readings, h.retry, time.Second, logger.Nop())
	return NewPipeline(h.registry, devices, readings, engine, h.bus, logger.Nop(), PipelineOptions{Retry: h.retry})
}

// flakyReadings fails the first failures inserts
type flakyReadings struct {
	interfaces.ReadingRepository
	mu       sync.Mutex
	failures int
	attempts int
}

func (r *flakyReadings) InsertReading(ctx context.Context, reading *mqtmodels.SensorReading) (bool, error) {
	r.mu.Lock()
	r.attempts++
	fail := r.failures > 0
	if fail {
		r.failures--
	}
	r.mu.Unlock()
	if fail {
		return false, errors.New("connection reset by peer")
	}
	return r.ReadingRepository.InsertReading(ctx, reading)
}

func (r *flakyReadings) insertAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// sweepingDevices demotes every online device right after each activity
// write, as a concurrent health sweep would
type sweepingDevices struct {
	interfaces.DeviceRepository
	cache monitor.CacheInvalidator
}

func (d *sweepingDevices) RecordActivity(ctx context.Context, activity interfaces.DeviceActivity) (*interfaces.ActivityResult, error) {
	res, err := d.DeviceRepository.RecordActivity(ctx, activity)
	if err != nil {
		return nil, err
	}
	demoted, err := d.DeviceRepository.MarkSilentDevicesOffline(ctx, time.Now().UTC().Add(time.Hour), monitor.HeartbeatReason)
	if err != nil {
		return nil, err
	}
	for _, dev := range demoted {
		d.cache.Forget(ctx, dev.ExternalDeviceID)
	}
	return res, nil
}

func (h *testHub) register(t *testing.T, id, mall string) {
	max := 30.0
	_, err := h.registry.RegisterDevice(context.Background(), registry.RegisterDeviceRequest{
		ExternalDeviceID: id,
		MallID:           mall,
		Name:             "Sensor " + id,
		Kind:             mqtmodels.DeviceKindSensor,
		Configuration: mqtmodels.DeviceConfiguration{
			Alerts: map[string]mqtmodels.AlertThreshold{"temperature": {Max: &max, Severity: mqtmodels.SeverityHigh}},
		},
	})
	require.NoError(t, err)
}

func dataPayload(value interface{}, ts time.Time) []byte {
	raw, _ := json.Marshal(map[string]interface{}{
		"sensorType": "temperature",
		"value":      value,
		"unit":       "C",
		"confidence": 0.95,
		"timestamp":  ts.Format(time.RFC3339Nano),
	})
	return raw
}

func src(mall, device string) Source {
	return Source{MallID: mall, DeviceID: device, ReceivedAt: time.Now().UTC()}
}

func drain(sub *eventbus.Subscription) []eventbus.Event {
	var events []eventbus.Event
	for {
		select {
		case ev := <-sub.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestHandleDataEndToEnd(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)
	hub.register(t, "sensor-42", "mall-1")
	sub := hub.bus.Subscribe(32, eventbus.KindSensorData, eventbus.KindSensorAlert, eventbus.KindDeviceStatusUpdate)

	t0 := time.Now().UTC()
	res, err := hub.pipeline.HandleData(ctx, Source{MallID: "mall-1", DeviceID: "sensor-42", ReceivedAt: t0}, dataPayload(22, t0))
	require.NoError(t, err)
	assert.True(t, res.Promoted)
	assert.Nil(t, res.Alert)
	assert.Equal(t, mqtmodels.QualityExcellent, res.Reading.Quality)
	assert.Equal(t, mqtmodels.DeviceStatusOnline, res.Device.Status)
	require.NotNil(t, res.Device.LastSeen)
	assert.WithinDuration(t, t0, *res.Device.LastSeen, time.Microsecond)

	events := drain(sub)
	require.Len(t, events, 2)
	assert.Equal(t, eventbus.KindDeviceStatusUpdate, events[0].Kind)
	update := events[0].Payload.(eventbus.DeviceStatusUpdate)
	assert.Equal(t, mqtmodels.DeviceStatusOffline, update.Previous)
	assert.Equal(t, mqtmodels.DeviceStatusOnline, update.Status)
	assert.Equal(t, eventbus.KindSensorData, events[1].Kind)

	res, err = hub.pipeline.HandleData(ctx, src("mall-1", "sensor-42"), dataPayload(40, t0.Add(time.Second)))
	require.NoError(t, err)
	assert.False(t, res.Promoted)
	require.NotNil(t, res.Alert)
	assert.True(t, res.Alert.Triggered)
	assert.Equal(t, mqtmodels.SeverityHigh, res.Alert.Severity)

	events = drain(sub)
	require.Len(t, events, 2)
	assert.Equal(t, eventbus.KindSensorData, events[0].Kind)
	assert.Equal(t, eventbus.KindSensorAlert, events[1].Kind)
	alert := events[1].Payload.(eventbus.SensorAlert)
	assert.Equal(t, eventbus.AlertSourceThreshold, alert.Source)
	assert.Equal(t, res.Reading.ID, alert.ReadingID)

	stored, err := hub.registry.GetSensorData(ctx, mqtmodels.ReadingQuery{DeviceID: "sensor-42"})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.NotNil(t, stored[0].Alerts)
	assert.True(t, stored[0].Alerts.Triggered)
	assert.Nil(t, stored[1].Alerts)
}

func TestHandleDataPromotesOnce(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)
	hub.register(t, "sensor-42", "mall-1")
	sub := hub.bus.Subscribe(64, eventbus.KindDeviceStatusUpdate)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		_, err := hub.pipeline.HandleData(ctx, src("mall-1", "sensor-42"), dataPayload(21, base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}
	assert.Len(t, drain(sub), 1)
}

func TestHandleDataDuplicate(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)
	hub.register(t, "sensor-42", "mall-1")

	t0 := time.Now().UTC().Add(-time.Minute)
	_, err := hub.pipeline.HandleData(ctx, src("mall-1", "sensor-42"), dataPayload(40, t0))
	require.NoError(t, err)

	sub := hub.bus.Subscribe(8)
	res, err := hub.pipeline.HandleData(ctx, src("mall-1", "sensor-42"), dataPayload(40, t0))
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, mqtmodels.ErrDuplicateReading))
	assert.Empty(t, drain(sub))

	stored, err := hub.registry.GetSensorData(ctx, mqtmodels.ReadingQuery{DeviceID: "sensor-42"})
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestHandleDataRejects(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)
	hub.register(t, "sensor-42", "mall-1")
	now := time.Now().UTC()

	tests := []struct {
		name    string
		src     Source
		payload []byte
		target  error
		reason  string
	}{
		{"unknown device", src("mall-1", "ghost"), dataPayload(1, now), mqtmodels.ErrDeviceNotFound, "unknown_device"},
		{"mall mismatch", src("mall-2", "sensor-42"), dataPayload(1, now), ErrMallMismatch, "mall_mismatch"},
		{"future timestamp", src("mall-1", "sensor-42"), dataPayload(1, now.Add(time.Hour)), ErrTimestampOutOfRange, "clock_skew"},
		{"stale timestamp", src("mall-1", "sensor-42"), dataPayload(1, now.Add(-48*time.Hour)), ErrTimestampOutOfRange, "clock_skew"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := hub.pipeline.HandleData(ctx, tt.src, tt.payload)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), "got %v", err)
			assert.True(t, IsRejection(err))
			assert.Equal(t, tt.reason, DropReason(err))
		})
	}

	_, err := hub.pipeline.HandleData(ctx, src("mall-1", "sensor-42"), []byte(`{"sensorType":"temperature","value":"hot"}`))
	assert.True(t, IsRejection(err))
	assert.Equal(t, "malformed", DropReason(err))

	device, err := hub.registry.GetDevice(ctx, "sensor-42")
	require.NoError(t, err)
	assert.Equal(t, mqtmodels.DeviceStatusOffline, device.Status)
}

func TestHandleDataNullValue(t *testing.T) {
	hub := newTestHub(t)
	hub.register(t, "sensor-42", "mall-1")

	res, err := hub.pipeline.HandleData(context.Background(), src("mall-1", "sensor-42"), []byte(`{"sensorType":"temperature","value":null}`))
	require.NoError(t, err)
	assert.Equal(t, mqtmodels.QualityError, res.Reading.Quality)
	assert.Nil(t, res.Reading.Value)
	assert.Nil(t, res.Alert)
}

func TestHandleStatus(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)
	hub.register(t, "sensor-42", "mall-1")
	sub := hub.bus.Subscribe(8, eventbus.KindDeviceStatusUpdate)

	res, err := hub.pipeline.HandleStatus(ctx, src("mall-1", "sensor-42"), []byte(`{"status":"maintenance","data":{"battery":12}}`))
	require.NoError(t, err)
	assert.Equal(t, mqtmodels.DeviceStatusMaintenance, res.Device.Status)

	events := drain(sub)
	require.Len(t, events, 1)
	assert.Equal(t, mqtmodels.DeviceStatusMaintenance, events[0].Payload.(eventbus.DeviceStatusUpdate).Status)

	// reporting the same status again is not a transition
	_, err = hub.pipeline.HandleStatus(ctx, src("mall-1", "sensor-42"), []byte(`{"status":"maintenance"}`))
	require.NoError(t, err)
	assert.Empty(t, drain(sub))

	cached, err := hub.registry.GetDevice(ctx, "sensor-42")
	require.NoError(t, err)
	assert.Equal(t, mqtmodels.DeviceStatusMaintenance, cached.Status)
}

func TestHandleDeviceAlert(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)
	hub.register(t, "sensor-42", "mall-1")
	sub := hub.bus.Subscribe(8, eventbus.KindSensorAlert)

	alert, err := hub.pipeline.HandleDeviceAlert(ctx, src("mall-1", "sensor-42"), []byte(`{"message":"tamper detected","severity":"critical"}`))
	require.NoError(t, err)
	assert.Equal(t, eventbus.AlertSourceDevice, alert.Source)
	assert.Equal(t, mqtmodels.SeverityCritical, alert.Alert.Severity)

	events := drain(sub)
	require.Len(t, events, 1)
	assert.Equal(t, "tamper detected", events[0].Payload.(eventbus.SensorAlert).Alert.Message)

	device, err := hub.registry.GetDevice(ctx, "sensor-42")
	require.NoError(t, err)
	assert.Equal(t, mqtmodels.DeviceStatusOnline, device.Status)
}

func TestIngestBatch(t *testing.T) {
	hub := newTestHub(t)
	hub.register(t, "sensor-42", "mall-1")
	t0 := time.Now().UTC().Add(-time.Minute)

	items := []json.RawMessage{
		dataPayload(20, t0),
		dataPayload(20, t0),
		json.RawMessage(`{"sensorType":"temperature","value":"x"}`),
		dataPayload(21, t0.Add(time.Second)),
	}
	results := hub.pipeline.IngestBatch(context.Background(), src("mall-1", "sensor-42"), items)
	require.Len(t, results, 4)

	statuses := make([]string, len(results))
	for i, r := range results {
		statuses[i] = r.Status
	}
	assert.Equal(t, []string{ItemStored, ItemDuplicate, ItemRejected, ItemStored}, statuses, fmt.Sprint(results))
	assert.NotEmpty(t, results[0].ReadingID)
	assert.NotEmpty(t, results[2].Error)
}

func TestHandleDataHeartbeatUsesReceiveTime(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)
	hub.register(t, "sensor-42", "mall-1")

	received := time.Now().UTC()
	sample := received.Add(-10 * time.Minute)
	res, err := hub.pipeline.HandleData(ctx, Source{MallID: "mall-1", DeviceID: "sensor-42", ReceivedAt: received}, dataPayload(21, sample))
	require.NoError(t, err)
	assert.True(t, sample.Equal(res.Reading.Timestamp))
	require.NotNil(t, res.Device.LastSeen)
	assert.WithinDuration(t, received, *res.Device.LastSeen, time.Millisecond)

	mon := monitor.New(hub.devices, hub.registry, hub.bus, logger.Nop(), monitor.WithHeartbeatWindow(5*time.Minute))
	demoted, err := mon.SweepSilentDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, demoted)

	device, err := hub.registry.GetDevice(ctx, "sensor-42")
	require.NoError(t, err)
	assert.Equal(t, mqtmodels.DeviceStatusOnline, device.Status)
}

func TestHandleDataHeartbeatFollowsDeviceClockAhead(t *testing.T) {
	hub := newTestHub(t)
	hub.register(t, "sensor-42", "mall-1")

	received := time.Now().UTC()
	sample := received.Add(time.Minute)
	res, err := hub.pipeline.HandleData(context.Background(), Source{MallID: "mall-1", DeviceID: "sensor-42", ReceivedAt: received}, dataPayload(21, sample))
	require.NoError(t, err)
	require.NotNil(t, res.Device.LastSeen)
	assert.WithinDuration(t, sample, *res.Device.LastSeen, time.Millisecond)
}

func TestHandleDataSurfacesExhaustedRetries(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)
	hub.register(t, "sensor-42", "mall-1")
	store := &flakyReadings{ReadingRepository: hub.readings, failures: hub.retry.MaxAttempts}
	p := hub.withStores(hub.devices, store)

	res, err := p.HandleData(ctx, src("mall-1", "sensor-42"), dataPayload(21, time.Now().UTC()))
	assert.Nil(t, res)
	require.Error(t, err)
	assert.Equal(t, hub.retry.MaxAttempts, store.insertAttempts())

	var perr *mqtmodels.TransientPersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "insert_reading", perr.Op)
	assert.Equal(t, metrics.ReasonPersistence, DropReason(err))
	assert.False(t, IsRejection(err))

	res, err = p.HandleData(ctx, src("mall-1", "sensor-42"), dataPayload(22, time.Now().UTC()))
	require.NoError(t, err)
	assert.True(t, res.Promoted)
	assert.Equal(t, hub.retry.MaxAttempts+1, store.insertAttempts())
}

func TestHandleDataRecoversWithinRetries(t *testing.T) {
	hub := newTestHub(t)
	hub.register(t, "sensor-42", "mall-1")
	store := &flakyReadings{ReadingRepository: hub.readings, failures: hub.retry.MaxAttempts - 1}
	p := hub.withStores(hub.devices, store)

	res, err := p.HandleData(context.Background(), src("mall-1", "sensor-42"), dataPayload(21, time.Now().UTC()))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, hub.retry.MaxAttempts, store.insertAttempts())
}

func TestHandleDataDoesNotCacheStatusOverConcurrentSweep(t *testing.T) {
	ctx := context.Background()
	hub := newTestHub(t)
	hub.register(t, "sensor-42", "mall-1")
	p := hub.withStores(&sweepingDevices{DeviceRepository: hub.devices, cache: hub.registry}, hub.readings)

	// promotion followed by a demotion
	res, err := p.HandleData(ctx, src("mall-1", "sensor-42"), dataPayload(21, time.Now().UTC()))
	require.NoError(t, err)
	assert.True(t, res.Promoted)

	device, err := hub.registry.GetDevice(ctx, "sensor-42")
	require.NoError(t, err)
	assert.Equal(t, mqtmodels.DeviceStatusOffline, device.Status)

	// the device is cached as offline now; promoting again must not leave it there
	_, err = hub.pipeline.HandleData(ctx, src("mall-1", "sensor-42"), dataPayload(22, time.Now().UTC()))
	require.NoError(t, err)
	device, err = hub.registry.GetDevice(ctx, "sensor-42")
	require.NoError(t, err)
	assert.Equal(t, mqtmodels.DeviceStatusOnline, device.Status)

	stored, err := hub.devices.GetDeviceByExternalID(ctx, "sensor-42")
	require.NoError(t, err)
	assert.Equal(t, stored.Status, device.Status)
}

package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	eventbus "github.com/deerfields/molls-sub000/src/production/MQT.EventBus"
	logger "github.com/deerfields/molls-sub000/src/production/MQT.Logger"
	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
	implementation "github.com/deerfields/molls-sub000/src/production/MQT.Repository/Implementation"
	interfaces "github.com/deerfields/molls-sub000/src/production/MQT.Repository/Interfaces"
	"github.com/deerfields/molls-sub000/src/production/MQT.Startup/health"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCache struct {
	mu        sync.Mutex
	forgotten []string
}

func (c *recordingCache) Forget(_ context.Context, ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgotten = append(c.forgotten, ids...)
}

func newDevices(t *testing.T) *implementation.SQLiteDeviceRepository {
	db, err := health.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "hub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return implementation.NewSQLiteDeviceRepository(db)
}

func addDevice(t *testing.T, repo *implementation.SQLiteDeviceRepository, id string, seen time.Time) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, repo.CreateDevice(ctx, &mqtmodels.Device{
		ID:               uuid.NewString(),
		ExternalDeviceID: id,
		MallID:           "mall-1",
		Name:             id,
		Kind:             mqtmodels.DeviceKindSensor,
		Status:           mqtmodels.DeviceStatusOffline,
		Location:         map[string]interface{}{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}))
	_, err := repo.RecordActivity(ctx, interfaces.DeviceActivity{ExternalDeviceID: id, SeenAt: seen, Promote: true})
	require.NoError(t, err)
}

func TestSweepSilentDevices(t *testing.T) {
	ctx := context.Background()
	repo := newDevices(t)
	now := time.Now().UTC()
	addDevice(t, repo, "quiet", now.Add(-6*time.Minute))
	addDevice(t, repo, "chatty", now.Add(-time.Minute))

	bus := eventbus.New(logger.Nop())
	sub := bus.Subscribe(8, eventbus.KindDeviceStatusUpdate)
	cache := &recordingCache{}
	m := New(repo, cache, bus, logger.Nop())

	demoted, err := m.SweepSilentDevices(ctx)
	require.NoError(t, err)
	require.Len(t, demoted, 1)
	assert.Equal(t, "quiet", demoted[0].ExternalDeviceID)
	assert.Equal(t, []string{"quiet"}, cache.forgotten)

	ev := <-sub.Events()
	update := ev.Payload.(eventbus.DeviceStatusUpdate)
	assert.Equal(t, mqtmodels.DeviceStatusOnline, update.Previous)
	assert.Equal(t, mqtmodels.DeviceStatusOffline, update.Status)
	assert.Equal(t, HeartbeatReason, update.Reason)

	// an already demoted device is not demoted again
	demoted, err = m.SweepSilentDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, demoted)
	assert.Len(t, sub.Events(), 0)

	chatty, err := repo.GetDeviceByExternalID(ctx, "chatty")
	require.NoError(t, err)
	assert.Equal(t, mqtmodels.DeviceStatusOnline, chatty.Status)
}

func TestSweepUsesHeartbeatWindow(t *testing.T) {
	repo := newDevices(t)
	addDevice(t, repo, "sensor-42", time.Now().UTC().Add(-2*time.Minute))

	m := New(repo, &recordingCache{}, eventbus.New(logger.Nop()), logger.Nop(), WithHeartbeatWindow(time.Minute))
	demoted, err := m.SweepSilentDevices(context.Background())
	require.NoError(t, err)
	assert.Len(t, demoted, 1)
}

func TestMonitorDaemonRunsSweep(t *testing.T) {
	repo := newDevices(t)
	addDevice(t, repo, "sensor-42", time.Now().UTC().Add(-time.Hour))

	bus := eventbus.New(logger.Nop())
	sub := bus.Subscribe(8, eventbus.KindDeviceStatusUpdate)
	m := New(repo, &recordingCache{}, bus, logger.Nop(), WithSweepInterval(10*time.Millisecond))
	m.Start()

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "sensor-42", ev.DeviceID)
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not run")
	}
	m.Shutdown()
}

type fakePartitions struct {
	mu       sync.Mutex
	ahead    int
	cutoff   time.Time
	failDrop bool
}

func (f *fakePartitions) EnsurePartitions(_ context.Context, from time.Time, ahead int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ahead = ahead
	return []string{"sensor_readings_p" + from.Format("200601")}, nil
}

func (f *fakePartitions) DropPartitionsBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDrop {
		return nil, errors.New("drop failed")
	}
	f.cutoff = cutoff
	return nil, nil
}

func TestMaintainPartitions(t *testing.T) {
	pm := &fakePartitions{}
	m := New(newDevices(t), &recordingCache{}, eventbus.New(logger.Nop()), logger.Nop(),
		WithPartitionManager(pm, time.Hour, 3, 90*24*time.Hour))
	fixed := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	require.NoError(t, m.MaintainPartitions(context.Background()))
	assert.Equal(t, 3, pm.ahead)
	assert.Equal(t, fixed.Add(-90*24*time.Hour), pm.cutoff)

	pm.failDrop = true
	assert.Error(t, m.MaintainPartitions(context.Background()))
}

func TestMaintainPartitionsWithoutManager(t *testing.T) {
	m := New(newDevices(t), &recordingCache{}, eventbus.New(logger.Nop()), logger.Nop())
	assert.NoError(t, m.MaintainPartitions(context.Background()))
}

//go:build integration

package implementation

import (
	"context"
	"database/sql"
	"testing"
	"time"

	config "github.com/deerfields/molls-sub000/src/production/MQT.Config"
	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
	interfaces "github.com/deerfields/molls-sub000/src/production/MQT.Repository/Interfaces"
	"github.com/deerfields/molls-sub000/src/production/MQT.Startup/health"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func openPostgres(t *testing.T) *sql.DB {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "hub",
				"POSTGRES_PASSWORD": "hub",
				"POSTGRES_DB":       "iot",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	cfg := &config.Config{Database: config.DatabaseConfig{
		Driver:   config.DriverPostgres,
		Host:     host,
		Port:     port.Int(),
		User:     "hub",
		Password: "hub",
		DBName:   "iot",
		SSLMode:  "disable",
		MaxConns: 4,
		MinConns: 1,
	}}
	db, err := health.ConnectPostgresWithTimeout(cfg, 30*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, health.CreateTables(ctx, db))
	return db
}

func TestPostgresRepositories(t *testing.T) {
	ctx := context.Background()
	db := openPostgres(t)
	devices := NewPostgresDeviceRepository(db)
	readings := NewPostgresReadingRepository(db)

	now := time.Now().UTC().Truncate(time.Millisecond)
	names, err := readings.EnsurePartitions(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, names, 2)

	device := newTestDevice("sensor-42", "mall-1")
	require.NoError(t, devices.CreateDevice(ctx, device))

	res, err := devices.RecordActivity(ctx, interfaces.DeviceActivity{
		ExternalDeviceID: "sensor-42",
		SeenAt:           now,
		LastData:         map[string]interface{}{"value": 21.5},
		Promote:          true,
	})
	require.NoError(t, err)
	require.True(t, res.Promoted())

	value := 21.5
	reading := &mqtmodels.SensorReading{
		ID:         uuid.NewString(),
		DeviceID:   "sensor-42",
		MallID:     "mall-1",
		SensorType: "temperature",
		Timestamp:  now,
		Value:      &value,
		Quality:    mqtmodels.QualityGood,
		Tags:       []string{"hvac"},
		ReceivedAt: now,
	}
	inserted, err := readings.InsertReading(ctx, reading)
	require.NoError(t, err)
	require.True(t, inserted)

	dup := *reading
	dup.ID = uuid.NewString()
	inserted, err = readings.InsertReading(ctx, &dup)
	require.NoError(t, err)
	require.False(t, inserted)

	require.NoError(t, readings.AnnotateAlert(ctx, reading.ID, reading.Timestamp, mqtmodels.AlertAnnotation{
		Triggered: true,
		Severity:  mqtmodels.SeverityHigh,
	}))

	got, err := readings.QueryReadings(ctx, mqtmodels.ReadingQuery{DeviceID: "sensor-42"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []string{"hvac"}, got[0].Tags)
	require.NotNil(t, got[0].Alerts)
	require.True(t, got[0].Alerts.Triggered)

	silent, err := devices.MarkSilentDevicesOffline(ctx, now.Add(time.Minute), "heartbeat timeout")
	require.NoError(t, err)
	require.Len(t, silent, 1)
	require.Equal(t, mqtmodels.DeviceStatusOffline, silent[0].Status)

	dropped, err := readings.DropPartitionsBefore(ctx, now.AddDate(0, 3, 0))
	require.NoError(t, err)
	require.ElementsMatch(t, names, dropped)
}

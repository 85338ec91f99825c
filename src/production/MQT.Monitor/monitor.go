// Package monitor runs the background maintenance of the hub: demoting
// silent devices and keeping reading partitions in shape
package monitor

import (
	"context"
	"sync"
	"time"

	eventbus "github.com/deerfields/molls-sub000/src/production/MQT.EventBus"
	logger "github.com/deerfields/molls-sub000/src/production/MQT.Logger"
	metrics "github.com/deerfields/molls-sub000/src/production/MQT.Metrics"
	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
	interfaces "github.com/deerfields/molls-sub000/src/production/MQT.Repository/Interfaces"
)

const (
	DefaultSweepInterval   = 5 * time.Minute
	DefaultHeartbeatWindow = 5 * time.Minute

	// HeartbeatReason is recorded on devices demoted by the sweep
	HeartbeatReason = "heartbeat timeout"
)

// CacheInvalidator drops cached devices. *registry.Registry implements it.
type CacheInvalidator interface {
	Forget(ctx context.Context, externalDeviceIDs ...string)
}

type daemonFunc func(stop chan bool)

type Option func(*Monitor)

// WithSweepInterval sets how often silent devices are demoted
func WithSweepInterval(interval time.Duration) Option {
	return func(m *Monitor) {
		m.sweepInterval = interval
	}
}

// WithHeartbeatWindow sets how long an online device may stay silent
func WithHeartbeatWindow(window time.Duration) Option {
	return func(m *Monitor) {
		m.heartbeatWindow = window
	}
}

// WithPartitionManager enables partition maintenance. ahead months are
// kept created; with a positive retention older partitions are dropped.
func WithPartitionManager(pm interfaces.PartitionManager, interval time.Duration, ahead int, retention time.Duration) Option {
	return func(m *Monitor) {
		m.partitions = pm
		m.partitionInterval = interval
		m.partitionsAhead = ahead
		m.retention = retention
	}
}

type Monitor struct {
	devices interfaces.DeviceRepository
	cache   CacheInvalidator
	bus     *eventbus.Bus
	log     *logger.Logger

	sweepInterval   time.Duration
	heartbeatWindow time.Duration
	sweepTimeout    time.Duration

	partitions        interfaces.PartitionManager
	partitionInterval time.Duration
	partitionsAhead   int
	retention         time.Duration

	now func() time.Time

	daemons []daemonFunc
	stops   []chan bool
	wg      sync.WaitGroup
}

func New(devices interfaces.DeviceRepository, cache CacheInvalidator, bus *eventbus.Bus, log *logger.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		devices:           devices,
		cache:             cache,
		bus:               bus,
		log:               log.WithComponent("monitor"),
		sweepInterval:     DefaultSweepInterval,
		heartbeatWindow:   DefaultHeartbeatWindow,
		sweepTimeout:      30 * time.Second,
		partitionInterval: 24 * time.Hour,
		partitionsAhead:   2,
		now:               func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}

	m.daemons = []daemonFunc{m.every(m.sweepInterval, m.sweep)}
	if m.partitions != nil {
		m.daemons = append(m.daemons, m.every(m.partitionInterval, m.maintainPartitions))
	}
	return m
}

func (m *Monitor) Start() {
	for _, f := range m.daemons {
		stop := make(chan bool)
		m.stops = append(m.stops, stop)
		m.wg.Add(1)
		go func(f daemonFunc) {
			defer m.wg.Done()
			f(stop)
		}(f)
	}
	m.log.WithFields(map[string]interface{}{
		"sweep_interval":   m.sweepInterval.String(),
		"heartbeat_window": m.heartbeatWindow.String(),
	}).Info("monitor started")
}

// Shutdown stops every daemon and waits for a running pass to finish
func (m *Monitor) Shutdown() {
	for _, s := range m.stops {
		close(s)
	}
	m.stops = nil
	m.wg.Wait()
}

// every runs task immediately and then once per interval until stopped
func (m *Monitor) every(interval time.Duration, task func(ctx context.Context)) daemonFunc {
	return func(stop chan bool) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			<-stop
			cancel()
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			task(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.sweepTimeout)
	defer cancel()
	if _, err := m.SweepSilentDevices(ctx); err != nil && ctx.Err() == nil {
		m.log.ErrorWithError(err, "heartbeat sweep failed")
	}
}

// SweepSilentDevices demotes every online device not seen within the
// heartbeat window and publishes one status update per demoted device.
// A device is demoted at most once per silence since the update only
// matches devices still online.
func (m *Monitor) SweepSilentDevices(ctx context.Context) ([]mqtmodels.Device, error) {
	cutoff := m.now().Add(-m.heartbeatWindow)
	demoted, err := m.devices.MarkSilentDevicesOffline(ctx, cutoff, HeartbeatReason)
	if err != nil {
		return nil, err
	}
	if len(demoted) == 0 {
		return demoted, nil
	}

	ids := make([]string, len(demoted))
	for i, d := range demoted {
		ids[i] = d.ExternalDeviceID
	}
	m.cache.Forget(ctx, ids...)

	for _, d := range demoted {
		metrics.DeviceDemotions.Inc()
		m.bus.Publish(eventbus.DeviceStatusUpdate{
			DeviceID: d.ExternalDeviceID,
			MallID:   d.MallID,
			Previous: mqtmodels.DeviceStatusOnline,
			Status:   d.Status,
			Reason:   HeartbeatReason,
			LastSeen: d.LastSeen,
		})
	}
	m.log.WithField("devices", len(demoted)).Info("demoted silent devices")
	return demoted, nil
}

func (m *Monitor) maintainPartitions(ctx context.Context) {
	if err := m.MaintainPartitions(ctx); err != nil && ctx.Err() == nil {
		m.log.ErrorWithError(err, "partition maintenance failed")
	}
}

// MaintainPartitions creates upcoming reading partitions and drops the
// ones past retention
func (m *Monitor) MaintainPartitions(ctx context.Context) error {
	if m.partitions == nil {
		return nil
	}
	now := m.now()

	ensured, err := m.partitions.EnsurePartitions(ctx, now, m.partitionsAhead)
	if err != nil {
		return err
	}
	metrics.PartitionsCreated.Add(float64(len(ensured)))
	m.log.WithField("partitions", ensured).Debug("ensured reading partitions")

	if m.retention <= 0 {
		return nil
	}
	dropped, err := m.partitions.DropPartitionsBefore(ctx, now.Add(-m.retention))
	if err != nil {
		return err
	}
	metrics.PartitionsDropped.Add(float64(len(dropped)))
	if len(dropped) > 0 {
		m.log.WithField("partitions", dropped).Info("dropped expired reading partitions")
	}
	return nil
}

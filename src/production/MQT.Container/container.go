package container

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	alerts "github.com/deerfields/molls-sub000/src/production/MQT.Alerts"
	broker "github.com/deerfields/molls-sub000/src/production/MQT.Broker"
	commands "github.com/deerfields/molls-sub000/src/production/MQT.Commands"
	config "github.com/deerfields/molls-sub000/src/production/MQT.Config"
	eventbus "github.com/deerfields/molls-sub000/src/production/MQT.EventBus"
	mqtingestor "github.com/deerfields/molls-sub000/src/production/MQT.Ingestor"
	logger "github.com/deerfields/molls-sub000/src/production/MQT.Logger"
	monitor "github.com/deerfields/molls-sub000/src/production/MQT.Monitor"
	registry "github.com/deerfields/molls-sub000/src/production/MQT.Registry"
	implementation "github.com/deerfields/molls-sub000/src/production/MQT.Repository/Implementation"
	interfaces "github.com/deerfields/molls-sub000/src/production/MQT.Repository/Interfaces"
	retry "github.com/deerfields/molls-sub000/src/production/MQT.Retry"
	"github.com/deerfields/molls-sub000/src/production/MQT.Startup/health"
	"github.com/go-redis/redis/v8"
	"github.com/nats-io/nats.go"
	"go.mongodb.org/mongo-driver/mongo"
)

const connectTimeout = 20 * time.Second

// HubContainer owns every hub component and their lifecycle. Nothing in
// the hub is global; all state hangs off this struct.
type HubContainer struct {
	config *config.Config
	logger *logger.Logger

	db    *sql.DB
	mongo *mongo.Client
	redis *redis.Client
	nats  *nats.Conn

	devices    interfaces.DeviceRepository
	readings   interfaces.ReadingRepository
	partitions interfaces.PartitionManager
	indexer    indexEnsurer

	Bus        *eventbus.Bus
	Broker     *broker.Client
	Registry   *registry.Registry
	Pipeline   *mqtingestor.Pipeline
	Ingestor   *mqtingestor.Ingestor
	Dispatcher *commands.Dispatcher
	Monitor    *monitor.Monitor
	forwarder  *eventbus.Forwarder

	mu           sync.Mutex
	started      bool
	cleanupFuncs []func() error
}

type indexEnsurer interface {
	EnsureIndexes(ctx context.Context) error
}

// NewHubContainer connects to the configured stores and wires the hub.
// The broker is not contacted until Start.
func NewHubContainer(cfg *config.Config, log *logger.Logger) (*HubContainer, error) {
	c := &HubContainer{config: cfg, logger: log}

	if err := c.connectStores(); err != nil {
		c.cleanup()
		return nil, err
	}

	hub := cfg.Hub
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = hub.RetryMaxAttempts
	retryCfg.InitialDelay = hub.RetryInitialDelay
	retryCfg.MaxDelay = hub.RetryMaxDelay

	var deviceCache interfaces.DeviceCache
	if c.redis != nil {
		deviceCache = implementation.NewRedisDeviceCache(c.redis, hub.DeviceCacheTTL)
	} else {
		deviceCache = implementation.NewMemoryDeviceCache(hub.DeviceCacheTTL, hub.DeviceCacheMaxKeys)
	}

	c.Bus = eventbus.New(log)
	c.Broker = broker.New(&cfg.MQTT, log)
	c.Registry = registry.New(c.devices, c.readings, deviceCache, c.Bus, log, registry.Options{
		CredentialTTL:  hub.CredentialTTL,
		StorageTimeout: hub.StorageTimeout,
		CacheTimeout:   hub.CacheTimeout,
	})
	c.Pipeline = mqtingestor.NewPipeline(c.Registry, c.devices, c.readings,
		alerts.NewEngine(c.readings, retryCfg, hub.StorageTimeout, log), c.Bus, log,
		mqtingestor.PipelineOptions{
			MaxClockSkew:   hub.MaxClockSkew,
			MaxReadingAge:  hub.MaxReadingAge,
			StorageTimeout: hub.StorageTimeout,
			Retry:          retryCfg,
		})
	c.Dispatcher = commands.NewDispatcher(cfg.MQTT.TopicRoot, c.Broker, c.Registry, c.Bus, log, hub.CommandTTL, hub.CommandMaxPending)
	c.Ingestor = mqtingestor.New(cfg.MQTT, hub, c.Broker, c.Pipeline, c.Dispatcher, log)

	opts := []monitor.Option{
		monitor.WithSweepInterval(hub.SweepInterval),
		monitor.WithHeartbeatWindow(hub.HeartbeatWindow),
	}
	if c.partitions != nil {
		opts = append(opts, monitor.WithPartitionManager(c.partitions, hub.PartitionInterval, hub.PartitionsAhead, hub.ReadingRetention))
	}
	c.Monitor = monitor.New(c.devices, c.Registry, c.Bus, log, opts...)

	if c.nats != nil {
		c.forwarder = eventbus.NewForwarder(c.Bus, c.nats, cfg.NATS.SubjectPrefix, cfg.NATS.Buffer, log)
	}
	return c, nil
}

// connectStores opens the relational store, the optional MongoDB reading
// store, Redis cache and NATS connection
func (c *HubContainer) connectStores() error {
	cfg := c.config
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	switch cfg.Database.Driver {
	case config.DriverSQLite:
		db, err := health.OpenSQLite(ctx, cfg.Database.SQLitePath)
		if err != nil {
			return err
		}
		c.db = db
		c.devices = implementation.NewSQLiteDeviceRepository(db)
		c.readings = implementation.NewSQLiteReadingRepository(db)
	default:
		db, err := health.ConnectPostgresWithTimeout(cfg, connectTimeout)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		c.db = db
		c.devices = implementation.NewPostgresDeviceRepository(db)
		readings := implementation.NewPostgresReadingRepository(db)
		c.readings = readings
		c.partitions = readings
	}
	c.cleanupFuncs = append(c.cleanupFuncs, c.db.Close)

	if cfg.Hub.ReadingsBackend == config.ReadingsBackendMongo {
		client, err := health.ConnectMongoWithTimeout(&cfg.Mongo, connectTimeout)
		if err != nil {
			return fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		c.mongo = client
		c.cleanupFuncs = append(c.cleanupFuncs, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return client.Disconnect(ctx)
		})
		readings := implementation.NewMongoReadingRepository(health.GetCollection(client, &cfg.Mongo), cfg.Hub.ReadingRetention)
		c.readings = readings
		c.indexer = readings
		c.partitions = nil
	}

	if cfg.Redis.Addr != "" {
		client, err := health.ConnectRedisWithTimeout(&cfg.Redis, connectTimeout)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		c.redis = client
		c.cleanupFuncs = append(c.cleanupFuncs, client.Close)
	}

	if cfg.NATS.URL != "" {
		conn, err := health.ConnectNATSWithTimeout(cfg.NATS.URL, connectTimeout, c.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		c.nats = conn
		c.cleanupFuncs = append(c.cleanupFuncs, conn.Drain)
	}
	return nil
}

// GetConfig returns the configuration
func (c *HubContainer) GetConfig() *config.Config {
	return c.config
}

// GetLogger returns the logger
func (c *HubContainer) GetLogger() *logger.Logger {
	return c.logger
}

// Migrate creates tables, indexes and the upcoming reading partitions
func (c *HubContainer) Migrate(ctx context.Context) error {
	if c.config.Database.Driver == config.DriverPostgres {
		if err := health.CreateTables(ctx, c.db); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	if c.partitions != nil {
		if _, err := c.partitions.EnsurePartitions(ctx, time.Now().UTC(), c.config.Hub.PartitionsAhead); err != nil {
			return fmt.Errorf("failed to create partitions: %w", err)
		}
	}
	if c.indexer != nil {
		if err := c.indexer.EnsureIndexes(ctx); err != nil {
			return err
		}
	}
	c.logger.Info("database initialized successfully")
	return nil
}

// Start migrates storage and starts every component. Subscriptions are
// registered before the broker connects so no message arrives ahead of
// the worker pool.
func (c *HubContainer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	if err := c.Migrate(ctx); err != nil {
		return err
	}
	if c.forwarder != nil {
		c.forwarder.Start()
	}
	c.Dispatcher.Start()
	abort := func() {
		c.Dispatcher.Stop()
		if c.forwarder != nil {
			c.forwarder.Stop()
		}
	}
	if err := c.Ingestor.Start(ctx); err != nil {
		_ = c.Ingestor.Stop()
		abort()
		return fmt.Errorf("failed to start ingestor: %w", err)
	}
	if err := c.Broker.Connect(ctx); err != nil {
		_ = c.Ingestor.Stop()
		abort()
		return err
	}
	c.Monitor.Start()

	c.started = true
	c.logger.Info("hub started")
	return nil
}

// Shutdown stops the components in dependency order: timers first, then
// ingestion (unsubscribe and drain), the broker, event fan-out and finally
// the stores
func (c *HubContainer) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Info("shutting down hub...")

	if c.started {
		c.Monitor.Shutdown()
		if err := c.Ingestor.Stop(); err != nil {
			c.logger.ErrorWithError(err, "ingestor did not drain in time")
		}
		c.Dispatcher.Stop()
		c.Broker.Disconnect(250 * time.Millisecond)
		if c.forwarder != nil {
			c.forwarder.Stop()
		}
		c.started = false
	}
	c.Bus.Close()
	c.cleanup()

	c.logger.Info("hub shutdown complete")
	return nil
}

// cleanup closes the stores in reverse order of opening
func (c *HubContainer) cleanup() {
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			c.logger.ErrorWithError(err, "error during cleanup")
		}
	}
	c.cleanupFuncs = nil
}

// HealthCheck reports the broker connection and every configured store
func (c *HubContainer) HealthCheck(ctx context.Context) map[string]interface{} {
	checks := map[string]interface{}{}
	healthy := true
	record := func(name string, err error) {
		if err != nil {
			healthy = false
			checks[name] = map[string]interface{}{"status": "error", "error": err.Error()}
			return
		}
		checks[name] = map[string]interface{}{"status": "ok"}
	}

	if c.Broker.IsConnected() {
		record("mqtt", nil)
	} else {
		record("mqtt", fmt.Errorf("broker not connected"))
	}
	record(c.config.Database.Driver, health.PingSQL(ctx, c.db))
	if c.mongo != nil {
		record("mongodb", health.PingMongo(ctx, c.mongo))
	}
	if c.redis != nil {
		record("redis", health.PingRedis(ctx, c.redis))
	}
	if c.nats != nil {
		if c.nats.IsConnected() {
			record("nats", nil)
		} else {
			record("nats", fmt.Errorf("nats %s", c.nats.Status()))
		}
	}

	status := "ok"
	if !healthy {
		status = "degraded"
	}
	return map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
		"ingest":    c.Ingestor.Stats(),
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers and reading backends
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	ReadingsBackendSQL   = "sql"
	ReadingsBackendMongo = "mongo"
)

// Config holds all hub configuration
type Config struct {
	// Ops server configuration (health, metrics, internal ingestion)
	Server ServerConfig `json:"server"`

	// Relational storage for devices and (by default) readings
	Database DatabaseConfig `json:"database"`

	// Optional MongoDB reading store
	Mongo MongoConfig `json:"mongo"`

	// Optional shared device cache
	Redis RedisConfig `json:"redis"`

	// MQTT configuration
	MQTT MQTTConfig `json:"mqtt"`

	// Optional event forwarding to NATS
	NATS NATSConfig `json:"nats"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`

	// Hub tunables
	Hub HubConfig `json:"hub"`

	InternalAPISecret string `json:"-"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port         string        `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	CORSOrigins  []string      `json:"cors_origins"`
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver     string `json:"driver"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	Password   string `json:"password"`
	DBName     string `json:"db_name"`
	SSLMode    string `json:"ssl_mode"`
	MaxConns   int    `json:"max_conns"`
	MinConns   int    `json:"min_conns"`
	SQLitePath string `json:"sqlite_path"`
}

// MongoConfig holds MongoDB reading store configuration
type MongoConfig struct {
	URI        string `json:"uri"`
	Database   string `json:"database"`
	Collection string `json:"collection"`
}

// RedisConfig holds the shared device cache configuration. An empty Addr
// selects the in-process cache.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// MQTTConfig holds MQTT-related configuration
type MQTTConfig struct {
	BrokerHost     string        `json:"broker_host"`
	BrokerPort     int           `json:"broker_port"`
	BrokerUser     string        `json:"broker_user"`
	BrokerPass     string        `json:"broker_pass"`
	UseTLS         bool          `json:"use_tls"`
	CACertPath     string        `json:"ca_cert_path"`
	TopicRoot      string        `json:"topic_root"`
	ClientID       string        `json:"client_id"`
	SharedGroup    string        `json:"shared_group"`
	KeepAlive      time.Duration `json:"keep_alive"`
	PingTimeout    time.Duration `json:"ping_timeout"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	PublishTimeout time.Duration `json:"publish_timeout"`
	ErrorFeedback  bool          `json:"error_feedback"`
}

// NATSConfig holds event forwarding configuration. An empty URL disables it.
type NATSConfig struct {
	URL           string `json:"url"`
	SubjectPrefix string `json:"subject_prefix"`
	Buffer        int    `json:"buffer"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level        string `json:"level"`
	Format       string `json:"format"` // json or text
	Output       string `json:"output"` // stdout or stderr
	EnableCaller bool   `json:"enable_caller"`
}

// HubConfig holds the tunables of the ingestion, health and command paths
type HubConfig struct {
	ReadingsBackend string `json:"readings_backend"`

	Workers        int           `json:"workers"`
	QueueSize      int           `json:"queue_size"`
	EnqueueTimeout time.Duration `json:"enqueue_timeout"`
	ShutdownGrace  time.Duration `json:"shutdown_grace"`

	StorageTimeout time.Duration `json:"storage_timeout"`
	CacheTimeout   time.Duration `json:"cache_timeout"`

	DeviceCacheTTL     time.Duration `json:"device_cache_ttl"`
	DeviceCacheMaxKeys int           `json:"device_cache_max_keys"`

	HeartbeatWindow time.Duration `json:"heartbeat_window"`
	SweepInterval   time.Duration `json:"sweep_interval"`

	CommandTTL        time.Duration `json:"command_ttl"`
	CommandMaxPending int           `json:"command_max_pending"`

	MaxClockSkew  time.Duration `json:"max_clock_skew"`
	MaxReadingAge time.Duration `json:"max_reading_age"`

	CredentialTTL time.Duration `json:"credential_ttl"`

	RetryMaxAttempts  int           `json:"retry_max_attempts"`
	RetryInitialDelay time.Duration `json:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `json:"retry_max_delay"`

	PartitionInterval time.Duration `json:"partition_interval"`
	PartitionsAhead   int           `json:"partitions_ahead"`
	ReadingRetention  time.Duration `json:"reading_retention"`
}

// Load loads configuration from environment variables with fallback defaults
func Load() (*Config, error) {
	// A missing .env is fine, variables may be set directly
	_ = godotenv.Load()

	env := &envReader{}
	config := &Config{
		Server: ServerConfig{
			Port:         env.str("INGESTOR_PORT", "9003"),
			ReadTimeout:  env.duration("READ_TIMEOUT", 30*time.Second),
			WriteTimeout: env.duration("WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  env.duration("IDLE_TIMEOUT", 120*time.Second),
			CORSOrigins:  env.list("HUB_CORS_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Driver:     env.str("DB_DRIVER", DriverPostgres),
			Host:       env.str("POSTGRES_HOST", "localhost"),
			Port:       env.int("POSTGRES_PORT", 5432),
			User:       env.str("POSTGRES_USER", ""),
			Password:   env.str("POSTGRES_PASSWORD", ""),
			DBName:     env.str("POSTGRES_DB", "iot"),
			SSLMode:    env.str("POSTGRES_SSLMODE", "disable"),
			MaxConns:   env.int("POSTGRES_MAX_CONNS", 25),
			MinConns:   env.int("POSTGRES_MIN_CONNS", 5),
			SQLitePath: env.str("SQLITE_PATH", "iothub.db"),
		},
		Mongo: MongoConfig{
			URI:        env.str("MONGODB_URI", ""),
			Database:   env.str("DB_NAME", "iot"),
			Collection: env.str("COLL_NAME", "sensor_readings"),
		},
		Redis: RedisConfig{
			Addr:     env.str("REDIS_ADDR", ""),
			Password: env.str("REDIS_PASSWORD", ""),
			DB:       env.int("REDIS_DB", 0),
		},
		MQTT: MQTTConfig{
			BrokerHost:     env.str("BROKER_HOST", "localhost"),
			BrokerPort:     env.int("BROKER_PORT", 1883),
			BrokerUser:     env.str("BROKER_USER", ""),
			BrokerPass:     env.str("BROKER_PASS", ""),
			UseTLS:         env.bool("BROKER_TLS", false),
			CACertPath:     env.str("BROKER_CA_FILE", ""),
			TopicRoot:      strings.Trim(env.str("MQTT_TOPIC_ROOT", "molls"), "/"),
			ClientID:       env.str("MQTT_CLIENT_ID", "iot-hub"),
			SharedGroup:    env.str("MQTT_SHARED_GROUP", ""),
			KeepAlive:      env.duration("MQTT_KEEP_ALIVE", 30*time.Second),
			PingTimeout:    env.duration("MQTT_PING_TIMEOUT", 10*time.Second),
			ConnectTimeout: env.duration("MQTT_CONNECT_TIMEOUT", 30*time.Second),
			PublishTimeout: env.duration("MQTT_PUBLISH_TIMEOUT", 5*time.Second),
			ErrorFeedback:  env.bool("MQTT_ERROR_FEEDBACK", true),
		},
		NATS: NATSConfig{
			URL:           env.str("NATS_URL", ""),
			SubjectPrefix: env.str("NATS_SUBJECT_PREFIX", "iothub.events"),
			Buffer:        env.int("NATS_FORWARD_BUFFER", 1024),
		},
		Logging: LoggingConfig{
			Level:        env.str("LOG_LEVEL", "info"),
			Format:       env.str("LOG_FORMAT", "text"),
			Output:       env.str("LOG_OUTPUT", "stdout"),
			EnableCaller: env.bool("LOG_ENABLE_CALLER", false),
		},
		Hub: HubConfig{
			ReadingsBackend:    env.str("READINGS_BACKEND", ReadingsBackendSQL),
			Workers:            env.int("HUB_WORKERS", 16),
			QueueSize:          env.int("HUB_QUEUE_SIZE", 4096),
			EnqueueTimeout:     env.duration("HUB_ENQUEUE_TIMEOUT", 250*time.Millisecond),
			ShutdownGrace:      env.duration("HUB_SHUTDOWN_GRACE", 10*time.Second),
			StorageTimeout:     env.duration("HUB_STORAGE_TIMEOUT", 3*time.Second),
			CacheTimeout:       env.duration("HUB_CACHE_TIMEOUT", 500*time.Millisecond),
			DeviceCacheTTL:     env.duration("HUB_DEVICE_CACHE_TTL", 5*time.Minute),
			DeviceCacheMaxKeys: env.int("HUB_DEVICE_CACHE_MAX_KEYS", 50000),
			HeartbeatWindow:    env.duration("HUB_HEARTBEAT_WINDOW", 5*time.Minute),
			SweepInterval:      env.duration("HUB_SWEEP_INTERVAL", 5*time.Minute),
			CommandTTL:         env.duration("HUB_COMMAND_TTL", 5*time.Minute),
			CommandMaxPending:  env.int("HUB_COMMAND_MAX_PENDING", 100000),
			MaxClockSkew:       env.duration("HUB_MAX_CLOCK_SKEW", 5*time.Minute),
			MaxReadingAge:      env.duration("HUB_MAX_READING_AGE", 24*time.Hour),
			CredentialTTL:      env.duration("HUB_CREDENTIAL_TTL", 365*24*time.Hour),
			RetryMaxAttempts:   env.int("HUB_RETRY_MAX_ATTEMPTS", 3),
			RetryInitialDelay:  env.duration("HUB_RETRY_INITIAL_DELAY", 100*time.Millisecond),
			RetryMaxDelay:      env.duration("HUB_RETRY_MAX_DELAY", 2*time.Second),
			PartitionInterval:  env.duration("HUB_PARTITION_INTERVAL", 24*time.Hour),
			PartitionsAhead:    env.int("HUB_PARTITIONS_AHEAD", 2),
			ReadingRetention:   env.duration("HUB_READING_RETENTION", 0),
		},
		InternalAPISecret: env.str("INTERNAL_API_SECRET", ""),
	}

	if err := env.err(); err != nil {
		return nil, fmt.Errorf("configuration parsing failed: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.User == "" {
			return fmt.Errorf("POSTGRES_USER is required")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("POSTGRES_PASSWORD is required")
		}
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.Database.Driver)
	}

	switch c.Hub.ReadingsBackend {
	case ReadingsBackendSQL:
	case ReadingsBackendMongo:
		if c.Mongo.URI == "" {
			return fmt.Errorf("MONGODB_URI is required when READINGS_BACKEND=mongo")
		}
	default:
		return fmt.Errorf("unsupported READINGS_BACKEND %q", c.Hub.ReadingsBackend)
	}

	if c.MQTT.TopicRoot == "" {
		return fmt.Errorf("MQTT_TOPIC_ROOT must not be empty")
	}
	if strings.ContainsAny(c.MQTT.TopicRoot, "+#") {
		return fmt.Errorf("MQTT_TOPIC_ROOT must not contain wildcards")
	}
	if c.Hub.Workers < 1 {
		return fmt.Errorf("HUB_WORKERS must be at least 1")
	}
	if c.Hub.QueueSize < 1 {
		return fmt.Errorf("HUB_QUEUE_SIZE must be at least 1")
	}
	if c.Hub.HeartbeatWindow <= 0 || c.Hub.SweepInterval <= 0 {
		return fmt.Errorf("HUB_HEARTBEAT_WINDOW and HUB_SWEEP_INTERVAL must be positive")
	}
	if c.Hub.CommandTTL <= 0 {
		return fmt.Errorf("HUB_COMMAND_TTL must be positive")
	}
	if c.Hub.RetryMaxAttempts < 1 {
		return fmt.Errorf("HUB_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Hub.RetryMaxDelay < c.Hub.RetryInitialDelay {
		return fmt.Errorf("HUB_RETRY_MAX_DELAY must be >= HUB_RETRY_INITIAL_DELAY")
	}
	return nil
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

// GetMQTTBrokerURL returns the MQTT broker URL
func (c *MQTTConfig) GetMQTTBrokerURL() string {
	scheme := "tcp"
	if c.UseTLS {
		scheme = "tcps"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.BrokerHost, c.BrokerPort)
}

// envReader parses environment variables and collects every parse error so
// that a misconfigured deployment reports all problems at once.
type envReader struct {
	errs []error
}

func (e *envReader) err() error {
	return errors.Join(e.errs...)
}

func (e *envReader) str(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// list splits a comma separated variable, dropping empty items
func (e *envReader) list(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func (e *envReader) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return intValue
}

func (e *envReader) bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	switch value {
	case "1", "true", "TRUE":
		return true
	case "0", "false", "FALSE":
		return false
	}
	e.errs = append(e.errs, fmt.Errorf("invalid %s: %q (expected true/false or 1/0)", key, value))
	return defaultValue
}

func (e *envReader) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return duration
}

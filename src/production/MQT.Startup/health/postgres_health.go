package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	config "github.com/deerfields/molls-sub000/src/production/MQT.Config"
	_ "github.com/lib/pq"
)

// ConnectPostgresWithTimeout opens the PostgreSQL pool and pings it within timeout
func ConnectPostgresWithTimeout(cfg *config.Config, timeout time.Duration) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("postgres", cfg.GetDatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("unable to open PostgreSQL connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(cfg.Database.MaxConns)
	db.SetMaxIdleConns(cfg.Database.MinConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// CreateTables creates the devices table and the range partitioned
// sensor_readings table with its default partition
func CreateTables(ctx context.Context, db *sql.DB) error {
	createDevicesTable := `
		CREATE TABLE IF NOT EXISTS devices (
			id                    UUID PRIMARY KEY,
			external_device_id    TEXT NOT NULL UNIQUE,
			mall_id               TEXT NOT NULL,
			name                  TEXT NOT NULL,
			kind                  TEXT NOT NULL,
			status                TEXT NOT NULL DEFAULT 'offline',
			status_reason         TEXT NOT NULL DEFAULT '',
			location              JSONB NOT NULL DEFAULT '{}'::jsonb,
			configuration         JSONB NOT NULL DEFAULT '{}'::jsonb,
			public_key            TEXT NOT NULL,
			credential_issued_at  TIMESTAMPTZ NOT NULL,
			credential_expires_at TIMESTAMPTZ NOT NULL,
			last_seen             TIMESTAMPTZ,
			last_data             JSONB,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`

	// The unique key includes ts, which a partitioned table requires
	createReadingsTable := `
		CREATE TABLE IF NOT EXISTS sensor_readings (
			id              UUID NOT NULL,
			device_id       TEXT NOT NULL,
			mall_id         TEXT NOT NULL,
			sensor_type     TEXT NOT NULL,
			ts              TIMESTAMPTZ NOT NULL,
			value           DOUBLE PRECISION,
			unit            TEXT NOT NULL DEFAULT '',
			confidence      DOUBLE PRECISION,
			raw_data        JSONB,
			processed_data  JSONB,
			quality         TEXT NOT NULL,
			alerts          JSONB,
			processed       BOOLEAN NOT NULL DEFAULT false,
			tags            TEXT[] NOT NULL DEFAULT '{}',
			metadata        JSONB,
			received_at     TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (id, ts),
			UNIQUE (device_id, sensor_type, ts)
		) PARTITION BY RANGE (ts);
	`

	createDefaultPartition := `
		CREATE TABLE IF NOT EXISTS sensor_readings_default PARTITION OF sensor_readings DEFAULT;
	`

	createIndexes := `
		CREATE INDEX IF NOT EXISTS idx_devices_mall_created ON devices (mall_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_devices_status_last_seen ON devices (status, last_seen);
		CREATE INDEX IF NOT EXISTS idx_readings_device_ts_desc ON sensor_readings (device_id, ts DESC);
		CREATE INDEX IF NOT EXISTS idx_readings_mall_ts_desc ON sensor_readings (mall_id, ts DESC);
	`

	queries := []string{
		createDevicesTable,
		createReadingsTable,
		createDefaultPartition,
		createIndexes,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// PingSQL checks if a relational connection is healthy
func PingSQL(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return db.PingContext(ctx)
}

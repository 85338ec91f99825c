package health

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// OpenSQLite opens (creating if needed) the SQLite database at path and its schema.
// A single connection serializes writers.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("unable to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := CreateSQLiteTables(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// CreateSQLiteTables mirrors the Postgres schema with INTEGER unix-nano
// timestamps, TEXT JSON and a flat readings table
func CreateSQLiteTables(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id                    TEXT PRIMARY KEY,
			external_device_id    TEXT NOT NULL UNIQUE,
			mall_id               TEXT NOT NULL,
			name                  TEXT NOT NULL,
			kind                  TEXT NOT NULL,
			status                TEXT NOT NULL DEFAULT 'offline',
			status_reason         TEXT NOT NULL DEFAULT '',
			location              TEXT NOT NULL DEFAULT '{}',
			configuration         TEXT NOT NULL DEFAULT '{}',
			public_key            TEXT NOT NULL,
			credential_issued_at  INTEGER NOT NULL,
			credential_expires_at INTEGER NOT NULL,
			last_seen             INTEGER,
			last_data             TEXT,
			created_at            INTEGER NOT NULL,
			updated_at            INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sensor_readings (
			id              TEXT PRIMARY KEY,
			device_id       TEXT NOT NULL,
			mall_id         TEXT NOT NULL,
			sensor_type     TEXT NOT NULL,
			ts              INTEGER NOT NULL,
			value           REAL,
			unit            TEXT NOT NULL DEFAULT '',
			confidence      REAL,
			raw_data        TEXT,
			processed_data  TEXT,
			quality         TEXT NOT NULL,
			alerts          TEXT,
			processed       INTEGER NOT NULL DEFAULT 0,
			tags            TEXT,
			metadata        TEXT,
			received_at     INTEGER NOT NULL,
			UNIQUE (device_id, sensor_type, ts)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_mall_created ON devices (mall_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_status_last_seen ON devices (status, last_seen)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_device_ts_desc ON sensor_readings (device_id, ts DESC)`,
	}

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

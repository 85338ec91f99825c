package implementation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
	interfaces "github.com/deerfields/molls-sub000/src/production/MQT.Repository/Interfaces"
)

const deviceColumns = `id, external_device_id, mall_id, name, kind, status, status_reason, location, configuration,
	public_key, credential_issued_at, credential_expires_at, last_seen, last_data, created_at, updated_at`

type PostgresDeviceRepository struct {
	db *sql.DB
}

func NewPostgresDeviceRepository(db *sql.DB) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{db: db}
}

// Create device
func (r *PostgresDeviceRepository) CreateDevice(ctx context.Context, device *mqtmodels.Device) error {
	query := `INSERT INTO devices (` + deviceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	locationJSON, err := json.Marshal(ensureMetaNotNull(device.Location))
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}
	configJSON, err := json.Marshal(device.Configuration)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}
	lastData, err := nullableJSON(device.LastData)
	if err != nil {
		return fmt.Errorf("failed to marshal last_data: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query,
		device.ID, device.ExternalDeviceID, device.MallID, device.Name, device.Kind, device.Status, device.StatusReason,
		string(locationJSON), string(configJSON),
		device.Credential.PublicKeyPEM, device.Credential.IssuedAt, device.Credential.ExpiresAt,
		device.LastSeen, lastData, device.CreatedAt, device.UpdatedAt)
	if isPostgresUniqueViolation(err) {
		return &mqtmodels.DuplicateDeviceError{ExternalDeviceID: device.ExternalDeviceID}
	}
	return err
}

// Read devices
func (r *PostgresDeviceRepository) GetDeviceByExternalID(ctx context.Context, externalDeviceID string) (*mqtmodels.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE external_device_id = $1`

	device, err := scanPostgresDevice(r.db.QueryRowContext(ctx, query, externalDeviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return device, nil
}

func (r *PostgresDeviceRepository) ListDevicesByMall(ctx context.Context, mallID string, kind mqtmodels.DeviceKind) ([]mqtmodels.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices
		WHERE mall_id = $1 AND ($2::text = '' OR kind = $2::text)
		ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, mallID, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []mqtmodels.Device{}
	for rows.Next() {
		device, err := scanPostgresDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *device)
	}
	return devices, rows.Err()
}

// RecordActivity advances lastSeen, replaces lastData and promotes an offline
// device in one row update. The locked sub-select yields the prior status.
func (r *PostgresDeviceRepository) RecordActivity(ctx context.Context, activity interfaces.DeviceActivity) (*interfaces.ActivityResult, error) {
	query := `
		UPDATE devices AS d SET
			last_seen = GREATEST(COALESCE(d.last_seen, $2::timestamptz), $2::timestamptz),
			last_data = COALESCE($3::jsonb, d.last_data),
			status = CASE WHEN $4::boolean AND d.status = 'offline' THEN 'online' ELSE d.status END,
			status_reason = CASE WHEN $4::boolean AND d.status = 'offline' THEN $5 ELSE d.status_reason END,
			updated_at = now()
		FROM (SELECT id, status FROM devices WHERE external_device_id = $1 FOR UPDATE) AS prev
		WHERE d.id = prev.id
		RETURNING prev.status, ` + qualify("d", deviceColumns)

	lastData, err := nullableJSON(activity.LastData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal last_data: %w", err)
	}

	return r.updateReturningPrevious(ctx, query,
		activity.ExternalDeviceID, activity.SeenAt.UTC(), lastData, activity.Promote, activity.Reason)
}

// ApplyReportedStatus stores a device-reported status without the promotion rule
func (r *PostgresDeviceRepository) ApplyReportedStatus(ctx context.Context, externalDeviceID string, status mqtmodels.DeviceStatus, seenAt time.Time, lastData map[string]interface{}) (*interfaces.ActivityResult, error) {
	query := `
		UPDATE devices AS d SET
			status = $2,
			status_reason = 'reported by device',
			last_seen = GREATEST(COALESCE(d.last_seen, $3::timestamptz), $3::timestamptz),
			last_data = COALESCE($4::jsonb, d.last_data),
			updated_at = now()
		FROM (SELECT id, status FROM devices WHERE external_device_id = $1 FOR UPDATE) AS prev
		WHERE d.id = prev.id
		RETURNING prev.status, ` + qualify("d", deviceColumns)

	data, err := nullableJSON(lastData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal last_data: %w", err)
	}

	return r.updateReturningPrevious(ctx, query, externalDeviceID, string(status), seenAt.UTC(), data)
}

func (r *PostgresDeviceRepository) updateReturningPrevious(ctx context.Context, query string, args ...interface{}) (*interfaces.ActivityResult, error) {
	var previous string
	device, err := scanPostgresDevice(r.db.QueryRowContext(ctx, query, args...), &previous)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mqtmodels.ErrDeviceNotFound
		}
		return nil, err
	}
	return &interfaces.ActivityResult{Device: *device, PreviousStatus: mqtmodels.DeviceStatus(previous)}, nil
}

// MarkSilentDevicesOffline demotes stale online devices in a single statement.
// Rows updated concurrently by ingestion are re-checked against the new lastSeen.
func (r *PostgresDeviceRepository) MarkSilentDevicesOffline(ctx context.Context, cutoff time.Time, reason string) ([]mqtmodels.Device, error) {
	query := `
		UPDATE devices SET status = 'offline', status_reason = $2, updated_at = now()
		WHERE status = 'online' AND COALESCE(last_seen, created_at) < $1
		RETURNING ` + deviceColumns

	rows, err := r.db.QueryContext(ctx, query, cutoff.UTC(), reason)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []mqtmodels.Device
	for rows.Next() {
		device, err := scanPostgresDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *device)
	}
	return devices, rows.Err()
}

func scanPostgresDevice(row rowScanner, leading ...interface{}) (*mqtmodels.Device, error) {
	var device mqtmodels.Device
	var locationJSON, configJSON, lastDataJSON []byte
	var lastSeen sql.NullTime

	dest := append(leading,
		&device.ID, &device.ExternalDeviceID, &device.MallID, &device.Name, &device.Kind, &device.Status, &device.StatusReason,
		&locationJSON, &configJSON,
		&device.Credential.PublicKeyPEM, &device.Credential.IssuedAt, &device.Credential.ExpiresAt,
		&lastSeen, &lastDataJSON, &device.CreatedAt, &device.UpdatedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	return finishDevice(&device, locationJSON, configJSON, lastDataJSON, lastSeen)
}

func finishDevice(device *mqtmodels.Device, locationJSON, configJSON, lastDataJSON []byte, lastSeen sql.NullTime) (*mqtmodels.Device, error) {
	var err error
	if device.Location, err = unmarshalMap(locationJSON, "location"); err != nil {
		return nil, err
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &device.Configuration); err != nil {
			return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
		}
	}
	if device.LastData, err = unmarshalMap(lastDataJSON, "last_data"); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		ts := lastSeen.Time.UTC()
		device.LastSeen = &ts
	}
	device.Credential.IssuedAt = device.Credential.IssuedAt.UTC()
	device.Credential.ExpiresAt = device.Credential.ExpiresAt.UTC()
	device.CreatedAt = device.CreatedAt.UTC()
	device.UpdatedAt = device.UpdatedAt.UTC()
	return device, nil
}

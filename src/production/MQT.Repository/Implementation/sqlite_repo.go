package implementation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
	interfaces "github.com/deerfields/molls-sub000/src/production/MQT.Repository/Interfaces"
)

// SQLite stores timestamps as INTEGER unix nanoseconds and JSON documents as TEXT.
// The handle is expected to be opened with a single connection.

type SQLiteDeviceRepository struct {
	db *sql.DB
}

func NewSQLiteDeviceRepository(db *sql.DB) *SQLiteDeviceRepository {
	return &SQLiteDeviceRepository{db: db}
}

func (r *SQLiteDeviceRepository) CreateDevice(ctx context.Context, device *mqtmodels.Device) error {
	query := `INSERT INTO devices (` + deviceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

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
		device.ID, device.ExternalDeviceID, device.MallID, device.Name, string(device.Kind), string(device.Status), device.StatusReason,
		string(locationJSON), string(configJSON),
		device.Credential.PublicKeyPEM, unixNano(device.Credential.IssuedAt), unixNano(device.Credential.ExpiresAt),
		nullableUnixNano(device.LastSeen), lastData, unixNano(device.CreatedAt), unixNano(device.UpdatedAt))
	if isSQLiteUniqueViolation(err) {
		return &mqtmodels.DuplicateDeviceError{ExternalDeviceID: device.ExternalDeviceID}
	}
	return err
}

func (r *SQLiteDeviceRepository) GetDeviceByExternalID(ctx context.Context, externalDeviceID string) (*mqtmodels.Device, error) {
	device, err := scanSQLiteDevice(r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE external_device_id = ?`, externalDeviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return device, err
}

func (r *SQLiteDeviceRepository) ListDevicesByMall(ctx context.Context, mallID string, kind mqtmodels.DeviceKind) ([]mqtmodels.Device, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices
		WHERE mall_id = ? AND (? = '' OR kind = ?)
		ORDER BY created_at DESC`, mallID, string(kind), string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []mqtmodels.Device{}
	for rows.Next() {
		device, err := scanSQLiteDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *device)
	}
	return devices, rows.Err()
}

func (r *SQLiteDeviceRepository) RecordActivity(ctx context.Context, activity interfaces.DeviceActivity) (*interfaces.ActivityResult, error) {
	lastData, err := nullableJSON(activity.LastData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal last_data: %w", err)
	}
	seen := unixNano(activity.SeenAt)

	return r.updateInTx(ctx, activity.ExternalDeviceID, func(tx *sql.Tx, id string) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE devices SET
				last_seen = CASE WHEN last_seen IS NULL OR last_seen < ? THEN ? ELSE last_seen END,
				last_data = COALESCE(?, last_data),
				status_reason = CASE WHEN ? AND status = 'offline' THEN ? ELSE status_reason END,
				status = CASE WHEN ? AND status = 'offline' THEN 'online' ELSE status END,
				updated_at = ?
			WHERE id = ?`,
			seen, seen, lastData, activity.Promote, activity.Reason, activity.Promote, unixNano(time.Now()), id)
		return err
	})
}

func (r *SQLiteDeviceRepository) ApplyReportedStatus(ctx context.Context, externalDeviceID string, status mqtmodels.DeviceStatus, seenAt time.Time, lastData map[string]interface{}) (*interfaces.ActivityResult, error) {
	data, err := nullableJSON(lastData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal last_data: %w", err)
	}
	seen := unixNano(seenAt)

	return r.updateInTx(ctx, externalDeviceID, func(tx *sql.Tx, id string) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE devices SET
				status = ?,
				status_reason = 'reported by device',
				last_seen = CASE WHEN last_seen IS NULL OR last_seen < ? THEN ? ELSE last_seen END,
				last_data = COALESCE(?, last_data),
				updated_at = ?
			WHERE id = ?`,
			string(status), seen, seen, data, unixNano(time.Now()), id)
		return err
	})
}

// updateInTx reads the prior status, applies update and reads the row back in one transaction
func (r *SQLiteDeviceRepository) updateInTx(ctx context.Context, externalDeviceID string, update func(tx *sql.Tx, id string) error) (*interfaces.ActivityResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id, previous string
	err = tx.QueryRowContext(ctx, `SELECT id, status FROM devices WHERE external_device_id = ?`, externalDeviceID).Scan(&id, &previous)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mqtmodels.ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := update(tx, id); err != nil {
		return nil, err
	}

	device, err := scanSQLiteDevice(tx.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &interfaces.ActivityResult{Device: *device, PreviousStatus: mqtmodels.DeviceStatus(previous)}, nil
}

func (r *SQLiteDeviceRepository) MarkSilentDevicesOffline(ctx context.Context, cutoff time.Time, reason string) ([]mqtmodels.Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE devices SET status = 'offline', status_reason = ?, updated_at = ?
		WHERE status = 'online' AND COALESCE(last_seen, created_at) < ?
		RETURNING `+deviceColumns,
		reason, unixNano(time.Now()), unixNano(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []mqtmodels.Device
	for rows.Next() {
		device, err := scanSQLiteDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *device)
	}
	return devices, rows.Err()
}

func scanSQLiteDevice(row rowScanner) (*mqtmodels.Device, error) {
	var device mqtmodels.Device
	var locationJSON, configJSON string
	var lastDataJSON sql.NullString
	var issuedAt, expiresAt, createdAt, updatedAt int64
	var lastSeen sql.NullInt64

	if err := row.Scan(&device.ID, &device.ExternalDeviceID, &device.MallID, &device.Name, &device.Kind, &device.Status, &device.StatusReason,
		&locationJSON, &configJSON,
		&device.Credential.PublicKeyPEM, &issuedAt, &expiresAt,
		&lastSeen, &lastDataJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	device.Credential.IssuedAt = fromUnixNano(issuedAt)
	device.Credential.ExpiresAt = fromUnixNano(expiresAt)
	device.CreatedAt = fromUnixNano(createdAt)
	device.UpdatedAt = fromUnixNano(updatedAt)

	var seen sql.NullTime
	if lastSeen.Valid {
		seen = sql.NullTime{Time: fromUnixNano(lastSeen.Int64), Valid: true}
	}
	return finishDevice(&device, []byte(locationJSON), []byte(configJSON), []byte(lastDataJSON.String), seen)
}

type SQLiteReadingRepository struct {
	db *sql.DB
}

func NewSQLiteReadingRepository(db *sql.DB) *SQLiteReadingRepository {
	return &SQLiteReadingRepository{db: db}
}

func (r *SQLiteReadingRepository) InsertReading(ctx context.Context, reading *mqtmodels.SensorReading) (bool, error) {
	args, err := readingArgs(reading)
	if err != nil {
		return false, err
	}
	tags, err := json.Marshal(reading.Tags)
	if err != nil {
		return false, fmt.Errorf("failed to marshal tags: %w", err)
	}
	args[4] = unixNano(reading.Timestamp)
	args[13] = string(tags)
	args[15] = unixNano(reading.ReceivedAt)

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO sensor_readings (`+readingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id, sensor_type, ts) DO NOTHING`, args...)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *SQLiteReadingRepository) AnnotateAlert(ctx context.Context, readingID string, ts time.Time, alert mqtmodels.AlertAnnotation) error {
	alertJSON, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}
	result, err := r.db.ExecContext(ctx, `UPDATE sensor_readings SET alerts = ? WHERE id = ? AND ts = ?`,
		string(alertJSON), readingID, unixNano(ts))
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("reading %s not found", readingID)
	}
	return nil
}

func (r *SQLiteReadingRepository) QueryReadings(ctx context.Context, q mqtmodels.ReadingQuery) ([]mqtmodels.SensorReading, error) {
	conditions := []string{"device_id = ?"}
	args := []interface{}{q.DeviceID}
	if q.SensorType != "" {
		conditions = append(conditions, "sensor_type = ?")
		args = append(args, q.SensorType)
	}
	if q.From != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, unixNano(*q.From))
	}
	if q.To != nil {
		conditions = append(conditions, "ts <= ?")
		args = append(args, unixNano(*q.To))
	}
	args = append(args, clampLimit(q.Limit))

	rows, err := r.db.QueryContext(ctx, `SELECT `+readingColumns+` FROM sensor_readings WHERE `+
		strings.Join(conditions, " AND ")+` ORDER BY ts DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	readings := []mqtmodels.SensorReading{}
	for rows.Next() {
		var reading mqtmodels.SensorReading
		var ts, receivedAt int64
		var value, confidence sql.NullFloat64
		var rawJSON, processedJSON, alertsJSON, tagsJSON, metadataJSON sql.NullString

		if err := rows.Scan(&reading.ID, &reading.DeviceID, &reading.MallID, &reading.SensorType, &ts,
			&value, &reading.Unit, &confidence, &rawJSON, &processedJSON,
			&reading.Quality, &alertsJSON, &reading.Processed, &tagsJSON, &metadataJSON, &receivedAt); err != nil {
			return nil, err
		}
		reading.Timestamp = fromUnixNano(ts)
		reading.ReceivedAt = fromUnixNano(receivedAt)
		if tagsJSON.Valid && tagsJSON.String != "" && tagsJSON.String != "null" {
			if err := json.Unmarshal([]byte(tagsJSON.String), &reading.Tags); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
			}
		}
		if err := finishReading(&reading, value, confidence,
			[]byte(rawJSON.String), []byte(processedJSON.String), []byte(alertsJSON.String), []byte(metadataJSON.String)); err != nil {
			return nil, err
		}
		readings = append(readings, reading)
	}
	return readings, rows.Err()
}

func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nullableUnixNano(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return unixNano(*t)
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

package implementation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
	"github.com/lib/pq"
)

const readingColumns = `id, device_id, mall_id, sensor_type, ts, value, unit, confidence, raw_data, processed_data,
	quality, alerts, processed, tags, metadata, received_at`

// PartitionPrefix names the monthly partitions of sensor_readings
const PartitionPrefix = "sensor_readings_p"

type PostgresReadingRepository struct {
	db *sql.DB
}

func NewPostgresReadingRepository(db *sql.DB) *PostgresReadingRepository {
	return &PostgresReadingRepository{db: db}
}

// Reading operations
func (r *PostgresReadingRepository) InsertReading(ctx context.Context, reading *mqtmodels.SensorReading) (bool, error) {
	query := `
		INSERT INTO sensor_readings (` + readingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (device_id, sensor_type, ts) DO NOTHING
	`

	args, err := readingArgs(reading)
	if err != nil {
		return false, err
	}
	tags := reading.Tags
	if tags == nil {
		tags = []string{}
	}
	args[13] = pq.Array(tags)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *PostgresReadingRepository) AnnotateAlert(ctx context.Context, readingID string, ts time.Time, alert mqtmodels.AlertAnnotation) error {
	alertJSON, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alerts: %w", err)
	}

	// ts lets the planner prune to a single partition
	result, err := r.db.ExecContext(ctx,
		`UPDATE sensor_readings SET alerts = $3::jsonb WHERE id = $1 AND ts = $2`,
		readingID, ts.UTC(), string(alertJSON))
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

func (r *PostgresReadingRepository) QueryReadings(ctx context.Context, q mqtmodels.ReadingQuery) ([]mqtmodels.SensorReading, error) {
	conditions := []string{"device_id = $1"}
	args := []interface{}{q.DeviceID}

	if q.SensorType != "" {
		args = append(args, q.SensorType)
		conditions = append(conditions, fmt.Sprintf("sensor_type = $%d", len(args)))
	}
	if q.From != nil {
		args = append(args, q.From.UTC())
		conditions = append(conditions, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if q.To != nil {
		args = append(args, q.To.UTC())
		conditions = append(conditions, fmt.Sprintf("ts <= $%d", len(args)))
	}
	args = append(args, clampLimit(q.Limit))

	query := fmt.Sprintf(`SELECT %s FROM sensor_readings WHERE %s ORDER BY ts DESC LIMIT $%d`,
		readingColumns, strings.Join(conditions, " AND "), len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	readings := []mqtmodels.SensorReading{}
	for rows.Next() {
		var reading mqtmodels.SensorReading
		var value, confidence sql.NullFloat64
		var rawJSON, processedJSON, alertsJSON, metadataJSON []byte
		var tags pq.StringArray

		if err := rows.Scan(&reading.ID, &reading.DeviceID, &reading.MallID, &reading.SensorType, &reading.Timestamp,
			&value, &reading.Unit, &confidence, &rawJSON, &processedJSON,
			&reading.Quality, &alertsJSON, &reading.Processed, &tags, &metadataJSON, &reading.ReceivedAt); err != nil {
			return nil, err
		}
		reading.Tags = []string(tags)
		if err := finishReading(&reading, value, confidence, rawJSON, processedJSON, alertsJSON, metadataJSON); err != nil {
			return nil, err
		}
		readings = append(readings, reading)
	}
	return readings, rows.Err()
}

// EnsurePartitions creates the monthly partition holding from and the ahead
// following months. Existing partitions are left untouched.
func (r *PostgresReadingRepository) EnsurePartitions(ctx context.Context, from time.Time, ahead int) ([]string, error) {
	start := monthStart(from)
	var names []string
	for i := 0; i <= ahead; i++ {
		lower := start.AddDate(0, i, 0)
		upper := lower.AddDate(0, 1, 0)
		name := PartitionPrefix + lower.Format("200601")

		query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s PARTITION OF sensor_readings FOR VALUES FROM ('%s') TO ('%s')`,
			pq.QuoteIdentifier(name), lower.Format(time.RFC3339), upper.Format(time.RFC3339))
		if _, err := r.db.ExecContext(ctx, query); err != nil {
			return names, fmt.Errorf("failed to create partition %s: %w", name, err)
		}
		names = append(names, name)
	}
	return names, nil
}

// DropPartitionsBefore drops monthly partitions whose whole range ends at or before cutoff
func (r *PostgresReadingRepository) DropPartitionsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.relname
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = 'sensor_readings'
	`)
	if err != nil {
		return nil, err
	}
	var expired []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		if upper, ok := partitionUpperBound(name); ok && !upper.After(cutoff) {
			expired = append(expired, name)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var dropped []string
	for _, name := range expired {
		if _, err := r.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+pq.QuoteIdentifier(name)); err != nil {
			return dropped, fmt.Errorf("failed to drop partition %s: %w", name, err)
		}
		dropped = append(dropped, name)
	}
	return dropped, nil
}

// partitionUpperBound parses sensor_readings_pYYYYMM into the partition's exclusive upper bound
func partitionUpperBound(name string) (time.Time, bool) {
	suffix, found := strings.CutPrefix(name, PartitionPrefix)
	if !found {
		return time.Time{}, false
	}
	lower, err := time.Parse("200601", suffix)
	if err != nil {
		return time.Time{}, false
	}
	return lower.AddDate(0, 1, 0), true
}

// readingArgs orders reading fields as readingColumns
func readingArgs(reading *mqtmodels.SensorReading) ([]interface{}, error) {
	raw, err := nullableJSON(reading.RawData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal raw_data: %w", err)
	}
	processed, err := nullableJSON(reading.ProcessedData)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal processed_data: %w", err)
	}
	alerts, err := nullableJSON(reading.Alerts)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alerts: %w", err)
	}
	metadata, err := nullableJSON(reading.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return []interface{}{
		reading.ID, reading.DeviceID, reading.MallID, reading.SensorType, reading.Timestamp.UTC(),
		reading.Value, reading.Unit, reading.Confidence, raw, processed,
		string(reading.Quality), alerts, reading.Processed, nil, metadata, reading.ReceivedAt.UTC(),
	}, nil
}

func finishReading(reading *mqtmodels.SensorReading, value, confidence sql.NullFloat64, rawJSON, processedJSON, alertsJSON, metadataJSON []byte) error {
	var err error
	if value.Valid {
		v := value.Float64
		reading.Value = &v
	}
	if confidence.Valid {
		c := confidence.Float64
		reading.Confidence = &c
	}
	if reading.RawData, err = unmarshalMap(rawJSON, "raw_data"); err != nil {
		return err
	}
	if reading.ProcessedData, err = unmarshalMap(processedJSON, "processed_data"); err != nil {
		return err
	}
	if reading.Metadata, err = unmarshalMap(metadataJSON, "metadata"); err != nil {
		return err
	}
	if len(alertsJSON) > 0 {
		var alert mqtmodels.AlertAnnotation
		if err := json.Unmarshal(alertsJSON, &alert); err != nil {
			return fmt.Errorf("failed to unmarshal alerts: %w", err)
		}
		reading.Alerts = &alert
	}
	reading.Timestamp = reading.Timestamp.UTC()
	reading.ReceivedAt = reading.ReceivedAt.UTC()
	return nil
}

package implementation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// ensureMetaNotNull ensures a JSON object column is never stored as null
func ensureMetaNotNull(meta map[string]interface{}) map[string]interface{} {
	if meta == nil {
		return make(map[string]interface{})
	}
	return meta
}

// nullableJSON encodes v for a nullable JSON column; nil maps and pointers become NULL
func nullableJSON(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case map[string]interface{}:
		if t == nil {
			return nil, nil
		}
	case *mqtmodels.AlertAnnotation:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalMap(raw []byte, column string) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", column, err)
	}
	return m, nil
}

func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isSQLiteUniqueViolation(err error) bool {
	var liteErr sqlite3.Error
	if !errors.As(err, &liteErr) {
		return false
	}
	return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// qualify prefixes every column of a comma separated list with alias
func qualify(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// Query limits for getSensorData
const (
	DefaultReadingLimit = 100
	MaxReadingLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultReadingLimit
	}
	if limit > MaxReadingLimit {
		return MaxReadingLimit
	}
	return limit
}

// monthStart truncates t to the first instant of its UTC month
func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Device Repository
// ├── CreateDevice() - Insert, DuplicateDeviceError on conflict
// ├── GetDeviceByExternalID() - Single device lookup, nil when absent
// ├── ListDevicesByMall() - Mall's devices, newest first
// ├── RecordActivity() - lastSeen/lastData + promotion in one statement
// ├── ApplyReportedStatus() - Device-reported status
// └── MarkSilentDevicesOffline() - Heartbeat sweep

// Reading Repository (Time-Series)
// ├── InsertReading() - Append, skip duplicates
// ├── AnnotateAlert() - Alert annotation
// ├── QueryReadings() - getSensorData
// ├── EnsurePartitions() - Monthly partitions (Postgres)
// └── DropPartitionsBefore() - Retention (Postgres)
